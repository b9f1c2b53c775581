package common

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		asEnd bool
		want  time.Time
	}{
		{"YearStart", "2021", false, date(2021, time.January, 1)},
		{"YearEnd", "2021", true, date(2022, time.January, 1).Add(-time.Nanosecond)},
		{"MonthStart", "2021-03", false, date(2021, time.March, 1)},
		{"MonthEnd", "2021-03", true, date(2021, time.April, 1).Add(-time.Nanosecond)},
		{"DayStart", "2021-03-15", false, date(2021, time.March, 15)},
		{"DayEnd", "2021-03-15", true, date(2021, time.March, 16).Add(-time.Nanosecond)},
		{"Timestamp", "2021-03-15T10:30:00Z", true, time.Date(2021, time.March, 15, 10, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.in, tt.asEnd)
			if err != nil {
				t.Fatalf("ParseTime(%q) error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "not a date"} {
		if _, err := ParseTime(in, false); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseTimeRange(t *testing.T) {
	r, err := ParseTimeRange("", "")
	if err != nil || !r.IsZero() {
		t.Fatalf("expected unbounded range, got %v (%v)", r, err)
	}

	r, err = ParseTimeRange("2020", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Start.Equal(date(2020, time.January, 1)) || !r.End.IsZero() {
		t.Fatalf("unexpected range: %v", r)
	}

	if _, err := ParseTimeRange("2021", "2020"); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestTimeRange_Intersects(t *testing.T) {
	y2020 := Span("2020", "")
	y2021 := Span("2021", "")
	open := TimeRange{}
	from2021 := TimeRange{Start: date(2021, time.January, 1)}
	until2020 := TimeRange{End: date(2020, time.June, 1)}

	tests := []struct {
		name string
		a, b TimeRange
		want bool
	}{
		{"Same", y2020, y2020, true},
		{"Disjoint", y2020, y2021, false},
		{"Unbounded", open, y2020, true},
		{"OpenEndedMiss", from2021, y2020, false},
		{"OpenEndedHit", from2021, y2021, true},
		{"OpenStartHit", until2020, y2020, true},
		{"OpenStartMiss", until2020, y2021, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Intersects(tt.b); got != tt.want {
				t.Fatalf("Intersects = %v, want %v", got, tt.want)
			}
			if got := tt.b.Intersects(tt.a); got != tt.want {
				t.Fatalf("Intersects (swapped) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpanAndUnion(t *testing.T) {
	a := Span("2019-05", "")
	b := Span("", "2021")
	u := a.Union(b)
	if !u.Start.Equal(date(2019, time.May, 1)) {
		t.Fatalf("unexpected start: %v", u.Start)
	}
	if !u.End.Equal(date(2022, time.January, 1).Add(-time.Nanosecond)) {
		t.Fatalf("unexpected end: %v", u.End)
	}

	if !Span("garbage", "").IsZero() {
		t.Fatal("expected zero span for unparsable input")
	}
	if got := (TimeRange{}).Union(a); got != a {
		t.Fatalf("union with zero range = %v, want %v", got, a)
	}
}

func TestRangeFromAttributes(t *testing.T) {
	want := Span("2020-02-01", "2020-02-03")
	attrs := map[string]string{
		"start_time": FormatTime(want.Start),
		"end_time":   FormatTime(want.End),
	}
	got := RangeFromAttributes(func(k string) string { return attrs[k] })
	if !got.Start.Equal(want.Start) || !got.End.Equal(want.End) {
		t.Fatalf("RangeFromAttributes = %v, want %v", got, want)
	}

	if !RangeFromAttributes(func(string) string { return "" }).IsZero() {
		t.Fatal("expected zero range for missing attributes")
	}
}
