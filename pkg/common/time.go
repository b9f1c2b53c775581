package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// TimeRange is a closed interval. A zero Start or End is unbounded on that side.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is unbounded on both sides.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Intersects reports whether r and o share at least one instant.
func (r TimeRange) Intersects(o TimeRange) bool {
	if !r.End.IsZero() && !o.Start.IsZero() && o.Start.After(r.End) {
		return false
	}
	if !o.End.IsZero() && !r.Start.IsZero() && r.Start.After(o.End) {
		return false
	}
	return true
}

// Union returns the smallest range covering both r and o. Unlike Intersects,
// zero bounds here mean "unknown" and are ignored.
func (r TimeRange) Union(o TimeRange) TimeRange {
	out := r
	if out.Start.IsZero() || (!o.Start.IsZero() && o.Start.Before(out.Start)) {
		out.Start = o.Start
	}
	if out.End.IsZero() || (!o.End.IsZero() && o.End.After(out.End)) {
		out.End = o.End
	}
	return out
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]", FormatTime(r.Start), FormatTime(r.End))
}

// ParseTimeRange parses a query window. Empty bounds stay unbounded. A
// partial date in the end bound extends to the end of its period, so
// ("2020", "2021") covers all of 2020 and 2021.
func ParseTimeRange(start, end string) (TimeRange, error) {
	var r TimeRange
	var err error
	if strings.TrimSpace(start) != "" {
		if r.Start, err = ParseTime(start, false); err != nil {
			return TimeRange{}, fmt.Errorf("invalid start time %q: %w", start, err)
		}
	}
	if strings.TrimSpace(end) != "" {
		if r.End, err = ParseTime(end, true); err != nil {
			return TimeRange{}, fmt.Errorf("invalid end time %q: %w", end, err)
		}
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return TimeRange{}, fmt.Errorf("end time %q is before start time %q", end, start)
	}
	return r, nil
}

// Span builds the range of a single extracted fact. A missing bound takes the
// value of the other one, so a fact with only a start time is a point in time.
// Unparsable values are ignored.
func Span(start, end string) TimeRange {
	s, errS := ParseTime(start, false)
	e, errE := ParseTime(end, true)
	switch {
	case errS == nil && errE == nil:
		if e.Before(s) {
			e, _ = ParseTime(start, true)
		}
		return TimeRange{Start: s, End: e}
	case errS == nil:
		e, _ = ParseTime(start, true)
		return TimeRange{Start: s, End: e}
	case errE == nil:
		s, _ = ParseTime(end, false)
		return TimeRange{Start: s, End: e}
	}
	return TimeRange{}
}

// ParseTime parses a date expression in UTC. Bare years ("2021") and
// year-months ("2021-03") are accepted; when asEnd is set they resolve to the
// last instant of the period instead of the first.
func ParseTime(value string, asEnd bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	if len(value) == 4 {
		if y, err := strconv.Atoi(value); err == nil {
			t := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
			if asEnd {
				return t.AddDate(1, 0, 0).Add(-time.Nanosecond), nil
			}
			return t, nil
		}
	}
	if len(value) == 7 && value[4] == '-' {
		if t, err := time.Parse("2006-01", value); err == nil {
			if asEnd {
				return t.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
			}
			return t, nil
		}
	}

	t, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	if asEnd && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 && !strings.ContainsAny(value, ":T") {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t.UTC(), nil
}

// FormatTime renders t as RFC 3339 or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// RangeFromAttributes reads "start_time"/"end_time" as written by FormatTime.
// Missing or invalid values leave that bound zero.
func RangeFromAttributes(get func(string) string) TimeRange {
	var r TimeRange
	if v := get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.Start = t
		} else if t, err := ParseTime(v, false); err == nil {
			r.Start = t
		}
	}
	if v := get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.End = t
		} else if t, err := ParseTime(v, true); err == nil {
			r.End = t
		}
	}
	return r
}
