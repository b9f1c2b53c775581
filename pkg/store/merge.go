package store

import (
	"slices"
	"strings"

	"github.com/OFFIS-RIT/dygrag/pkg/common"
)

// GraphFieldSep joins the values of multi-valued attributes.
const GraphFieldSep = "<SEP>"

// MergeFunc combines an existing attribute value with an incoming one.
type MergeFunc func(old, new string) string

// MergeFuncs holds the per-key merge rules. Keys without a rule are
// last-write-wins, ignoring empty incoming values.
var MergeFuncs = map[string]MergeFunc{
	"source_id":   MergeSet,
	"description": MergeSet,
	"keywords":    MergeSet,
	"start_time":  MergeEarliest,
	"end_time":    MergeLatest,
}

// MergeAttributes returns old merged with incoming. Neither map is modified.
// The result does not depend on the order in which equal sets of values
// arrive, so repeated identical upserts leave the attributes unchanged.
func MergeAttributes(old, incoming Attributes) Attributes {
	out := make(Attributes, len(old)+len(incoming))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range incoming {
		prev, ok := out[k]
		if !ok {
			out[k] = normalizeValue(k, v)
			continue
		}
		if fn, ok := MergeFuncs[k]; ok {
			out[k] = fn(prev, v)
			continue
		}
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func normalizeValue(key, v string) string {
	if fn, ok := MergeFuncs[key]; ok {
		return fn("", v)
	}
	return v
}

// SplitField splits a multi-valued attribute.
func SplitField(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, GraphFieldSep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergeSet unions the separated values of old and new, sorted.
func MergeSet(old, new string) string {
	parts := append(SplitField(old), SplitField(new)...)
	slices.Sort(parts)
	return strings.Join(slices.Compact(parts), GraphFieldSep)
}

// MergeEarliest keeps the earlier of two dates. Unparsable values lose to
// parsable ones.
func MergeEarliest(old, new string) string {
	return pickTime(old, new, false)
}

// MergeLatest keeps the later of two dates.
func MergeLatest(old, new string) string {
	return pickTime(old, new, true)
}

func pickTime(old, new string, asEnd bool) string {
	if old == "" {
		return new
	}
	if new == "" {
		return old
	}
	to, errOld := common.ParseTime(old, asEnd)
	tn, errNew := common.ParseTime(new, asEnd)
	switch {
	case errOld != nil && errNew != nil:
		return min(old, new)
	case errOld != nil:
		return new
	case errNew != nil:
		return old
	}
	if asEnd {
		if tn.After(to) {
			return new
		}
		return old
	}
	if tn.Before(to) {
		return new
	}
	return old
}
