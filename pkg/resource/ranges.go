package resource

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Span is a closed integer interval, Begin <= End.
type Span struct {
	Begin uint64
	End   uint64
}

// RangeList is an ordered list of disjoint, non-adjacent spans. The
// algebra below always returns normalized lists.
type RangeList []Span

// StringSet holds the items of a set-typed resource entry.
type StringSet map[string]bool

// NewSet builds a StringSet from items.
func NewSet(items ...string) StringSet {
	set := make(StringSet, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func normalize(spans []Span) RangeList {
	if len(spans) == 0 {
		return nil
	}
	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, func(a, b Span) bool {
		if a.Begin != b.Begin {
			return a.Begin < b.Begin
		}
		return a.End < b.End
	})
	out := RangeList{sorted[0]}
	for _, span := range sorted[1:] {
		last := &out[len(out)-1]
		if span.Begin <= last.End+1 {
			if span.End > last.End {
				last.End = span.End
			}
		} else {
			out = append(out, span)
		}
	}
	return out
}

// Union returns the normalized union of rl and other.
func (rl RangeList) Union(other RangeList) RangeList {
	if len(other) == 0 {
		return slices.Clone(rl)
	}
	return normalize(append(slices.Clone(rl), other...))
}

// Subtract returns the values of rl not covered by other.
func (rl RangeList) Subtract(other RangeList) RangeList {
	out := normalize(rl)
	for _, cut := range normalize(other) {
		next := make(RangeList, 0, len(out)+1)
		for _, span := range out {
			if cut.End < span.Begin || cut.Begin > span.End {
				next = append(next, span)
				continue
			}
			if cut.Begin > span.Begin {
				next = append(next, Span{Begin: span.Begin, End: cut.Begin - 1})
			}
			if cut.End < span.End {
				next = append(next, Span{Begin: cut.End + 1, End: span.End})
			}
		}
		out = next
	}
	return out
}

// Contains reports whether every value of other is covered by rl.
func (rl RangeList) Contains(other RangeList) bool {
	return len(normalize(other).Subtract(rl)) == 0
}

// Count returns the number of integer values covered.
func (rl RangeList) Count() uint64 {
	var n uint64
	for _, span := range normalize(rl) {
		n += span.End - span.Begin + 1
	}
	return n
}

func (rl RangeList) String() string {
	parts := make([]string, len(rl))
	for i, span := range rl {
		if span.Begin == span.End {
			parts[i] = fmt.Sprintf("%d", span.Begin)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", span.Begin, span.End)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}
