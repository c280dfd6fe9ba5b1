// Package master implements the concurrent orchestration fabric of the
// piwheels build master: worker dispatch, credit-based file transfer and
// atomic index publication.
package master

import "sort"

// byteRange is a half-open interval [Start, End) of a file's bytes.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) Len() int64 { return r.End - r.Start }
func (r byteRange) Empty() bool { return r.End <= r.Start }

// intersect returns the overlap of a and b, if any.
func intersect(a, b byteRange) (byteRange, bool) {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	if start >= end {
		return byteRange{}, false
	}
	return byteRange{Start: start, End: end}, true
}

// subtract removes the span [start, end) from the disjoint, increasing list
// of ranges, returning the resulting disjoint, increasing list.
func subtract(ranges []byteRange, remove byteRange) []byteRange {
	if remove.Empty() {
		return ranges
	}
	out := make([]byteRange, 0, len(ranges)+1)
	for _, r := range ranges {
		overlap, ok := intersect(r, remove)
		if !ok {
			out = append(out, r)
			continue
		}
		if r.Start < overlap.Start {
			out = append(out, byteRange{Start: r.Start, End: overlap.Start})
		}
		if overlap.End < r.End {
			out = append(out, byteRange{Start: overlap.End, End: r.End})
		}
	}
	return out
}

// bytesCovered sums the length of every range in the list.
func bytesCovered(ranges []byteRange) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// sortedAndDisjoint reports whether ranges is sorted by Start and no two
// ranges overlap (ranges that merely share an endpoint are accepted) — an
// invariant transferState.missing must hold at every observable step.
func sortedAndDisjoint(ranges []byteRange) bool {
	return sort.SliceIsSorted(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	}) && func() bool {
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Start < ranges[i-1].End {
				return false
			}
		}
		return true
	}()
}
