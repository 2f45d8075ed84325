package traffic

import (
	"fmt"
	"sort"
)

// StitchResult is one continuous ordered record sequence plus the sub-ranges
// of the requested range that no fetched range covered.
type StitchResult struct {
	Records []Record      `json:"records"`
	Gaps    []CoverageGap `json:"gaps"`
}

// Stitch merges record batches fetched over a discontinuous set of date
// sub-ranges into one time-ordered sequence. batches must parallel
// set.Ranges(). Two sub-ranges stitch without a gap only when they are
// exactly adjacent (the day after one range's end is the next range's
// start); there is no overlap tolerance and no gap filling. Every day of the
// requested range not covered by any sub-range is reported as a CoverageGap.
func Stitch(set DateRangeSet, batches [][]Record, requested DateRange) (StitchResult, error) {
	ranges := set.Ranges()
	if len(batches) != len(ranges) {
		return StitchResult{}, fmt.Errorf("%d batches for %d ranges: %w",
			len(batches), len(ranges), ErrRangeBatchMismatch)
	}
	requested.Start = midnightUTC(requested.Start)
	requested.End = midnightUTC(requested.End)
	if requested.End.Before(requested.Start) {
		return StitchResult{}, fmt.Errorf("requested range: %w", ErrInvalidRange)
	}

	// set.Ranges() is already ordered and batches were supplied in set
	// order, so concatenation preserves range order; a final sort settles
	// ordering within and across batches.
	var res StitchResult
	for _, batch := range batches {
		res.Records = append(res.Records, batch...)
	}
	sort.SliceStable(res.Records, func(i, j int) bool {
		a, b := res.Records[i], res.Records[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.LocationID < b.LocationID
	})

	res.Gaps = uncoveredGaps(ranges, requested)
	return res, nil
}

// uncoveredGaps walks the requested range against the ordered fetched ranges
// and returns the closed day intervals no range covered.
func uncoveredGaps(ranges []DateRange, requested DateRange) []CoverageGap {
	var gaps []CoverageGap
	cursor := requested.Start
	for _, r := range ranges {
		if r.End.Before(requested.Start) || r.Start.After(requested.End) {
			continue
		}
		if r.Start.After(cursor) {
			gaps = append(gaps, CoverageGap{Start: cursor, End: r.Start.AddDate(0, 0, -1)})
		}
		if next := r.End.AddDate(0, 0, 1); next.After(cursor) {
			cursor = next
		}
	}
	if !cursor.After(requested.End) {
		gaps = append(gaps, CoverageGap{Start: cursor, End: requested.End})
	}
	return gaps
}
