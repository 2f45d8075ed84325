package traffic

import (
	"fmt"
	"log/slog"
	"math"
)

// RollupOptions controls corridor rollup quality thresholds.
type RollupOptions struct {
	// MaxMissingFraction is the fraction of constituent segments that may be
	// missing for an interval before IncompleteCorridorError is returned.
	MaxMissingFraction float64 `json:"max_missing_fraction"`

	// LengthTolerance is the allowed relative difference between the
	// corridor's declared length and the sum of its segment lengths. Beyond
	// it the rollup degrades to an unweighted average.
	LengthTolerance float64 `json:"length_tolerance"`
}

// DefaultRollupOptions are the thresholds used when the caller supplies none.
func DefaultRollupOptions() RollupOptions {
	return RollupOptions{MaxMissingFraction: 0.5, LengthTolerance: 0.01}
}

// Rollup is the result of aggregating one corridor over one interval.
// Exactly one of Record and Gap is set: a corridor with no reporting
// segments produces a coverage gap, never a zero-valued record.
type Rollup struct {
	Record          *Record      `json:"record,omitempty"`
	Gap             *CoverageGap `json:"gap,omitempty"`
	MissingSegments []string     `json:"missing_segments,omitempty"`

	// Unweighted is set when a declared-length mismatch degraded the rollup
	// to a plain average.
	Unweighted bool `json:"unweighted,omitempty"`
}

// AggregateCorridor rolls the constituent segment records for one interval up
// to a single corridor record. Count metrics (volume) are summed directly;
// rate metrics (speed, travel time) are length-weighted, with the weight of a
// missing segment redistributed proportionally among the segments that did
// report. When every segment is missing the corridor record is omitted and a
// CoverageGap is returned instead.
func AggregateCorridor(c Corridor, recs []Record, iv Interval, opts RollupOptions) (Rollup, error) {
	if !iv.Valid() {
		return Rollup{}, fmt.Errorf("interval start %s not before end %s", iv.Start, iv.End)
	}
	if len(c.Segments) == 0 {
		return Rollup{}, fmt.Errorf("corridor %s has no segments", c.ID)
	}

	segLengths := make(map[string]float64, len(c.Segments))
	for _, s := range c.Segments {
		segLengths[s.ID] = s.LengthMiles
	}

	// One value per segment for this interval. A second record from the same
	// source for the same segment is a data-quality error.
	var metric Metric
	var source string
	values := make(map[string]float64, len(c.Segments))
	for _, r := range recs {
		if _, ok := segLengths[r.LocationID]; !ok {
			continue
		}
		if !r.Start.Equal(iv.Start) || !r.End.Equal(iv.End) {
			continue
		}
		if metric == "" {
			metric = r.Metric
			source = r.Source
		} else if r.Metric != metric {
			return Rollup{}, fmt.Errorf("corridor %s: %s and %s: %w", c.ID, metric, r.Metric, ErrMixedMetrics)
		}
		if _, dup := values[r.LocationID]; dup {
			return Rollup{}, fmt.Errorf("segment %s at %s: %w", r.LocationID, iv.Start, ErrDuplicateRecord)
		}
		values[r.LocationID] = r.Value
	}

	var missing []string
	for _, s := range c.Segments {
		if _, ok := values[s.ID]; !ok {
			missing = append(missing, s.ID)
		}
	}

	res := Rollup{MissingSegments: missing}
	if len(values) == 0 {
		res.Gap = &CoverageGap{LocationID: c.ID, Start: iv.Start, End: iv.End}
		return res, &IncompleteCorridorError{
			CorridorID: c.ID, Interval: iv, Missing: len(missing), Total: len(c.Segments),
		}
	}

	// Declared-length check: a mismatch degrades to unweighted averaging and
	// is reported, never silently weighted wrong.
	lengthSum := c.SegmentLengthSum()
	if relDiff(lengthSum, c.DeclaredLengthMiles) > opts.LengthTolerance {
		res.Unweighted = true
		slog.Warn("corridor length mismatch, degrading to unweighted average",
			"corridor", c.ID,
			"declared_miles", c.DeclaredLengthMiles,
			"segment_sum_miles", lengthSum)
	}

	var value float64
	switch metric.Kind() {
	case KindCount:
		for _, v := range values {
			value += v
		}
	default: // rate
		if res.Unweighted {
			for _, v := range values {
				value += v
			}
			value /= float64(len(values))
		} else {
			// Weights renormalized over the segments present, which
			// redistributes missing weight proportionally.
			var presentLength float64
			for id := range values {
				presentLength += segLengths[id]
			}
			for id, v := range values {
				value += v * segLengths[id] / presentLength
			}
		}
	}

	res.Record = &Record{
		LocationID:  c.ID,
		Start:       iv.Start,
		End:         iv.End,
		Metric:      metric,
		Value:       value,
		LengthMiles: c.DeclaredLengthMiles,
		Source:      source,
	}

	missingFrac := float64(len(missing)) / float64(len(c.Segments))
	if missingFrac > opts.MaxMissingFraction {
		return res, &IncompleteCorridorError{
			CorridorID: c.ID, Interval: iv, Missing: len(missing), Total: len(c.Segments),
		}
	}
	return res, nil
}

// SeriesResult is the outcome of rolling a corridor up over many intervals.
type SeriesResult struct {
	Records []Record      `json:"records"`
	Gaps    []CoverageGap `json:"gaps"`

	// Incomplete lists intervals that breached the missing-segment
	// threshold but still produced a record.
	Incomplete []Interval `json:"incomplete,omitempty"`
}

// AggregateCorridorSeries applies AggregateCorridor across the given
// intervals in order. Threshold breaches are collected rather than aborting
// the series; hard input errors abort.
func AggregateCorridorSeries(c Corridor, recs []Record, ivs []Interval, opts RollupOptions) (SeriesResult, error) {
	var out SeriesResult
	for _, iv := range ivs {
		ru, err := AggregateCorridor(c, recs, iv, opts)
		if err != nil {
			if _, incomplete := err.(*IncompleteCorridorError); !incomplete {
				return out, err
			}
			out.Incomplete = append(out.Incomplete, iv)
		}
		if ru.Record != nil {
			out.Records = append(out.Records, *ru.Record)
		}
		if ru.Gap != nil {
			out.Gaps = append(out.Gaps, *ru.Gap)
		}
	}
	return out, nil
}

// relDiff returns |a-b| relative to the larger magnitude, or 0 when both are
// zero.
func relDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}
