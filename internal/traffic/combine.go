package traffic

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
)

// CombineOptions controls conflict reporting.
type CombineOptions struct {
	// RelDiffWarnThreshold is the relative difference between two sources'
	// values for the same slot beyond which a ReconciliationWarning is
	// emitted. The higher-priority source wins either way.
	RelDiffWarnThreshold float64 `json:"rel_diff_warn_threshold"`
}

// DefaultCombineOptions are the thresholds used when the caller supplies none.
func DefaultCombineOptions() CombineOptions {
	return CombineOptions{RelDiffWarnThreshold: 0.05}
}

// Combine merges independently compiled record sequences covering
// possibly-overlapping windows into one deduplicated sequence. When two
// sources describe the same location, metric, and interval, the record from
// the higher-priority sequence is kept and the drop is logged with both
// source tags. Output order is fully determined by the input multiset and
// priorities: sorting on (location, start, metric, priority, source) before
// dedup makes the result identical regardless of input iteration order.
func Combine(seqs []SourceSequence, opts CombineOptions) ([]Record, []ReconciliationWarning, error) {
	type entry struct {
		rec      Record
		priority int
	}
	var entries []entry
	for _, seq := range seqs {
		for _, r := range seq.Records {
			if r.Source == "" {
				r.Source = seq.Source
			}
			entries = append(entries, entry{rec: r, priority: seq.Priority})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.rec.LocationID != b.rec.LocationID {
			return a.rec.LocationID < b.rec.LocationID
		}
		if !a.rec.Start.Equal(b.rec.Start) {
			return a.rec.Start.Before(b.rec.Start)
		}
		if !a.rec.End.Equal(b.rec.End) {
			return a.rec.End.Before(b.rec.End)
		}
		if a.rec.Metric != b.rec.Metric {
			return a.rec.Metric < b.rec.Metric
		}
		if a.priority != b.priority {
			return a.priority > b.priority // winner first
		}
		return a.rec.Source < b.rec.Source
	})

	runID := uuid.NewString()
	var (
		out      []Record
		warnings []ReconciliationWarning
	)
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.rec.Key() == prev.rec.Key() {
				if e.rec.Source == prev.rec.Source {
					return nil, nil, fmt.Errorf("source %s, %s at %s: %w",
						e.rec.Source, e.rec.LocationID, e.rec.Start, ErrDuplicateRecord)
				}
				// prev (or an earlier winner) holds this slot.
				kept := out[len(out)-1]
				slog.Info("dropping lower-priority record",
					"run_id", runID,
					"location", e.rec.LocationID,
					"metric", string(e.rec.Metric),
					"interval_start", e.rec.Start,
					"kept_source", kept.Source,
					"dropped_source", e.rec.Source)
				if d := relDiff(kept.Value, e.rec.Value); d > opts.RelDiffWarnThreshold {
					warnings = append(warnings, ReconciliationWarning{
						LocationID:    e.rec.LocationID,
						Metric:        e.rec.Metric,
						Start:         e.rec.Start,
						End:           e.rec.End,
						KeptSource:    kept.Source,
						KeptValue:     kept.Value,
						DroppedSource: e.rec.Source,
						DroppedValue:  e.rec.Value,
						RelDiff:       d,
					})
				}
				continue
			}
		}
		out = append(out, e.rec)
	}
	return out, warnings, nil
}
