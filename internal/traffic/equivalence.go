package traffic

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Tolerance bounds the acceptable difference between two values purporting to
// be the same measurement. A pair passes when either bound holds.
type Tolerance struct {
	Abs float64 `json:"abs"`
	Rel float64 `json:"rel"`
}

// DefaultTolerance is tight enough to treat an API download and a manual
// export of the same report as bit-equal up to float formatting.
func DefaultTolerance() Tolerance {
	return Tolerance{Abs: 1e-9, Rel: 1e-6}
}

// RecordDiff is the per-slot comparison between the two sequences.
type RecordDiff struct {
	LocationID string    `json:"location_id"`
	Metric     Metric    `json:"metric"`
	Start      time.Time `json:"timestamp_start"`
	End        time.Time `json:"timestamp_end"`
	A          float64   `json:"a"`
	B          float64   `json:"b"`
	AbsDiff    float64   `json:"abs_diff"`
	RelDiff    float64   `json:"rel_diff"`

	// MissingIn is "a" or "b" when the slot exists in only one sequence.
	MissingIn string `json:"missing_in,omitempty"`
	Pass      bool   `json:"pass"`
}

// EquivalenceReport summarizes whether two sequences obtained through
// different access paths carry the same data.
type EquivalenceReport struct {
	ID         string       `json:"id"`
	Total      int          `json:"total"`
	Mismatches int          `json:"mismatches"`
	MaxAbsDiff float64      `json:"max_abs_diff"`
	MaxRelDiff float64      `json:"max_rel_diff"`
	Pass       bool         `json:"pass"`
	Diffs      []RecordDiff `json:"diffs"`
}

// CheckEquivalence compares two canonical sequences slot by slot. Slots are
// paired on (location, metric, interval); a slot present in only one
// sequence is a mismatch. Inputs are not mutated.
func CheckEquivalence(a, b []Record, tol Tolerance) EquivalenceReport {
	type slot struct {
		rec  Record
		inA  bool
		inB  bool
		aVal float64
		bVal float64
	}
	slots := make(map[string]*slot, len(a))
	order := make([]string, 0, len(a))

	for _, r := range a {
		k := r.Key()
		s, ok := slots[k]
		if !ok {
			s = &slot{rec: r}
			slots[k] = s
			order = append(order, k)
		}
		s.inA = true
		s.aVal = r.Value
	}
	for _, r := range b {
		k := r.Key()
		s, ok := slots[k]
		if !ok {
			s = &slot{rec: r}
			slots[k] = s
			order = append(order, k)
		}
		s.inB = true
		s.bVal = r.Value
	}
	sort.Strings(order)

	report := EquivalenceReport{ID: uuid.NewString(), Pass: true}
	for _, k := range order {
		s := slots[k]
		d := RecordDiff{
			LocationID: s.rec.LocationID,
			Metric:     s.rec.Metric,
			Start:      s.rec.Start,
			End:        s.rec.End,
			A:          s.aVal,
			B:          s.bVal,
		}
		switch {
		case !s.inA:
			d.MissingIn = "a"
		case !s.inB:
			d.MissingIn = "b"
		default:
			d.AbsDiff = math.Abs(s.aVal - s.bVal)
			d.RelDiff = relDiff(s.aVal, s.bVal)
			d.Pass = d.AbsDiff <= tol.Abs || d.RelDiff <= tol.Rel
			if d.AbsDiff > report.MaxAbsDiff {
				report.MaxAbsDiff = d.AbsDiff
			}
			if d.RelDiff > report.MaxRelDiff {
				report.MaxRelDiff = d.RelDiff
			}
		}
		if !d.Pass {
			report.Mismatches++
			report.Pass = false
		}
		report.Total++
		report.Diffs = append(report.Diffs, d)
	}
	return report
}
