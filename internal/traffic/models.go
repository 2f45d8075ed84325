package traffic

import (
	"fmt"
	"sort"
	"time"
)

// Metric identifies a normalized measurement type.
type Metric string

const (
	MetricVolume     Metric = "volume"          // vehicle count per interval
	MetricSpeedMPH   Metric = "speed_mph"       // miles per hour
	MetricTravelTime Metric = "travel_time_min" // minutes
)

// MetricKind selects the corridor rollup rule for a metric. Counts are summed
// directly; rates are length-weighted.
type MetricKind string

const (
	KindCount MetricKind = "count"
	KindRate  MetricKind = "rate"
)

// Kind returns the rollup rule for the metric. The rule is fixed per metric,
// never guessed from the data.
func (m Metric) Kind() MetricKind {
	switch m {
	case MetricVolume:
		return KindCount
	default:
		return KindRate
	}
}

// Record is the normalized unit of all downstream processing. The
// [Start, End) interval is half-open and always UTC.
type Record struct {
	LocationID  string    `json:"location_id"`
	Start       time.Time `json:"timestamp_start"`
	End         time.Time `json:"timestamp_end"`
	Metric      Metric    `json:"metric"`
	Value       float64   `json:"value"`
	LengthMiles float64   `json:"length_miles,omitempty"`
	Source      string    `json:"source"`
}

// Key identifies the slot a record occupies within one canonical table.
// Two records from different sources may share a Key; two records from the
// same source must not.
func (r Record) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		r.LocationID, r.Metric,
		r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// Interval is a half-open [Start, End) time interval in UTC.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the interval is well formed.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Segment is one constituent of a corridor.
type Segment struct {
	ID          string  `json:"id" yaml:"id" validate:"required"`
	LengthMiles float64 `json:"length_miles" yaml:"length_miles" validate:"gt=0"`
}

// Corridor is a named aggregate of contiguous roadway segments.
type Corridor struct {
	ID                  string     `json:"id" yaml:"id" validate:"required"`
	Name                string     `json:"name" yaml:"name"`
	Direction           string     `json:"direction,omitempty" yaml:"direction,omitempty" validate:"omitempty,oneof=N S E W"`
	DeclaredLengthMiles float64    `json:"declared_length_miles" yaml:"declared_length_miles" validate:"gt=0"`
	Segments            []Segment  `json:"segments" yaml:"segments" validate:"min=1,dive"`
	Geometry            LineString `json:"geometry,omitempty" yaml:"geometry,omitempty"`
}

// SegmentLengthSum returns the sum of the constituent segment lengths.
func (c Corridor) SegmentLengthSum() float64 {
	var sum float64
	for _, s := range c.Segments {
		sum += s.LengthMiles
	}
	return sum
}

// DateRange is a closed, day-granularity date interval. Start and End are
// midnight UTC and both days are included.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of days the range covers.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// DateRangeSet is an ordered sequence of disjoint closed date ranges,
// typically the sub-requests a paginated API forced on a single logical
// download. Overlap is rejected at construction; overlapping data belongs to
// Combine, not Stitch.
type DateRangeSet struct {
	ranges []DateRange
}

// NewDateRangeSet builds a set from the given ranges, sorting them by start
// date. Malformed or overlapping ranges are rejected.
func NewDateRangeSet(ranges ...DateRange) (DateRangeSet, error) {
	rs := make([]DateRange, len(ranges))
	for i, r := range ranges {
		r.Start = midnightUTC(r.Start)
		r.End = midnightUTC(r.End)
		if r.End.Before(r.Start) {
			return DateRangeSet{}, fmt.Errorf("date range %s..%s: %w",
				r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), ErrInvalidRange)
		}
		rs[i] = r
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start.Before(rs[j].Start) })
	for i := 1; i < len(rs); i++ {
		if !rs[i].Start.After(rs[i-1].End) {
			return DateRangeSet{}, fmt.Errorf("ranges ending %s and starting %s: %w",
				rs[i-1].End.Format("2006-01-02"), rs[i].Start.Format("2006-01-02"), ErrOverlappingRanges)
		}
	}
	return DateRangeSet{ranges: rs}, nil
}

// Ranges returns the ordered ranges.
func (s DateRangeSet) Ranges() []DateRange {
	out := make([]DateRange, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Len returns the number of ranges in the set.
func (s DateRangeSet) Len() int { return len(s.ranges) }

// CoverageGap is a reported sub-interval of a requested range with no
// underlying data from any source. It is load-bearing output, not a
// diagnostic: consumers must be able to tell missing apart from zero.
type CoverageGap struct {
	LocationID string    `json:"location_id,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// ReconciliationWarning reports a value disagreement between two sources for
// the same location and interval that exceeded the caller's threshold. The
// higher-priority source still wins; the disagreement is surfaced, never
// swallowed.
type ReconciliationWarning struct {
	LocationID    string    `json:"location_id"`
	Metric        Metric    `json:"metric"`
	Start         time.Time `json:"timestamp_start"`
	End           time.Time `json:"timestamp_end"`
	KeptSource    string    `json:"kept_source"`
	KeptValue     float64   `json:"kept_value"`
	DroppedSource string    `json:"dropped_source"`
	DroppedValue  float64   `json:"dropped_value"`
	RelDiff       float64   `json:"rel_diff"`
}

// RawRecord is one key-value row as handed over by a download or file-reading
// collaborator, before schema normalization.
type RawRecord map[string]string

// RawBatch is a sequence of raw rows from a single provider.
type RawBatch []RawRecord

// SourceSequence is one canonical record sequence entering Combine, tagged
// with its source and conflict priority (higher wins).
type SourceSequence struct {
	Source   string   `json:"source" validate:"required"`
	Priority int      `json:"priority"`
	Records  []Record `json:"records"`
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
