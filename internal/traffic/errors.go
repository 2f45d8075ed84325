package traffic

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned when no field mapping exists for a
	// provider tag.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrBatchRejected is returned when the per-record failure rate of a
	// batch exceeds the caller's threshold.
	ErrBatchRejected = errors.New("batch rejected: failure rate above threshold")

	// ErrDuplicateRecord is returned when one source reports the same
	// location and interval twice. Duplicates are a data-quality error,
	// never silently summed.
	ErrDuplicateRecord = errors.New("duplicate record from same source")

	// ErrMixedMetrics is returned when a single rollup or comparison is fed
	// records of different metrics.
	ErrMixedMetrics = errors.New("mixed metrics in input")

	// ErrInvalidRange is returned for a date range whose end precedes its
	// start.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrOverlappingRanges is returned when a DateRangeSet would contain
	// overlapping ranges.
	ErrOverlappingRanges = errors.New("overlapping date ranges")

	// ErrRangeBatchMismatch is returned when Stitch receives a batch count
	// different from the range count.
	ErrRangeBatchMismatch = errors.New("batch count does not match range count")
)

// SchemaError reports a raw record that could not be normalized: a missing
// required field, an unparseable timestamp, or a malformed value.
type SchemaError struct {
	Provider Provider
	Index    int    // position of the offending record in the batch
	Field    string // raw field name, when attributable to one field
	Err      error
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s record %d: field %q: %v", e.Provider, e.Index, e.Field, e.Err)
	}
	return fmt.Sprintf("%s record %d: %v", e.Provider, e.Index, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IncompleteCorridorError signals that more constituent segments were missing
// for an interval than the caller's threshold allows. It is recoverable: the
// rollup result is still populated and the caller may proceed with the
// partial corridor.
type IncompleteCorridorError struct {
	CorridorID string
	Interval   Interval
	Missing    int
	Total      int
}

func (e *IncompleteCorridorError) Error() string {
	return fmt.Sprintf("corridor %s %s..%s: %d of %d segments missing",
		e.CorridorID,
		e.Interval.Start.Format("2006-01-02T15:04"),
		e.Interval.End.Format("2006-01-02T15:04"),
		e.Missing, e.Total)
}
