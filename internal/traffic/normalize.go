package traffic

import (
	"fmt"
	"strconv"
	"time"
)

// Provider tags a raw batch with the source whose field mapping applies.
type Provider string

const (
	ProviderINRIX           Provider = "inrix"
	ProviderSwiftlySpeedMap Provider = "swiftly-speedmap"
	ProviderSwiftlyPlayback Provider = "swiftly-playback"
	ProviderBATA            Provider = "bata"
)

// NormalizeOptions controls batch-level failure handling.
type NormalizeOptions struct {
	// MaxFailureRate is the fraction of records in a batch that may fail
	// schema normalization before the whole batch is rejected. Zero means
	// any failure rejects the batch.
	MaxFailureRate float64
}

// NormalizeResult carries the normalized records plus the per-record schema
// failures that were skipped.
type NormalizeResult struct {
	Records []Record
	Skipped []*SchemaError
}

// Normalize maps a raw provider batch onto canonical records using the
// provider's declared field mapping. Unit conversion is table-driven, never
// inferred. A record failing normalization is skipped and reported in
// Skipped; the batch as a whole fails only when the failure rate exceeds
// opts.MaxFailureRate.
func Normalize(batch RawBatch, p Provider, opts NormalizeOptions) (NormalizeResult, error) {
	sch, ok := schemas[p]
	if !ok {
		return NormalizeResult{}, fmt.Errorf("%q: %w", p, ErrUnknownProvider)
	}

	var res NormalizeResult
	for i, raw := range batch {
		recs, err := sch.normalize(raw, p)
		if err != nil {
			serr, ok := err.(*SchemaError)
			if !ok {
				serr = &SchemaError{Provider: p, Index: i, Err: err}
			}
			serr.Index = i
			res.Skipped = append(res.Skipped, serr)
			continue
		}
		res.Records = append(res.Records, recs...)
	}

	if len(batch) > 0 {
		rate := float64(len(res.Skipped)) / float64(len(batch))
		if len(res.Skipped) > 0 && rate > opts.MaxFailureRate {
			return res, fmt.Errorf("%d of %d records failed: %w",
				len(res.Skipped), len(batch), ErrBatchRejected)
		}
	}
	return res, nil
}

// Explicit unit converters. Each provider's mapping names the converter it
// needs; nothing is inferred from the data.
const (
	metersPerMile  = 1609.344
	mpsToMPHFactor = 3600.0 / metersPerMile
)

func identity(v float64) float64      { return v }
func metersToMiles(v float64) float64 { return v / metersPerMile }
func mpsToMPH(v float64) float64      { return v * mpsToMPHFactor }

// fieldMetric binds one raw field to one canonical metric plus its unit
// converter.
type fieldMetric struct {
	field    string
	metric   Metric
	convert  func(float64) float64
	optional bool
}

type schema struct {
	location func(RawRecord) (string, error)
	interval func(RawRecord) (Interval, error)
	metrics  []fieldMetric
	length   func(RawRecord) (float64, error) // nil when provider has no lengths
	source   func(RawRecord) string
}

// schemas is the per-provider field mapping table. Adding a provider means
// adding an entry here, not touching the normalization loop.
var schemas = map[Provider]schema{
	ProviderINRIX: {
		location: requiredField("Segment ID"),
		interval: inrixInterval,
		metrics: []fieldMetric{
			{field: "Speed(miles/hour)", metric: MetricSpeedMPH, convert: identity, optional: true},
			{field: "Travel Time(Minutes)", metric: MetricTravelTime, convert: identity, optional: true},
		},
		length: optionalFloat("Segment Length(Miles)", identity),
		source: taggedSource("Report ID", "inrix"),
	},
	ProviderSwiftlySpeedMap: {
		location: requiredField("segmentId"),
		interval: swiftlySpeedMapInterval,
		metrics: []fieldMetric{
			{field: "avgSpeedMph", metric: MetricSpeedMPH, convert: identity},
		},
		length: optionalFloat("distanceMeters", metersToMiles),
		source: fixedSource("swiftly-speedmap"),
	},
	ProviderSwiftlyPlayback: {
		location: composedField("routeId", "vehicleId", "/"),
		interval: swiftlyPlaybackInterval,
		metrics: []fieldMetric{
			{field: "speedMetersPerSec", metric: MetricSpeedMPH, convert: mpsToMPH},
		},
		source: fixedSource("swiftly-playback"),
	},
	ProviderBATA: {
		location: bataLocation,
		interval: bataInterval,
		metrics: []fieldMetric{
			{field: "Volume", metric: MetricVolume, convert: identity},
		},
		source: taggedSource("Report", "bata"),
	},
}

func (s schema) normalize(raw RawRecord, p Provider) ([]Record, error) {
	loc, err := s.location(raw)
	if err != nil {
		return nil, &SchemaError{Provider: p, Err: err}
	}
	iv, err := s.interval(raw)
	if err != nil {
		return nil, &SchemaError{Provider: p, Err: err}
	}
	if !iv.Valid() {
		return nil, &SchemaError{Provider: p, Err: fmt.Errorf("interval start %s not before end %s", iv.Start, iv.End)}
	}

	var length float64
	if s.length != nil {
		length, err = s.length(raw)
		if err != nil {
			return nil, &SchemaError{Provider: p, Err: err}
		}
	}

	var out []Record
	for _, fm := range s.metrics {
		str, ok := raw[fm.field]
		if !ok || str == "" {
			if fm.optional {
				continue
			}
			return nil, &SchemaError{Provider: p, Field: fm.field, Err: fmt.Errorf("missing required field")}
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, &SchemaError{Provider: p, Field: fm.field, Err: err}
		}
		out = append(out, Record{
			LocationID:  loc,
			Start:       iv.Start,
			End:         iv.End,
			Metric:      fm.metric,
			Value:       fm.convert(v),
			LengthMiles: length,
			Source:      s.source(raw),
		})
	}
	if len(out) == 0 {
		return nil, &SchemaError{Provider: p, Err: fmt.Errorf("no metric fields present")}
	}
	return out, nil
}

func requiredField(name string) func(RawRecord) (string, error) {
	return func(r RawRecord) (string, error) {
		v, ok := r[name]
		if !ok || v == "" {
			return "", fmt.Errorf("missing required field %q", name)
		}
		return v, nil
	}
}

func composedField(a, b, sep string) func(RawRecord) (string, error) {
	return func(r RawRecord) (string, error) {
		av, ok := r[a]
		if !ok || av == "" {
			return "", fmt.Errorf("missing required field %q", a)
		}
		bv, ok := r[b]
		if !ok || bv == "" {
			return "", fmt.Errorf("missing required field %q", b)
		}
		return av + sep + bv, nil
	}
}

func optionalFloat(name string, convert func(float64) float64) func(RawRecord) (float64, error) {
	return func(r RawRecord) (float64, error) {
		str, ok := r[name]
		if !ok || str == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", name, err)
		}
		return convert(v), nil
	}
}

func fixedSource(tag string) func(RawRecord) string {
	return func(RawRecord) string { return tag }
}

// taggedSource uses the named raw field when present so independently
// compiled reports stay distinguishable, falling back to the provider tag.
func taggedSource(field, fallback string) func(RawRecord) string {
	return func(r RawRecord) string {
		if v := r[field]; v != "" {
			return fallback + ":" + v
		}
		return fallback
	}
}

// inrixInterval parses the report's local timestamp (offset included) and
// derives the interval end from the report granularity in minutes.
func inrixInterval(r RawRecord) (Interval, error) {
	ts, ok := r["Date Time"]
	if !ok || ts == "" {
		return Interval{}, fmt.Errorf("missing required field %q", "Date Time")
	}
	start, err := parseAny(ts, "2006-01-02T15:04:05-07:00", "2006-01-02T15:04:05")
	if err != nil {
		return Interval{}, fmt.Errorf("field %q: %w", "Date Time", err)
	}
	gran, ok := r["Granularity"]
	if !ok || gran == "" {
		return Interval{}, fmt.Errorf("missing required field %q", "Granularity")
	}
	minutes, err := strconv.Atoi(gran)
	if err != nil || minutes <= 0 {
		return Interval{}, fmt.Errorf("field %q: invalid granularity %q", "Granularity", gran)
	}
	start = start.UTC()
	return Interval{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}, nil
}

func swiftlySpeedMapInterval(r RawRecord) (Interval, error) {
	start, err := requiredDate(r, "startDate")
	if err != nil {
		return Interval{}, err
	}
	end, err := requiredDate(r, "endDate")
	if err != nil {
		return Interval{}, err
	}
	// Closed end date becomes a half-open interval end.
	return Interval{Start: start, End: end.AddDate(0, 0, 1)}, nil
}

// swiftlyPlaybackInterval widens a GPS ping into the agency's reporting
// interval. Swiftly pings arrive roughly every 15 seconds.
func swiftlyPlaybackInterval(r RawRecord) (Interval, error) {
	ts, ok := r["time"]
	if !ok || ts == "" {
		return Interval{}, fmt.Errorf("missing required field %q", "time")
	}
	start, err := parseAny(ts, "2006-01-02 15:04:05", time.RFC3339)
	if err != nil {
		return Interval{}, fmt.Errorf("field %q: %w", "time", err)
	}
	start = start.UTC()
	return Interval{Start: start, End: start.Add(15 * time.Second)}, nil
}

func bataLocation(r RawRecord) (string, error) {
	bridge, ok := r["Bridge Name"]
	if !ok || bridge == "" {
		return "", fmt.Errorf("missing required field %q", "Bridge Name")
	}
	if lane := r["Lane ID"]; lane != "" {
		return bridge + "/lane-" + lane, nil
	}
	return bridge, nil
}

// bataInterval handles both hourly rows ("0000-0100" style hour column) and
// daily rows where the hours were summed away by the report reader.
func bataInterval(r RawRecord) (Interval, error) {
	date, err := requiredDate(r, "Date")
	if err != nil {
		return Interval{}, err
	}
	hour, ok := r["Hour"]
	if !ok || hour == "" {
		return Interval{Start: date, End: date.AddDate(0, 0, 1)}, nil
	}
	if len(hour) < 4 {
		return Interval{}, fmt.Errorf("field %q: malformed hour %q", "Hour", hour)
	}
	h, err := strconv.Atoi(hour[:2])
	if err != nil || h < 0 || h > 23 {
		return Interval{}, fmt.Errorf("field %q: malformed hour %q", "Hour", hour)
	}
	m, err := strconv.Atoi(hour[2:4])
	if err != nil {
		return Interval{}, fmt.Errorf("field %q: malformed hour %q", "Hour", hour)
	}
	start := date.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return Interval{Start: start, End: start.Add(time.Hour)}, nil
}

func requiredDate(r RawRecord, name string) (time.Time, error) {
	str, ok := r[name]
	if !ok || str == "" {
		return time.Time{}, fmt.Errorf("missing required field %q", name)
	}
	t, err := parseAny(str, "2006-01-02", "01-02-2006", "1/2/06")
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q: %w", name, err)
	}
	return midnightUTC(t), nil
}

func parseAny(s string, layouts ...string) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
