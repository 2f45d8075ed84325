// Package pipeline wires the download collaborators to the aggregation core:
// fetch raw provider payloads, normalize them, aggregate on the requested
// axis, and cache corridor results for serving.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bayareametro/trafficagg/internal/store"
	"github.com/bayareametro/trafficagg/internal/traffic"
	"github.com/bayareametro/trafficagg/internal/traffic/providers"
)

// ErrUnknownCorridor is returned for corridor ids absent from configuration
// and from any ingested report.
var ErrUnknownCorridor = errors.New("unknown corridor")

// ErrProviderDisabled is returned when a download is requested for a provider
// with no configured credentials.
var ErrProviderDisabled = errors.New("provider not configured")

// Options carries the quality thresholds the service applies by default.
type Options struct {
	Rollup         traffic.RollupOptions
	Combine        traffic.CombineOptions
	Equivalence    traffic.Tolerance
	MaxFailureRate float64
}

// Service orchestrates provider downloads, normalization, and aggregation,
// and caches corridor rollup series in the store.
type Service struct {
	store   *store.MemoryStore
	inrix   *providers.InrixClient
	swiftly *providers.SwiftlyClient
	opts    Options

	mu        sync.RWMutex
	corridors map[string]traffic.Corridor
}

// New creates a Service. inrix and swiftly may be nil when the corresponding
// credentials are not configured.
func New(st *store.MemoryStore, inrix *providers.InrixClient, swiftly *providers.SwiftlyClient, corridors []traffic.Corridor, opts Options) *Service {
	byID := make(map[string]traffic.Corridor, len(corridors))
	for _, c := range corridors {
		byID[c.ID] = c
	}
	return &Service{
		store:     st,
		inrix:     inrix,
		swiftly:   swiftly,
		opts:      opts,
		corridors: byID,
	}
}

// Defaults returns the configured threshold options, used when a request
// does not override them.
func (s *Service) Defaults() Options { return s.opts }

// Corridors returns the known corridor definitions, ordered by id.
func (s *Service) Corridors() []traffic.Corridor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]traffic.Corridor, 0, len(s.corridors))
	for _, c := range s.corridors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Corridor looks a corridor definition up by id.
func (s *Service) Corridor(id string) (traffic.Corridor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corridors[id]
	if !ok {
		return traffic.Corridor{}, fmt.Errorf("%q: %w", id, ErrUnknownCorridor)
	}
	return c, nil
}

// Series returns a corridor's cached rollup series.
func (s *Service) Series(id string) ([]traffic.Record, []traffic.CoverageGap, error) {
	return s.store.Series(id)
}

// SeriesRange returns the cached rollup records starting within [from, to].
func (s *Service) SeriesRange(id string, from, to time.Time) ([]traffic.Record, error) {
	return s.store.Range(id, from, to)
}

// IngestSummary reports what one INRIX report ingest produced.
type IngestSummary struct {
	ReportID   string                `json:"report_id"`
	Corridors  []string              `json:"corridors"`
	Records    int                   `json:"records"`
	Gaps       []traffic.CoverageGap `json:"gaps"`
	Incomplete int                   `json:"incomplete_intervals"`
	Skipped    int                   `json:"skipped_records"`
}

// IngestInrixReport downloads one Roadway Analytics corridor report, rolls
// its segment records up to corridor level per metric, and caches the
// resulting series. Corridor definitions found in the report are merged into
// the service's lookup table.
func (s *Service) IngestInrixReport(ctx context.Context, req providers.ReportRequest) (IngestSummary, error) {
	if s.inrix == nil {
		return IngestSummary{}, fmt.Errorf("inrix: %w", ErrProviderDisabled)
	}
	rz, err := s.inrix.DownloadCorridorReport(ctx, req)
	if err != nil {
		return IngestSummary{}, err
	}
	return s.ingestReportZip(rz)
}

// IngestInrixZip ingests a report zip obtained out of band, e.g. downloaded
// through the Roadway Analytics web app. Same pipeline as the API path,
// which is what makes the two downloads comparable with CheckEquivalence.
func (s *Service) IngestInrixZip(raw []byte) (IngestSummary, error) {
	rz, err := providers.ReadReportZip(raw)
	if err != nil {
		return IngestSummary{}, err
	}
	return s.ingestReportZip(rz)
}

func (s *Service) ingestReportZip(rz *providers.ReportZip) (IngestSummary, error) {
	res, err := traffic.Normalize(rz.Batch, traffic.ProviderINRIX, traffic.NormalizeOptions{
		MaxFailureRate: s.opts.MaxFailureRate,
	})
	if err != nil {
		return IngestSummary{}, err
	}
	for _, serr := range res.Skipped {
		slog.Warn("skipped malformed report record", "error", serr)
	}

	s.mu.Lock()
	for _, c := range rz.Corridors {
		s.corridors[c.ID] = c
	}
	s.mu.Unlock()

	summary := IngestSummary{ReportID: rz.ReportID, Skipped: len(res.Skipped)}
	for _, c := range rz.Corridors {
		summary.Corridors = append(summary.Corridors, c.ID)
		for _, metric := range []traffic.Metric{traffic.MetricSpeedMPH, traffic.MetricTravelTime} {
			recs := filterMetric(res.Records, metric)
			ivs := collectIntervals(recs)
			out, err := traffic.AggregateCorridorSeries(c, recs, ivs, s.opts.Rollup)
			if err != nil {
				return summary, fmt.Errorf("corridor %s: %w", c.ID, err)
			}
			s.store.SaveSeries(c.ID, out.Records, out.Gaps)
			summary.Records += len(out.Records)
			summary.Gaps = append(summary.Gaps, out.Gaps...)
			summary.Incomplete += len(out.Incomplete)
		}
	}
	return summary, nil
}

func filterMetric(recs []traffic.Record, m traffic.Metric) []traffic.Record {
	out := make([]traffic.Record, 0, len(recs))
	for _, r := range recs {
		if r.Metric == m {
			out = append(out, r)
		}
	}
	return out
}

// collectIntervals returns the distinct observation intervals present in
// recs, in chronological order. Aggregation runs once per interval, so an
// interval no segment reported simply does not appear.
func collectIntervals(recs []traffic.Record) []traffic.Interval {
	seen := make(map[traffic.Interval]struct{})
	var out []traffic.Interval
	for _, r := range recs {
		iv := traffic.Interval{Start: r.Start, End: r.End}
		if _, ok := seen[iv]; ok {
			continue
		}
		seen[iv] = struct{}{}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// SpeedHistory is a stitched Swiftly speed series plus the geometry needed to
// map it.
type SpeedHistory struct {
	Result   traffic.StitchResult          `json:"result"`
	Geometry map[string]traffic.LineString `json:"-"`
	Skipped  int                           `json:"skipped_records"`
}

// SwiftlySpeedHistory expands the requested date specs into disjoint
// sub-ranges, fetches one speed map per sub-range, and stitches the
// normalized batches into one gap-annotated series. Sub-range fetches run
// concurrently; the stitcher only needs them all present, not ordered.
func (s *Service) SwiftlySpeedHistory(ctx context.Context, route, direction string, specs []providers.DateRangeSpec) (SpeedHistory, error) {
	if s.swiftly == nil {
		return SpeedHistory{}, fmt.Errorf("swiftly: %w", ErrProviderDisabled)
	}
	set, err := providers.ExpandDateRanges(specs)
	if err != nil {
		return SpeedHistory{}, err
	}
	ranges := set.Ranges()
	if len(ranges) == 0 {
		return SpeedHistory{}, fmt.Errorf("date specs select no days")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		batches  = make([]traffic.RawBatch, len(ranges))
		geoms    = make(map[string]traffic.LineString)
		fetchErr error
	)
	for i, r := range ranges {
		wg.Add(1)
		go func(i int, r traffic.DateRange) {
			defer wg.Done()
			batch, g, err := s.swiftly.SpeedMap(ctx, providers.SpeedMapQuery{
				RouteKey:  route,
				Direction: direction,
				StartDate: r.Start.Format("01-02-2006"),
				EndDate:   r.End.Format("01-02-2006"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fetchErr == nil {
					fetchErr = err
				}
				return
			}
			batches[i] = batch
			for k, v := range g {
				geoms[k] = v
			}
		}(i, r)
	}
	wg.Wait()
	if fetchErr != nil {
		return SpeedHistory{}, fetchErr
	}

	history := SpeedHistory{Geometry: geoms}
	normalized := make([][]traffic.Record, len(ranges))
	for i, batch := range batches {
		res, err := traffic.Normalize(batch, traffic.ProviderSwiftlySpeedMap, traffic.NormalizeOptions{
			MaxFailureRate: s.opts.MaxFailureRate,
		})
		if err != nil {
			return SpeedHistory{}, err
		}
		history.Skipped += len(res.Skipped)
		normalized[i] = res.Records
	}

	requested := traffic.DateRange{Start: ranges[0].Start, End: ranges[len(ranges)-1].End}
	result, err := traffic.Stitch(set, normalized, requested)
	if err != nil {
		return SpeedHistory{}, err
	}
	history.Result = result
	return history, nil
}

// PlaybackSpeeds fetches one service date of AVL pings and normalizes them
// into instantaneous vehicle speed records.
func (s *Service) PlaybackSpeeds(ctx context.Context, q providers.PlaybackQuery) ([]traffic.Record, int, error) {
	if s.swiftly == nil {
		return nil, 0, fmt.Errorf("swiftly: %w", ErrProviderDisabled)
	}
	batch, err := s.swiftly.GPSPlayback(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	res, err := traffic.Normalize(batch, traffic.ProviderSwiftlyPlayback, traffic.NormalizeOptions{
		MaxFailureRate: s.opts.MaxFailureRate,
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Records, len(res.Skipped), nil
}

// CombineBridgeReports melts one compiled volume report per source window,
// normalizes each, and merges them with the caller's priority ordering. The
// typical input is two compiled reports for the same bridge whose date
// windows overlap by a few days.
func (s *Service) CombineBridgeReports(dir string, reports []BridgeReport, readOpts providers.BataReportOptions) ([]traffic.Record, []traffic.ReconciliationWarning, error) {
	seqs := make([]traffic.SourceSequence, 0, len(reports))
	for _, rep := range reports {
		opts := readOpts
		opts.Bridge = rep.Bridge
		batch, err := providers.ReadCompiledVolumeReport(filepath.Join(dir, rep.File), opts)
		if err != nil {
			return nil, nil, err
		}
		res, err := traffic.Normalize(batch, traffic.ProviderBATA, traffic.NormalizeOptions{
			MaxFailureRate: s.opts.MaxFailureRate,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, serr := range res.Skipped {
			slog.Warn("skipped malformed compiled report row", "error", serr)
		}
		seqs = append(seqs, traffic.SourceSequence{
			Source:   rep.Source(),
			Priority: rep.Priority,
			Records:  res.Records,
		})
	}
	return traffic.Combine(seqs, s.opts.Combine)
}

// BridgeReport names one compiled volume report file and its conflict
// priority (higher wins, e.g. the more recently compiled report).
type BridgeReport struct {
	Bridge   string `json:"bridge" validate:"required"`
	File     string `json:"file" validate:"required"`
	Priority int    `json:"priority"`
}

// Source labels the sequence this report contributes to Combine. Records
// keep the finer-grained tag the normalizer derives from the workbook name.
func (r BridgeReport) Source() string {
	return "bata:" + r.Bridge + ":" + r.File
}
