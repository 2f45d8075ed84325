package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

const defaultSwiftlyBaseURL = "https://api.goswift.ly"

// SwiftlyClient talks to the Swiftly transit API: speed maps and GPS
// playback.
type SwiftlyClient struct {
	baseURL string
	apiKey  string
	agency  string
	cfg     ClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewSwiftlyClient creates a client for one agency using the shared HTTP
// client.
func NewSwiftlyClient(client *http.Client, apiKey, agencyKey string) *SwiftlyClient {
	return &SwiftlyClient{
		baseURL: defaultSwiftlyBaseURL,
		apiKey:  apiKey,
		agency:  agencyKey,
		cfg:     ClientConfig{Client: client, Backoff: defaultBackoff()},
		circuit: newCircuit("swiftly"),
	}
}

// SpeedMapQuery selects one route/direction speed map over a closed date
// range.
type SpeedMapQuery struct {
	RouteKey  string `json:"route_key" validate:"required"`
	Direction string `json:"direction"`
	StartDate string `json:"start_date" validate:"required,datetime=01-02-2006"` // MM-DD-YYYY, Swiftly convention
	EndDate   string `json:"end_date" validate:"required,datetime=01-02-2006"`
	BeginTime string `json:"begin_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type speedMapResponse struct {
	Data struct {
		Segments []struct {
			FromStop string  `json:"fromStop"`
			ToStop   string  `json:"toStop"`
			AvgSpeed float64 `json:"avgSpeedMph"`
			Distance float64 `json:"distanceMeters"`
			PathLocs []struct {
				Lat float64 `json:"lat"`
				Lon float64 `json:"lon"`
			} `json:"pathLocs"`
		} `json:"segments"`
	} `json:"data"`
}

// SpeedMap fetches high-resolution route segments and flattens them into a
// raw batch plus per-segment path geometry keyed the same way the normalized
// records will be.
func (c *SwiftlyClient) SpeedMap(ctx context.Context, q SpeedMapQuery) (traffic.RawBatch, map[string]traffic.LineString, error) {
	var payload speedMapResponse
	err := getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		u, err := url.Parse(fmt.Sprintf("%s/speed-map/%s/route/%s", c.baseURL, c.agency, q.RouteKey))
		if err != nil {
			return nil, err
		}
		values := u.Query()
		values.Set("direction", q.Direction)
		values.Set("startDate", q.StartDate)
		if q.EndDate != "" {
			values.Set("endDate", q.EndDate)
		}
		if q.BeginTime != "" {
			values.Set("beginTime", q.BeginTime)
		}
		if q.EndTime != "" {
			values.Set("endTime", q.EndTime)
		}
		values.Set("resolution", "hiRes")
		u.RawQuery = values.Encode()

		req, err := http.NewRequest(http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("swiftly speed map: %w", err)
	}

	start, err := time.Parse("01-02-2006", q.StartDate)
	if err != nil {
		return nil, nil, fmt.Errorf("swiftly speed map: start date: %w", err)
	}
	end := start
	if q.EndDate != "" {
		end, err = time.Parse("01-02-2006", q.EndDate)
		if err != nil {
			return nil, nil, fmt.Errorf("swiftly speed map: end date: %w", err)
		}
	}

	batch := make(traffic.RawBatch, 0, len(payload.Data.Segments))
	geoms := make(map[string]traffic.LineString, len(payload.Data.Segments))
	for i, seg := range payload.Data.Segments {
		segID := fmt.Sprintf("%s-%s-%d", q.RouteKey, q.Direction, i)
		batch = append(batch, traffic.RawRecord{
			"segmentId":      segID,
			"fromStop":       seg.FromStop,
			"toStop":         seg.ToStop,
			"avgSpeedMph":    strconv.FormatFloat(seg.AvgSpeed, 'f', -1, 64),
			"distanceMeters": strconv.FormatFloat(seg.Distance, 'f', -1, 64),
			"startDate":      start.Format("2006-01-02"),
			"endDate":        end.Format("2006-01-02"),
		})
		path := make(traffic.LineString, 0, len(seg.PathLocs))
		for _, p := range seg.PathLocs {
			path = append(path, traffic.Coordinate{p.Lon, p.Lat})
		}
		geoms[segID] = path
	}
	return batch, geoms, nil
}

// PlaybackQuery selects GPS playback pings for one service date.
type PlaybackQuery struct {
	QueryDate string `json:"query_date" validate:"required,datetime=01-02-2006"`
	Route     string `json:"route,omitempty"`
	Vehicle   string `json:"vehicle,omitempty"`
	BeginTime string `json:"begin_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type playbackResponse struct {
	Data struct {
		Pings []struct {
			RouteID string  `json:"routeId"`
			Vehicle string  `json:"vehicleId"`
			Time    string  `json:"time"`
			Speed   float64 `json:"speed"` // meters per second
			Lat     float64 `json:"lat"`
			Lon     float64 `json:"lon"`
		} `json:"pings"`
	} `json:"data"`
}

// GPSPlayback fetches raw AVL pings for one date.
func (c *SwiftlyClient) GPSPlayback(ctx context.Context, q PlaybackQuery) (traffic.RawBatch, error) {
	var payload playbackResponse
	err := getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		u, err := url.Parse(fmt.Sprintf("%s/gps-playback/%s", c.baseURL, c.agency))
		if err != nil {
			return nil, err
		}
		values := u.Query()
		values.Set("queryDate", q.QueryDate)
		if q.Route != "" {
			values.Set("route", q.Route)
		}
		if q.Vehicle != "" {
			values.Set("vehicle", q.Vehicle)
		}
		if q.BeginTime != "" {
			values.Set("beginTime", q.BeginTime)
		}
		if q.EndTime != "" {
			values.Set("endTime", q.EndTime)
		}
		u.RawQuery = values.Encode()

		req, err := http.NewRequest(http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("swiftly gps playback: %w", err)
	}

	batch := make(traffic.RawBatch, 0, len(payload.Data.Pings))
	for _, p := range payload.Data.Pings {
		batch = append(batch, traffic.RawRecord{
			"routeId":           p.RouteID,
			"vehicleId":         p.Vehicle,
			"time":              p.Time,
			"speedMetersPerSec": strconv.FormatFloat(p.Speed, 'f', -1, 64),
			"lat":               strconv.FormatFloat(p.Lat, 'f', -1, 64),
			"lon":               strconv.FormatFloat(p.Lon, 'f', -1, 64),
		})
	}
	return batch, nil
}

// DateRangeSpec describes the service dates a caller actually wants within a
// span: a weekday mask (Monday first, matching Swiftly's convention) and
// explicit exclusion dates. Expansion produces the non-contiguous
// DateRangeSet the stitcher consumes.
type DateRangeSpec struct {
	Start    string   `json:"start" yaml:"start" validate:"required,datetime=2006-01-02"`
	End      string   `json:"end" yaml:"end" validate:"required,datetime=2006-01-02"`
	Weekdays [7]bool  `json:"weekdays" yaml:"weekdays"`
	Exclude  []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// ExpandDateRanges turns the specs into an ordered set of disjoint date
// ranges, grouping consecutive included days into maximal runs.
func ExpandDateRanges(specs []DateRangeSpec) (traffic.DateRangeSet, error) {
	included := make(map[time.Time]bool)
	for _, spec := range specs {
		start, err := time.Parse("2006-01-02", spec.Start)
		if err != nil {
			return traffic.DateRangeSet{}, fmt.Errorf("date range start %q: %w", spec.Start, err)
		}
		end, err := time.Parse("2006-01-02", spec.End)
		if err != nil {
			return traffic.DateRangeSet{}, fmt.Errorf("date range end %q: %w", spec.End, err)
		}
		if end.Before(start) {
			return traffic.DateRangeSet{}, fmt.Errorf("date range %s..%s: end before start", spec.Start, spec.End)
		}
		excluded := make(map[string]bool, len(spec.Exclude))
		for _, ex := range spec.Exclude {
			excluded[ex] = true
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			// time.Weekday is Sunday-first; the mask is Monday-first.
			mondayFirst := (int(d.Weekday()) + 6) % 7
			if !spec.Weekdays[mondayFirst] {
				continue
			}
			if excluded[d.Format("2006-01-02")] {
				continue
			}
			included[d.UTC()] = true
		}
	}

	if len(included) == 0 {
		return traffic.NewDateRangeSet()
	}

	days := make([]time.Time, 0, len(included))
	for d := range included {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var ranges []traffic.DateRange
	run := traffic.DateRange{Start: days[0], End: days[0]}
	for _, d := range days[1:] {
		if d.Equal(run.End.AddDate(0, 0, 1)) {
			run.End = d
			continue
		}
		ranges = append(ranges, run)
		run = traffic.DateRange{Start: d, End: d}
	}
	ranges = append(ranges, run)
	return traffic.NewDateRangeSet(ranges...)
}
