package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayareametro/trafficagg/internal/pipeline"
	"github.com/bayareametro/trafficagg/internal/store"
	"github.com/bayareametro/trafficagg/internal/traffic"
)

func testCorridor() traffic.Corridor {
	return traffic.Corridor{
		ID:                  "sr37-wb",
		Name:                "SR-37 Westbound",
		Direction:           "W",
		DeclaredLengthMiles: 4,
		Segments: []traffic.Segment{
			{ID: "seg-a", LengthMiles: 1},
			{ID: "seg-b", LengthMiles: 3},
		},
		Geometry: traffic.LineString{{-122.3, 38.1}, {-122.4, 38.12}},
	}
}

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore) {
	t.Helper()
	app := fiber.New()
	st := store.NewMemoryStore(100, time.Hour)
	svc := pipeline.New(st, nil, nil, []traffic.Corridor{testCorridor()}, pipeline.Options{
		Rollup:         traffic.DefaultRollupOptions(),
		Combine:        traffic.DefaultCombineOptions(),
		Equivalence:    traffic.DefaultTolerance(),
		MaxFailureRate: 0.25,
	})
	RegisterRoutes(app, svc)
	return app, st
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}

func TestNormalizeEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/api/v1/normalize", fiber.Map{
		"provider": "swiftly-speedmap",
		"records": []map[string]string{{
			"segmentId":      "12-0-0",
			"avgSpeedMph":    "31.5",
			"distanceMeters": "1609.344",
			"startDate":      "2021-01-04",
			"endDate":        "2021-01-04",
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records []traffic.Record `json:"records"`
		Skipped []string         `json:"skipped"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Records, 1)
	assert.Equal(t, traffic.MetricSpeedMPH, body.Records[0].Metric)
	assert.InDelta(t, 1.0, body.Records[0].LengthMiles, 1e-9)
	assert.Empty(t, body.Skipped)
}

func TestNormalizeEndpointUnknownProvider(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/api/v1/normalize", fiber.Map{
		"provider": "carrier-pigeon",
		"records":  []map[string]string{{"a": "b"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRollupEndpointWeightsBySegmentLength(t *testing.T) {
	app, _ := newTestApp(t)

	start := time.Date(2021, 1, 4, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	mkRec := func(seg string, mph float64) traffic.Record {
		return traffic.Record{
			LocationID: seg, Start: start, End: end,
			Metric: traffic.MetricSpeedMPH, Value: mph, Source: "test",
		}
	}

	resp := postJSON(t, app, "/api/v1/corridors/rollup", fiber.Map{
		"corridor":  testCorridor(),
		"records":   []traffic.Record{mkRec("seg-a", 30), mkRec("seg-b", 50)},
		"intervals": []traffic.Interval{{Start: start, End: end}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records []traffic.Record `json:"records"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Records, 1)
	// (30*1 + 50*3) / 4
	assert.InDelta(t, 45.0, body.Records[0].Value, 1e-9)
	assert.Equal(t, "sr37-wb", body.Records[0].LocationID)
}

func TestStitchEndpointReportsGap(t *testing.T) {
	app, _ := newTestApp(t)

	day := func(d int) time.Time { return time.Date(2021, 1, d, 0, 0, 0, 0, time.UTC) }
	rec := func(d int) traffic.Record {
		return traffic.Record{
			LocationID: "seg-a", Start: day(d), End: day(d + 1),
			Metric: traffic.MetricVolume, Value: 100, Source: "test",
		}
	}

	resp := postJSON(t, app, "/api/v1/stitch", fiber.Map{
		"ranges": []traffic.DateRange{
			{Start: day(1), End: day(5)},
			{Start: day(10), End: day(15)},
		},
		"batches": [][]traffic.Record{
			{rec(1), rec(2)},
			{rec(10)},
		},
		"requested": traffic.DateRange{Start: day(1), End: day(15)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body traffic.StitchResult
	decodeBody(t, resp, &body)
	require.Len(t, body.Gaps, 1)
	assert.Equal(t, day(6), body.Gaps[0].Start)
	assert.Equal(t, day(9), body.Gaps[0].End)
	require.Len(t, body.Records, 3)
}

func TestStitchEndpointRejectsOverlap(t *testing.T) {
	app, _ := newTestApp(t)

	day := func(d int) time.Time { return time.Date(2021, 1, d, 0, 0, 0, 0, time.UTC) }
	resp := postJSON(t, app, "/api/v1/stitch", fiber.Map{
		"ranges": []traffic.DateRange{
			{Start: day(1), End: day(5)},
			{Start: day(4), End: day(8)},
		},
		"batches": [][]traffic.Record{{}, {}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCombineEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	start := time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC)
	rec := func(src string, v float64) traffic.Record {
		return traffic.Record{
			LocationID: "antioch", Start: start, End: start.Add(24 * time.Hour),
			Metric: traffic.MetricVolume, Value: v, Source: src,
		}
	}

	resp := postJSON(t, app, "/api/v1/combine", fiber.Map{
		"sequences": []traffic.SourceSequence{
			{Source: "bata:old", Priority: 1, Records: []traffic.Record{rec("bata:old", 100)}},
			{Source: "bata:new", Priority: 2, Records: []traffic.Record{rec("bata:new", 120)}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records  []traffic.Record                `json:"records"`
		Warnings []traffic.ReconciliationWarning `json:"warnings"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Records, 1)
	assert.Equal(t, 120.0, body.Records[0].Value)
	require.Len(t, body.Warnings, 1)
	assert.Equal(t, "bata:new", body.Warnings[0].KeptSource)
}

func TestEquivalenceEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	start := time.Date(2021, 1, 4, 8, 0, 0, 0, time.UTC)
	rec := traffic.Record{
		LocationID: "seg-a", Start: start, End: start.Add(time.Hour),
		Metric: traffic.MetricSpeedMPH, Value: 42.5, Source: "api",
	}

	resp := postJSON(t, app, "/api/v1/equivalence", fiber.Map{
		"a": []traffic.Record{rec},
		"b": []traffic.Record{rec},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report traffic.EquivalenceReport
	decodeBody(t, resp, &report)
	assert.True(t, report.Pass)
	assert.Equal(t, 1, report.Total)
	assert.Zero(t, report.Mismatches)
}

func TestListCorridors(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/corridors", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Corridors []traffic.Corridor `json:"corridors"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Corridors, 1)
	assert.Equal(t, "sr37-wb", body.Corridors[0].ID)
}

func TestCorridorRollupsNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/corridors/nope/rollups", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Known corridor, but nothing ingested yet.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/corridors/sr37-wb/rollups", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCorridorRollupsGeoJSON(t *testing.T) {
	app, st := newTestApp(t)

	start := time.Date(2021, 1, 4, 8, 0, 0, 0, time.UTC)
	st.SaveSeries("sr37-wb", []traffic.Record{{
		LocationID: "sr37-wb", Start: start, End: start.Add(time.Hour),
		Metric: traffic.MetricSpeedMPH, Value: 45, Source: "inrix:r1",
	}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/corridors/sr37-wb/rollups?format=geojson", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"FeatureCollection"`)
	assert.Contains(t, string(b), `"LineString"`)
}

func TestCorridorRollupsRangeQuery(t *testing.T) {
	app, st := newTestApp(t)

	day := func(d int) time.Time { return time.Date(2021, 1, d, 8, 0, 0, 0, time.UTC) }
	var recs []traffic.Record
	for d := 1; d <= 5; d++ {
		recs = append(recs, traffic.Record{
			LocationID: "sr37-wb", Start: day(d), End: day(d).Add(time.Hour),
			Metric: traffic.MetricSpeedMPH, Value: 40, Source: "inrix:r1",
		})
	}
	st.SaveSeries("sr37-wb", recs, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/corridors/sr37-wb/rollups?from=2021-01-02&to=2021-01-05", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records []traffic.Record `json:"records"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Records, 3)
}

func TestPlaybackWithoutCredentials(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/api/v1/playback", fiber.Map{
		"query_date": "01-04-2021",
		"route":      "12",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInrixIngestWithoutCredentials(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/api/v1/reports/inrix", fiber.Map{
		"start_date":  "2021-01-04",
		"end_date":    "2021-01-08",
		"granularity": 60,
		"corridors": []fiber.Map{{
			"name":      "sr37",
			"direction": "W",
			"xdSegIds":  []int64{1, 2, 3},
		}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
