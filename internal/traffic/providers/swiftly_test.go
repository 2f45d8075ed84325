package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d.UTC()
}

func TestExpandDateRanges(t *testing.T) {
	weekdaysOnly := [7]bool{true, true, true, true, true, false, false}

	t.Run("weekday mask splits a span into weekly runs", func(t *testing.T) {
		// Jan 2021: Fri Jan 1; first full week Mon Jan 4.
		set, err := ExpandDateRanges([]DateRangeSpec{{
			Start:    "2021-01-04",
			End:      "2021-01-15",
			Weekdays: weekdaysOnly,
		}})
		require.NoError(t, err)
		ranges := set.Ranges()
		require.Len(t, ranges, 2)
		assert.True(t, ranges[0].Start.Equal(mustDay(t, "2021-01-04")))
		assert.True(t, ranges[0].End.Equal(mustDay(t, "2021-01-08")))
		assert.True(t, ranges[1].Start.Equal(mustDay(t, "2021-01-11")))
		assert.True(t, ranges[1].End.Equal(mustDay(t, "2021-01-15")))
	})

	t.Run("exclusion dates split runs", func(t *testing.T) {
		set, err := ExpandDateRanges([]DateRangeSpec{{
			Start:    "2021-01-04",
			End:      "2021-01-08",
			Weekdays: weekdaysOnly,
			Exclude:  []string{"2021-01-06"},
		}})
		require.NoError(t, err)
		ranges := set.Ranges()
		require.Len(t, ranges, 2)
		assert.True(t, ranges[0].End.Equal(mustDay(t, "2021-01-05")))
		assert.True(t, ranges[1].Start.Equal(mustDay(t, "2021-01-07")))
	})

	t.Run("overlapping specs merge instead of duplicating days", func(t *testing.T) {
		all := [7]bool{true, true, true, true, true, true, true}
		set, err := ExpandDateRanges([]DateRangeSpec{
			{Start: "2021-01-01", End: "2021-01-05", Weekdays: all},
			{Start: "2021-01-04", End: "2021-01-08", Weekdays: all},
		})
		require.NoError(t, err)
		ranges := set.Ranges()
		require.Len(t, ranges, 1)
		assert.True(t, ranges[0].Start.Equal(mustDay(t, "2021-01-01")))
		assert.True(t, ranges[0].End.Equal(mustDay(t, "2021-01-08")))
	})

	t.Run("empty mask yields empty set", func(t *testing.T) {
		set, err := ExpandDateRanges([]DateRangeSpec{{
			Start: "2021-01-01",
			End:   "2021-01-31",
		}})
		require.NoError(t, err)
		assert.Zero(t, set.Len())
	})

	t.Run("bad date rejected", func(t *testing.T) {
		_, err := ExpandDateRanges([]DateRangeSpec{{Start: "01/04/2021", End: "2021-01-15"}})
		assert.Error(t, err)
	})
}

func TestSpeedMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/speed-map/sfmta/route/38R", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "01-04-2021", r.URL.Query().Get("startDate"))
		fmt.Fprint(w, `{"data":{"segments":[
			{"fromStop":"a","toStop":"b","avgSpeedMph":11.5,"distanceMeters":800,
			 "pathLocs":[{"lat":37.78,"lon":-122.42},{"lat":37.79,"lon":-122.43}]},
			{"fromStop":"b","toStop":"c","avgSpeedMph":9.2,"distanceMeters":640,
			 "pathLocs":[{"lat":37.79,"lon":-122.43}]}
		]}}`)
	}))
	defer srv.Close()

	c := NewSwiftlyClient(srv.Client(), "key-1", "sfmta")
	c.baseURL = srv.URL

	batch, geoms, err := c.SpeedMap(context.Background(), SpeedMapQuery{
		RouteKey:  "38R",
		Direction: "0",
		StartDate: "01-04-2021",
		EndDate:   "01-08-2021",
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	first := batch[0]
	assert.Equal(t, "38R-0-0", first["segmentId"])
	assert.Equal(t, "11.5", first["avgSpeedMph"])
	assert.Equal(t, "800", first["distanceMeters"])
	assert.Equal(t, "2021-01-04", first["startDate"])
	assert.Equal(t, "2021-01-08", first["endDate"])

	require.Len(t, geoms, 2)
	path := geoms["38R-0-0"]
	require.Len(t, path, 2)
	assert.Equal(t, -122.42, path[0][0])
	assert.Equal(t, 37.78, path[0][1])
}

func TestGPSPlayback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gps-playback/sfmta", r.URL.Path)
		assert.Equal(t, "01-04-2021", r.URL.Query().Get("queryDate"))
		assert.Equal(t, "38R", r.URL.Query().Get("route"))
		fmt.Fprint(w, `{"data":{"pings":[
			{"routeId":"38R","vehicleId":"8902","time":"2021-01-04 08:00:00","speed":10,"lat":37.78,"lon":-122.42}
		]}}`)
	}))
	defer srv.Close()

	c := NewSwiftlyClient(srv.Client(), "key-1", "sfmta")
	c.baseURL = srv.URL

	batch, err := c.GPSPlayback(context.Background(), PlaybackQuery{QueryDate: "01-04-2021", Route: "38R"})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "8902", batch[0]["vehicleId"])
	assert.Equal(t, "10", batch[0]["speedMetersPerSec"])
}

func TestSpeedMapRetriesRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":{"segments":[]}}`)
	}))
	defer srv.Close()

	c := NewSwiftlyClient(srv.Client(), "key-1", "sfmta")
	c.baseURL = srv.URL
	c.cfg.Backoff.InitialInterval = time.Millisecond

	_, _, err := c.SpeedMap(context.Background(), SpeedMapQuery{RouteKey: "38R", StartDate: "01-04-2021"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
