package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

func rollupAt(start time.Time, v float64) traffic.Record {
	return traffic.Record{
		LocationID: "sr37-wb",
		Start:      start,
		End:        start.Add(time.Hour),
		Metric:     traffic.MetricSpeedMPH,
		Value:      v,
		Source:     "inrix:r1",
	}
}

func TestMemoryStoreSaveAndSeries(t *testing.T) {
	st := NewMemoryStore(0, 0)
	base := time.Date(2021, 1, 4, 8, 0, 0, 0, time.UTC)

	// Saved out of order across two calls; reads come back sorted.
	st.SaveSeries("sr37-wb", []traffic.Record{rollupAt(base.Add(2*time.Hour), 42)}, nil)
	st.SaveSeries("sr37-wb", []traffic.Record{rollupAt(base, 40)}, []traffic.CoverageGap{
		{LocationID: "sr37-wb", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
	})

	records, gaps, err := st.Series("sr37-wb")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 40.0, records[0].Value)
	assert.Equal(t, 42.0, records[1].Value)
	require.Len(t, gaps, 1)
}

func TestMemoryStoreSeriesNotFound(t *testing.T) {
	st := NewMemoryStore(0, 0)
	_, _, err := st.Series("nothing-here")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRange(t *testing.T) {
	st := NewMemoryStore(0, 0)
	base := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	var recs []traffic.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, rollupAt(base.Add(time.Duration(i)*24*time.Hour), float64(i)))
	}
	st.SaveSeries("sr37-wb", recs, nil)

	got, err := st.Range("sr37-wb", base.Add(24*time.Hour), base.Add(3*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, 3.0, got[2].Value)

	_, err = st.Range("sr37-wb", base.Add(100*24*time.Hour), base.Add(101*24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMaxHistory(t *testing.T) {
	st := NewMemoryStore(3, 0)
	base := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		st.SaveSeries("sr37-wb", []traffic.Record{
			rollupAt(base.Add(time.Duration(i)*time.Hour), float64(i)),
		}, nil)
	}

	records, _, err := st.Series("sr37-wb")
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Oldest records are evicted first.
	assert.Equal(t, 2.0, records[0].Value)
	assert.Equal(t, 4.0, records[2].Value)
}

func TestMemoryStoreMaxAge(t *testing.T) {
	st := NewMemoryStore(0, time.Hour)
	now := time.Now().UTC()

	st.SaveSeries("sr37-wb", []traffic.Record{
		rollupAt(now.Add(-2*time.Hour), 1),
		rollupAt(now.Add(-10*time.Minute), 2),
	}, nil)

	records, _, err := st.Series("sr37-wb")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2.0, records[0].Value)
}
