package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/bayareametro/trafficagg/internal/store"
	"github.com/bayareametro/trafficagg/internal/traffic"
	"github.com/bayareametro/trafficagg/internal/traffic/providers"
)

func newTestService() *Service {
	return New(store.NewMemoryStore(0, 0), nil, nil, nil, Options{
		Rollup:         traffic.DefaultRollupOptions(),
		Combine:        traffic.DefaultCombineOptions(),
		Equivalence:    traffic.DefaultTolerance(),
		MaxFailureRate: 0.25,
	})
}

func buildReportZip(t *testing.T, data, metadata, contents string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"report/data.csv":            data,
		"report/metadata.csv":        metadata,
		"report/reportContents.json": contents,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestIngestInrixZip(t *testing.T) {
	svc := newTestService()

	raw := buildReportZip(t,
		"Date Time,Segment ID,Speed(miles/hour)\n"+
			"2021-01-04T08:00:00-08:00,101,30\n"+
			"2021-01-04T08:00:00-08:00,102,50\n",
		"Segment ID,Segment Length(Miles)\n101,1\n102,3\n",
		`{"granularity":60,"corridors":[{"name":"sr37-wb","direction":"W","xdSegIds":[101,102]}]}`,
	)

	summary, err := svc.IngestInrixZip(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"sr37-wb"}, summary.Corridors)
	assert.Equal(t, 1, summary.Records)
	assert.Zero(t, summary.Skipped)

	// The corridor definition from the report is now queryable.
	_, err = svc.Corridor("sr37-wb")
	require.NoError(t, err)

	records, _, err := svc.Series("sr37-wb")
	require.NoError(t, err)
	require.Len(t, records, 1)
	// (30*1 + 50*3) / 4, at 08:00 Pacific = 16:00 UTC.
	assert.InDelta(t, 45.0, records[0].Value, 1e-9)
	assert.Equal(t, time.Date(2021, 1, 4, 16, 0, 0, 0, time.UTC), records[0].Start)
	assert.Equal(t, "sr37-wb", records[0].LocationID)
}

func TestIngestInrixReportRequiresClient(t *testing.T) {
	svc := newTestService()
	_, err := svc.IngestInrixReport(context.Background(), providers.ReportRequest{})
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestSwiftlySpeedHistoryRequiresClient(t *testing.T) {
	svc := newTestService()
	_, err := svc.SwiftlySpeedHistory(context.Background(), "12", "0", nil)
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestUnknownCorridor(t *testing.T) {
	svc := newTestService()
	_, err := svc.Corridor("nope")
	assert.ErrorIs(t, err, ErrUnknownCorridor)
}

func writeVolumeReport(t *testing.T, dir, name string, days map[string]float64) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "DAILY BY HOUR BY LANE"))
	require.NoError(t, f.SetSheetRow("DAILY BY HOUR BY LANE", "A1",
		&[]any{"Date", "Lane ID", "0700-0800"}))
	row := 2
	for date, v := range days {
		cell, err := excelize.CoordinatesToCellName(1, row)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("DAILY BY HOUR BY LANE",
			cell, &[]any{date, "1", v}))
		row++
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestCombineBridgeReports(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	writeVolumeReport(t, dir, "antioch-old.xlsx", map[string]float64{
		"2021-01-01": 90,
		"2021-01-02": 95,
		"2021-01-03": 100,
	})
	writeVolumeReport(t, dir, "antioch-new.xlsx", map[string]float64{
		"2021-01-03": 120,
		"2021-01-04": 110,
	})

	records, warnings, err := svc.CombineBridgeReports(dir, []BridgeReport{
		{Bridge: "antioch", File: "antioch-old.xlsx", Priority: 1},
		{Bridge: "antioch", File: "antioch-new.xlsx", Priority: 2},
	}, providers.BataReportOptions{SumLanes: true, SumHours: true})
	require.NoError(t, err)

	require.Len(t, records, 4)
	// Jan 3 appears in both reports; the newer compilation wins.
	var jan3 *traffic.Record
	for i := range records {
		if records[i].Start.Day() == 3 {
			jan3 = &records[i]
		}
	}
	require.NotNil(t, jan3)
	assert.Equal(t, 120.0, jan3.Value)
	assert.Equal(t, "bata:antioch-new", jan3.Source)

	require.Len(t, warnings, 1)
	assert.Equal(t, "bata:antioch-new", warnings[0].KeptSource)
	assert.Equal(t, "bata:antioch-old", warnings[0].DroppedSource)
	assert.InDelta(t, 20.0/120.0, warnings[0].RelDiff, 1e-9)
}
