package providers

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

// volumeSheet is the sheet of a compiled traffic volume report that carries
// per-lane per-hour counts. Capitalization varies between report files, so
// lookup is case-insensitive.
const volumeSheet = "DAILY BY HOUR BY LANE"

// hourColumns are the known hour-of-day columns of a compiled report, in
// order.
var hourColumns = []string{
	"0000-0100", "0100-0200", "0200-0300", "0300-0400",
	"0400-0500", "0500-0600", "0600-0700", "0700-0800",
	"0800-0900", "0900-1000", "1000-1100", "1100-1200",
	"1200-1300", "1300-1400", "1400-1500", "1500-1600",
	"1600-1700", "1700-1800", "1800-1900", "1900-2000",
	"2000-2100", "2100-2200", "2200-2300", "2300-2400",
}

// BataReportOptions controls how a compiled volume report is melted into raw
// records.
type BataReportOptions struct {
	// Bridge names the crossing the report covers; it becomes part of the
	// location id.
	Bridge string

	// SumLanes collapses the per-lane rows into one row per hour.
	SumLanes bool

	// SumHours collapses the hourly columns into one daily row.
	SumHours bool
}

// ReadCompiledVolumeReport reads one Bay Area Toll Authority compiled traffic
// volume report workbook and reshapes the DAILY BY HOUR BY LANE sheet into
// long-form raw records, one per bridge/lane/hour (less, when summing is
// requested).
func ReadCompiledVolumeReport(path string, opts BataReportOptions) (traffic.RawBatch, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("bata report %s: %w", path, err)
	}
	defer f.Close()

	rows, err := volumeSheetRows(f)
	if err != nil {
		return nil, fmt.Errorf("bata report %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("bata report %s: sheet has no data rows", path)
	}

	header := rows[0]
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Date", "Lane ID"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("bata report %s: missing column %q", path, required)
		}
	}

	reportTag := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	type cellKey struct {
		date string
		lane string
		hour string
	}
	sums := make(map[cellKey]float64)
	var order []cellKey

	cell := func(row []string, idx int) string {
		if idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}

	for _, row := range rows[1:] {
		date := cell(row, cols["Date"])
		if date == "" {
			// Trailing summary and spacer rows carry no date.
			continue
		}
		lane := cell(row, cols["Lane ID"])
		for _, hour := range hourColumns {
			idx, ok := cols[hour]
			if !ok {
				continue
			}
			str := cell(row, idx)
			if str == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(str, ",", ""), 64)
			if err != nil {
				slog.Warn("skipping unparseable volume cell",
					"report", reportTag, "date", date, "lane", lane, "hour", hour, "value", str)
				continue
			}
			k := cellKey{date: date, lane: lane, hour: hour}
			if opts.SumLanes {
				k.lane = ""
			}
			if opts.SumHours {
				k.hour = ""
			}
			if _, seen := sums[k]; !seen {
				order = append(order, k)
			}
			sums[k] += v
		}
	}

	batch := make(traffic.RawBatch, 0, len(order))
	for _, k := range order {
		rec := traffic.RawRecord{
			"Bridge Name": opts.Bridge,
			"Date":        k.date,
			"Volume":      strconv.FormatFloat(sums[k], 'f', -1, 64),
			"Report":      reportTag,
		}
		if k.lane != "" {
			rec["Lane ID"] = k.lane
		}
		if k.hour != "" {
			rec["Hour"] = k.hour
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

// ReadBridgeReports reads one compiled report per bridge and tags each batch
// with its bridge name, mirroring how the compiled reports are distributed:
// one workbook per crossing.
func ReadBridgeReports(dir string, files map[string]string, opts BataReportOptions) (map[string]traffic.RawBatch, error) {
	out := make(map[string]traffic.RawBatch, len(files))
	for bridge, fn := range files {
		bridgeOpts := opts
		bridgeOpts.Bridge = bridge
		batch, err := ReadCompiledVolumeReport(filepath.Join(dir, fn), bridgeOpts)
		if err != nil {
			return nil, err
		}
		slog.Info("read compiled volume report", "bridge", bridge, "rows", len(batch))
		out[bridge] = batch
	}
	return out, nil
}

func volumeSheetRows(f *excelize.File) ([][]string, error) {
	for _, name := range f.GetSheetList() {
		if strings.EqualFold(strings.TrimSpace(name), volumeSheet) {
			return f.GetRows(name)
		}
	}
	return nil, fmt.Errorf("sheet %q not found", volumeSheet)
}
