package providers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

// ErrReportTimeout is returned when INRIX report generation exceeds the wait
// budget.
var ErrReportTimeout = errors.New("inrix report generation timed out")

const defaultInrixBaseURL = "https://roadway-analytics-api.inrix.com/v1"

// InrixClient drives the INRIX Roadway Analytics data downloader flow:
// authenticate, create a corridor report, poll until it completes, download
// the report zip.
type InrixClient struct {
	baseURL  string
	email    string
	password string
	cfg      ClientConfig
	circuit  *gobreaker.CircuitBreaker

	// Poll pacing for report generation.
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewInrixClient creates a client using the shared HTTP client.
func NewInrixClient(client *http.Client, email, password string) *InrixClient {
	return &InrixClient{
		baseURL:      defaultInrixBaseURL,
		email:        email,
		password:     password,
		cfg:          ClientConfig{Client: client, Backoff: defaultBackoff()},
		circuit:      newCircuit("inrix"),
		pollInterval: 10 * time.Second,
		maxWait:      10 * time.Minute,
	}
}

// CorridorDefinition is the corridor shape the report API expects.
type CorridorDefinition struct {
	Name      string  `json:"name"`
	Direction string  `json:"direction"`
	XDSegIDs  []int64 `json:"xdSegIds"`
}

// ReportRequest describes one data-download report.
type ReportRequest struct {
	StartDate   string               `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string               `json:"end_date" validate:"required,datetime=2006-01-02"`
	Corridors   []CorridorDefinition `json:"corridors" validate:"min=1"`
	Granularity int                  `json:"granularity" validate:"oneof=1 5 15 60"`
	MapVersion  string               `json:"map_version"`
	Timezone    string               `json:"timezone"`
}

// Authenticate exchanges the account credentials for a bearer token.
func (c *InrixClient) Authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return "", err
	}
	var payload struct {
		Result struct {
			AccessToken struct {
				Token string `json:"token"`
			} `json:"accessToken"`
		} `json:"result"`
	}
	err = getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/auth", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("inrix auth: %w", err)
	}
	if payload.Result.AccessToken.Token == "" {
		return "", fmt.Errorf("inrix auth: empty access token in response")
	}
	return payload.Result.AccessToken.Token, nil
}

// CreateCorridorReport submits a new data-download report and returns its id.
func (c *InrixClient) CreateCorridorReport(ctx context.Context, token string, r ReportRequest) (string, error) {
	tz := r.Timezone
	if tz == "" {
		tz = "America/Los_Angeles"
	}
	def := map[string]any{
		"unit": "IMPERIAL",
		"fields": []string{
			"LOCAL_DATE_TIME", "XDSEGID", "UTC_DATE_TIME", "SPEED",
			"NAS_SPEED", "REF_SPEED", "TRAVEL_TIME", "CVALUE",
			"SCORE", "CORRIDOR_REGION_NAME", "CLOSURE",
		},
		"corridors": r.Corridors,
		"timezone":  tz,
		"dateRanges": []map[string]any{{
			"start":      r.StartDate,
			"end":        r.EndDate,
			"daysOfWeek": []int{1, 2, 3, 4, 5, 6, 7},
		}},
		"mapVersion":      r.MapVersion,
		"reportType":      "DATA_DOWNLOAD",
		"granularity":     r.Granularity,
		"emailAddresses":  []string{},
		"includeClosures": true,
	}
	body, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	var payload struct {
		ReportID string `json:"reportId"`
	}
	err = getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/data-downloader", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("inrix create report: %w", err)
	}
	return payload.ReportID, nil
}

// ReportStatus returns the generation state of a report ("COMPLETED" when
// ready).
func (c *InrixClient) ReportStatus(ctx context.Context, token, reportID string) (string, error) {
	var payload struct {
		State string `json:"state"`
	}
	err := getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/report/status/"+reportID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("inrix report status: %w", err)
	}
	return payload.State, nil
}

// WaitForReport polls the report status until it completes, the wait budget
// runs out, or ctx is cancelled.
func (c *InrixClient) WaitForReport(ctx context.Context, token, reportID string) error {
	deadline := time.Now().Add(c.maxWait)
	for {
		state, err := c.ReportStatus(ctx, token, reportID)
		if err != nil {
			return err
		}
		if state == "COMPLETED" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("report %s still %s after %s: %w", reportID, state, c.maxWait, ErrReportTimeout)
		}
		slog.Debug("inrix report not ready", "report_id", reportID, "state", state)
		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// DownloadReport fetches the finished report zip.
func (c *InrixClient) DownloadReport(ctx context.Context, token, reportID string) ([]byte, error) {
	var payload struct {
		URLs []string `json:"urls"`
	}
	err := getJSON(ctx, c.cfg, c.circuit, &payload, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/data-downloader/"+reportID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("inrix report data: %w", err)
	}
	if len(payload.URLs) != 1 {
		return nil, fmt.Errorf("inrix report %s: expected one download url, got %d", reportID, len(payload.URLs))
	}

	resp, err := doResilient(ctx, c.cfg, c.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, payload.URLs[0], nil)
	})
	if err != nil {
		return nil, fmt.Errorf("inrix report download: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// DownloadCorridorReport runs the whole flow and parses the resulting zip.
func (c *InrixClient) DownloadCorridorReport(ctx context.Context, r ReportRequest) (*ReportZip, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	reportID, err := c.CreateCorridorReport(ctx, token, r)
	if err != nil {
		return nil, err
	}
	slog.Info("inrix report created", "report_id", reportID)
	if err := c.WaitForReport(ctx, token, reportID); err != nil {
		return nil, err
	}
	raw, err := c.DownloadReport(ctx, token, reportID)
	if err != nil {
		return nil, err
	}
	rz, err := ReadReportZip(raw)
	if err != nil {
		return nil, err
	}
	rz.ReportID = reportID
	for i := range rz.Batch {
		rz.Batch[i]["Report ID"] = reportID
	}
	return rz, nil
}

// ReportZip is the parsed form of an INRIX Roadway Analytics report zip:
// data.csv joined with per-segment lengths from metadata.csv, plus the
// corridor definitions from reportContents.json.
type ReportZip struct {
	ReportID    string
	Granularity int // minutes
	Batch       traffic.RawBatch
	Corridors   []traffic.Corridor
}

type reportContents struct {
	Granularity int `json:"granularity"`
	Corridors   []struct {
		Name      string  `json:"name"`
		Direction string  `json:"direction"`
		XDSegIDs  []int64 `json:"xdSegIds"`
	} `json:"corridors"`
}

// ReadReportZip parses a report zip held in memory. Rows repeated for the
// daylight-saving fall-back hour are dropped on (Date Time, Segment ID); the
// skipped spring-forward hour is left as the coverage gap it is.
func ReadReportZip(b []byte) (*ReportZip, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("inrix zip: %w", err)
	}

	dataRows, err := readZipCSV(zr, "data.csv")
	if err != nil {
		return nil, err
	}
	metaRows, err := readZipCSV(zr, "metadata.csv")
	if err != nil {
		return nil, err
	}
	var contents reportContents
	if err := readZipJSON(zr, "reportContents.json", &contents); err != nil {
		return nil, err
	}
	if contents.Granularity <= 0 {
		return nil, fmt.Errorf("inrix zip: reportContents.json missing granularity")
	}

	lengths := make(map[string]string, len(metaRows))
	for _, row := range metaRows {
		if id := row["Segment ID"]; id != "" {
			lengths[id] = row["Segment Length(Miles)"]
		}
	}

	gran := strconv.Itoa(contents.Granularity)
	seen := make(map[string]bool, len(dataRows))
	batch := make(traffic.RawBatch, 0, len(dataRows))
	for _, row := range dataRows {
		key := row["Date Time"] + "|" + row["Segment ID"]
		if seen[key] {
			continue
		}
		seen[key] = true
		row["Granularity"] = gran
		if l := lengths[row["Segment ID"]]; l != "" {
			row["Segment Length(Miles)"] = l
		}
		batch = append(batch, row)
	}

	corridors := make([]traffic.Corridor, 0, len(contents.Corridors))
	for _, cd := range contents.Corridors {
		corr := traffic.Corridor{
			ID:        cd.Name,
			Name:      cd.Name,
			Direction: cd.Direction,
		}
		for _, seg := range cd.XDSegIDs {
			id := strconv.FormatInt(seg, 10)
			length, _ := strconv.ParseFloat(lengths[id], 64)
			corr.Segments = append(corr.Segments, traffic.Segment{ID: id, LengthMiles: length})
			corr.DeclaredLengthMiles += length
		}
		corridors = append(corridors, corr)
	}

	return &ReportZip{
		Granularity: contents.Granularity,
		Batch:       batch,
		Corridors:   corridors,
	}, nil
}

// openZipEntry finds an entry by base name under the report's single root
// directory.
func openZipEntry(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/"+name) || f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("inrix zip: %s not found", name)
}

func readZipCSV(zr *zip.Reader, name string) ([]traffic.RawRecord, error) {
	rc, err := openZipEntry(zr, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("inrix zip: %s header: %w", name, err)
	}
	var rows []traffic.RawRecord
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("inrix zip: %s: %w", name, err)
		}
		row := make(traffic.RawRecord, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readZipJSON(zr *zip.Reader, name string, out any) error {
	rc, err := openZipEntry(zr, name)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(out); err != nil {
		return fmt.Errorf("inrix zip: %s: %w", name, err)
	}
	return nil
}
