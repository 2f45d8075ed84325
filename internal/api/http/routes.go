package httpapi

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bayareametro/trafficagg/internal/pipeline"
	"github.com/bayareametro/trafficagg/internal/store"
	"github.com/bayareametro/trafficagg/internal/traffic"
	"github.com/bayareametro/trafficagg/internal/traffic/providers"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *pipeline.Service) {
	v1 := app.Group("/api/v1")

	v1.Post("/normalize", func(c *fiber.Ctx) error {
		var req normalizeRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		opts := traffic.NormalizeOptions{MaxFailureRate: service.Defaults().MaxFailureRate}
		if req.MaxFailureRate != nil {
			opts.MaxFailureRate = *req.MaxFailureRate
		}
		res, err := traffic.Normalize(req.Records, traffic.Provider(req.Provider), opts)
		if err != nil {
			if errors.Is(err, traffic.ErrUnknownProvider) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			if errors.Is(err, traffic.ErrBatchRejected) {
				return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, "normalization failed")
		}

		return c.JSON(fiber.Map{
			"records": res.Records,
			"skipped": skippedMessages(res.Skipped),
		})
	})

	v1.Post("/corridors/rollup", func(c *fiber.Ctx) error {
		var req rollupRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		opts := service.Defaults().Rollup
		if req.MaxMissingFraction != nil {
			opts.MaxMissingFraction = *req.MaxMissingFraction
		}
		if req.LengthTolerance != nil {
			opts.LengthTolerance = *req.LengthTolerance
		}
		res, err := traffic.AggregateCorridorSeries(req.Corridor, req.Records, req.Intervals, opts)
		if err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}

		return c.JSON(res)
	})

	v1.Post("/stitch", func(c *fiber.Ctx) error {
		var req stitchRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		set, err := traffic.NewDateRangeSet(req.Ranges...)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		requested := req.Requested
		if requested == nil {
			ranges := set.Ranges()
			requested = &traffic.DateRange{Start: ranges[0].Start, End: ranges[len(ranges)-1].End}
		}
		res, err := traffic.Stitch(set, req.Batches, *requested)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		return c.JSON(res)
	})

	v1.Post("/combine", func(c *fiber.Ctx) error {
		var req combineRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		opts := service.Defaults().Combine
		if req.RelDiffWarnThreshold != nil {
			opts.RelDiffWarnThreshold = *req.RelDiffWarnThreshold
		}
		records, warnings, err := traffic.Combine(req.Sequences, opts)
		if err != nil {
			if errors.Is(err, traffic.ErrDuplicateRecord) {
				return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, "combine failed")
		}

		return c.JSON(fiber.Map{
			"records":  records,
			"warnings": warnings,
		})
	})

	v1.Post("/equivalence", func(c *fiber.Ctx) error {
		var req equivalenceRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		tol := service.Defaults().Equivalence
		if req.Tolerance != nil {
			tol = *req.Tolerance
		}
		report := traffic.CheckEquivalence(req.A, req.B, tol)
		return c.JSON(report)
	})

	v1.Get("/corridors", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"corridors": service.Corridors()})
	})

	v1.Get("/corridors/:id/rollups", func(c *fiber.Ctx) error {
		id := c.Params("id")
		corridor, err := service.Corridor(id)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}

		records, gaps, err := seriesForQuery(c, service, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no rollups for requested corridor")
			}
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if c.Query("format") == "geojson" {
			geoms := map[string]traffic.LineString{id: corridor.Geometry}
			return c.JSON(traffic.NewFeatureCollection(records, geoms))
		}
		return c.JSON(fiber.Map{
			"corridor": corridor,
			"records":  records,
			"gaps":     gaps,
		})
	})

	v1.Post("/reports/inrix", func(c *fiber.Ctx) error {
		var req providers.ReportRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		summary, err := service.IngestInrixReport(c.Context(), req)
		if err != nil {
			if errors.Is(err, pipeline.ErrProviderDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(summary)
	})

	v1.Post("/playback", func(c *fiber.Ctx) error {
		var req providers.PlaybackQuery
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, skipped, err := service.PlaybackSpeeds(c.Context(), req)
		if err != nil {
			if errors.Is(err, pipeline.ErrProviderDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{
			"records": records,
			"skipped": skipped,
		})
	})

	v1.Post("/speedmaps/history", func(c *fiber.Ctx) error {
		var req speedHistoryRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		history, err := service.SwiftlySpeedHistory(c.Context(), req.Route, req.Direction, req.Specs)
		if err != nil {
			if errors.Is(err, pipeline.ErrProviderDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			if errors.Is(err, traffic.ErrInvalidRange) || errors.Is(err, traffic.ErrOverlappingRanges) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		if c.Query("format") == "geojson" {
			return c.JSON(traffic.NewFeatureCollection(history.Result.Records, history.Geometry))
		}
		return c.JSON(history)
	})
}

type normalizeRequest struct {
	Provider       string           `json:"provider" validate:"required"`
	Records        traffic.RawBatch `json:"records" validate:"required"`
	MaxFailureRate *float64         `json:"max_failure_rate" validate:"omitempty,gte=0,lte=1"`
}

type rollupRequest struct {
	Corridor           traffic.Corridor   `json:"corridor" validate:"required"`
	Records            []traffic.Record   `json:"records" validate:"required"`
	Intervals          []traffic.Interval `json:"intervals" validate:"min=1"`
	MaxMissingFraction *float64           `json:"max_missing_fraction" validate:"omitempty,gte=0,lte=1"`
	LengthTolerance    *float64           `json:"length_tolerance" validate:"omitempty,gte=0"`
}

type stitchRequest struct {
	Ranges    []traffic.DateRange `json:"ranges" validate:"min=1"`
	Batches   [][]traffic.Record  `json:"batches" validate:"required"`
	Requested *traffic.DateRange  `json:"requested"`
}

type combineRequest struct {
	Sequences            []traffic.SourceSequence `json:"sequences" validate:"min=1,dive"`
	RelDiffWarnThreshold *float64                 `json:"rel_diff_warn_threshold" validate:"omitempty,gte=0"`
}

type equivalenceRequest struct {
	A         []traffic.Record   `json:"a"`
	B         []traffic.Record   `json:"b"`
	Tolerance *traffic.Tolerance `json:"tolerance"`
}

type speedHistoryRequest struct {
	Route     string                    `json:"route" validate:"required"`
	Direction string                    `json:"direction"`
	Specs     []providers.DateRangeSpec `json:"specs" validate:"min=1,dive"`
}

func skippedMessages(errs []*traffic.SchemaError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

// seriesForQuery returns either the full cached series or the from/to slice
// of it. from and to accept RFC3339 or a bare date.
func seriesForQuery(c *fiber.Ctx, service *pipeline.Service, id string) ([]traffic.Record, []traffic.CoverageGap, error) {
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr == "" && toStr == "" {
		return service.Series(id)
	}
	from, err := parseTime(fromStr, time.Time{})
	if err != nil {
		return nil, nil, err
	}
	to, err := parseTime(toStr, time.Unix(1<<40, 0).UTC())
	if err != nil {
		return nil, nil, err
	}
	records, err := service.SeriesRange(id, from, to)
	return records, nil, err
}

func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return ts, nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or YYYY-MM-DD")
}
