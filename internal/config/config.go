package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

var validate = validator.New()

type AppConfig struct {
	Port        string
	HTTPTimeout time.Duration

	// Provider credentials. Empty disables the corresponding download
	// endpoints.
	InrixEmail    string
	InrixPassword string
	SwiftlyAPIKey string
	SwiftlyAgency string

	// Corridor definitions maintained outside the core.
	CorridorFile string
	Corridors    []traffic.Corridor

	// In-memory rollup series retention.
	StoreMaxHistory int
	StoreMaxAge     time.Duration

	// Default quality thresholds; callers may override per request.
	Rollup         traffic.RollupOptions
	Combine        traffic.CombineOptions
	Equivalence    traffic.Tolerance
	MaxFailureRate float64
}

// Load reads configuration from environment with sensible defaults, plus the
// corridor definition file when one is configured.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}
	cfg := &AppConfig{
		Port:          getenvDefault("PORT", "8080"),
		InrixEmail:    os.Getenv("INRIX_EMAIL"),
		InrixPassword: os.Getenv("INRIX_PASSWORD"),
		SwiftlyAPIKey: os.Getenv("SWIFTLY_API_KEY"),
		SwiftlyAgency: getenvDefault("SWIFTLY_AGENCY", "sfmta"),
		CorridorFile:  os.Getenv("CORRIDOR_FILE"),

		StoreMaxHistory: getenvInt("STORE_MAX_HISTORY", 4096),

		Rollup: traffic.RollupOptions{
			MaxMissingFraction: getenvFloat("ROLLUP_MAX_MISSING_FRACTION", 0.5),
			LengthTolerance:    getenvFloat("ROLLUP_LENGTH_TOLERANCE", 0.01),
		},
		Combine: traffic.CombineOptions{
			RelDiffWarnThreshold: getenvFloat("COMBINE_REL_DIFF_WARN", 0.05),
		},
		Equivalence: traffic.Tolerance{
			Abs: getenvFloat("EQUIVALENCE_ABS_TOLERANCE", 1e-9),
			Rel: getenvFloat("EQUIVALENCE_REL_TOLERANCE", 1e-6),
		},
		MaxFailureRate: getenvFloat("NORMALIZE_MAX_FAILURE_RATE", 0.25),
	}

	timeout, err := time.ParseDuration(getenvDefault("HTTP_TIMEOUT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout

	maxAge, err := time.ParseDuration(getenvDefault("STORE_MAX_AGE", "720h"))
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_MAX_AGE: %w", err)
	}
	cfg.StoreMaxAge = maxAge

	if cfg.CorridorFile != "" {
		corridors, err := LoadCorridors(cfg.CorridorFile)
		if err != nil {
			return nil, err
		}
		cfg.Corridors = corridors
	}
	return cfg, nil
}

// corridorFile is the YAML shape of the corridor definition file.
type corridorFile struct {
	Corridors []traffic.Corridor `yaml:"corridors" validate:"min=1,dive"`
}

// LoadCorridors reads and validates corridor definitions from a YAML file. A
// corridor whose declared length disagrees with its segment sum is kept (the
// rollup degrades to unweighted averaging) but reported at load time.
func LoadCorridors(path string) ([]traffic.Corridor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("corridor file: %w", err)
	}
	var f corridorFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("corridor file %s: %w", path, err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("corridor file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Corridors))
	for _, c := range f.Corridors {
		if seen[c.ID] {
			return nil, fmt.Errorf("corridor file %s: duplicate corridor id %q", path, c.ID)
		}
		seen[c.ID] = true
		if sum := c.SegmentLengthSum(); sum > 0 && c.DeclaredLengthMiles > 0 {
			rel := sum/c.DeclaredLengthMiles - 1
			if rel < 0 {
				rel = -rel
			}
			if rel > 0.01 {
				slog.Warn("corridor declared length disagrees with segment sum",
					"corridor", c.ID,
					"declared_miles", c.DeclaredLengthMiles,
					"segment_sum_miles", sum)
			}
		}
	}
	return f.Corridors, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}
