package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bayareametro/trafficagg/internal/traffic"
)

// ErrNotFound is returned when no series exists for a corridor.
var ErrNotFound = errors.New("no rollup series for corridor")

// series holds one corridor's time-ordered rollup records plus the coverage
// gaps observed while building them. Gaps are kept alongside the records so
// a reader can never mistake missing coverage for zero traffic.
type series struct {
	Records []traffic.Record
	Gaps    []traffic.CoverageGap
}

// MemoryStore is a concurrency-safe in-memory cache of corridor rollup
// series. It is deliberately not a persistent storage engine: it exists so
// the HTTP surface can serve the result of the last ingest without re-running
// the pipeline.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*series

	maxHistory int           // max records per corridor, 0 = unlimited
	maxAge     time.Duration // max record age, 0 = unlimited
}

// NewMemoryStore creates a store with optional retention limits.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*series),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

// SaveSeries merges new rollup records and gaps into a corridor's series,
// keeping the series ordered by interval start and enforcing retention.
func (s *MemoryStore) SaveSeries(corridorID string, records []traffic.Record, gaps []traffic.CoverageGap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.data[corridorID]
	if !ok {
		sr = &series{}
		s.data[corridorID] = sr
	}

	sr.Records = append(sr.Records, records...)
	sort.SliceStable(sr.Records, func(i, j int) bool {
		return sr.Records[i].Start.Before(sr.Records[j].Start)
	})
	sr.Gaps = append(sr.Gaps, gaps...)

	if s.maxHistory > 0 && len(sr.Records) > s.maxHistory {
		over := len(sr.Records) - s.maxHistory
		sr.Records = sr.Records[over:]
	}
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		i := 0
		for ; i < len(sr.Records); i++ {
			if !sr.Records[i].Start.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			sr.Records = sr.Records[i:]
		}
	}
}

// Series returns a corridor's full rollup series.
func (s *MemoryStore) Series(corridorID string) ([]traffic.Record, []traffic.CoverageGap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.data[corridorID]
	if !ok || len(sr.Records) == 0 && len(sr.Gaps) == 0 {
		return nil, nil, ErrNotFound
	}
	records := make([]traffic.Record, len(sr.Records))
	copy(records, sr.Records)
	gaps := make([]traffic.CoverageGap, len(sr.Gaps))
	copy(gaps, sr.Gaps)
	return records, gaps, nil
}

// Range returns the records of a corridor's series whose intervals start
// within [from, to].
func (s *MemoryStore) Range(corridorID string, from, to time.Time) ([]traffic.Record, error) {
	records, _, err := s.Series(corridorID)
	if err != nil {
		return nil, err
	}
	var out []traffic.Record
	for _, r := range records {
		if !r.Start.Before(from) && !r.Start.After(to) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
