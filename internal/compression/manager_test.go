package compression

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/s3-cross-region-compressor/internal/settings"
)

// memoryStore is an in-process SettingsStore with the same atomicity
// guarantees as the DynamoDB repository.
type memoryStore struct {
	mu        sync.Mutex
	records   map[string]*settings.Record
	conflicts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*settings.Record)}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*settings.Record, error) {
	return s.GetConsistent(ctx, key)
}

func (s *memoryStore) GetConsistent(_ context.Context, key string) (*settings.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.LevelStats = make(map[int]settings.LevelStats, len(r.LevelStats))
	for k, v := range r.LevelStats {
		cp.LevelStats[k] = v
	}
	return &cp, nil
}

func (s *memoryStore) CreateIfAbsent(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		s.records[key] = &settings.Record{Key: key, LevelStats: make(map[int]settings.LevelStats)}
	}
	return nil
}

func (s *memoryStore) AtomicIncrement(_ context.Context, key string, level int, fileCount int64, cpuFactor, benefit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		r = &settings.Record{Key: key, LevelStats: make(map[int]settings.LevelStats)}
		s.records[key] = r
	}
	r.Version++
	r.SumCPUFactor += cpuFactor
	r.TotalProcessedFiles += fileCount
	ls := r.LevelStats[level]
	ls.Trials++
	ls.Objects += fileCount
	ls.SumBenefit += benefit
	r.LevelStats[level] = ls
	return nil
}

func (s *memoryStore) ConditionalUpdate(_ context.Context, key string, newOptimalLevel int, newHistory map[int]settings.LevelStats, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return 0, settings.ErrVersionConflict
	}
	r, ok := s.records[key]
	if !ok || r.Version != expectedVersion {
		return 0, settings.ErrVersionConflict
	}
	r.OptimalLevel = newOptimalLevel
	r.LevelStats = newHistory
	r.Version++
	return r.Version, nil
}

func newTestManager(store SettingsStore) *Manager {
	opt := NewOptimizer(OptimizerConfig{})
	opt.randFloat = func() float64 { return 0.99 } // exploration off
	calc := Calculator{TransferRatePerGB: 0.02, ComputeRatePerMinute: 0.000395}
	cfg := ManagerConfig{RetryAttempts: 3, RetryBackoff: time.Millisecond}
	return NewManager(store, opt, calc, cfg, 1.0, zerolog.Nop())
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store)
	key := m.Key("bucket", "pfx")

	const callers = 25
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.UpdateMetrics(context.Background(), UpdateInput{
				Key:            key,
				Level:          12,
				OriginalSize:   1 << 20,
				CompressedSize: 1 << 19,
				Elapsed:        time.Second,
				NumRegions:     1,
				FileCount:      2,
			})
			if err != nil {
				t.Errorf("update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	r, _ := store.GetConsistent(context.Background(), key)
	if r == nil {
		t.Fatal("record missing after updates")
	}
	if r.Version != callers {
		t.Fatalf("expected version %d, got %d", callers, r.Version)
	}
	if r.TotalProcessedFiles != callers*2 {
		t.Fatalf("expected %d processed files, got %d", callers*2, r.TotalProcessedFiles)
	}
	if r.LevelStats[12].Trials != callers {
		t.Fatalf("expected %d trials at level 12, got %d", callers, r.LevelStats[12].Trials)
	}
}

func TestUpdateMetricsRequiresTiming(t *testing.T) {
	m := newTestManager(newMemoryStore())
	err := m.UpdateMetrics(context.Background(), UpdateInput{Key: "bucket/", Level: 12})
	if err == nil {
		t.Fatal("expected error for missing elapsed time")
	}
}

func TestGetLevelInitializesMissingRecord(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store)
	key := m.Key("bucket", "")

	if got := m.GetLevel(context.Background(), key); got != 12 {
		t.Fatalf("expected default level, got %d", got)
	}
	if r, _ := store.GetConsistent(context.Background(), key); r == nil {
		t.Fatal("expected record to be created")
	}
}

func TestGetLevelUsesHistory(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store)
	key := m.Key("bucket", "pfx")

	for i := 0; i < 20; i++ {
		if err := store.AtomicIncrement(context.Background(), key, 3, 1, 1.0, 2.0); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	if got := m.GetLevel(context.Background(), key); got != 3 {
		t.Fatalf("expected historical best level 3, got %d", got)
	}
}

func TestKeyNormalization(t *testing.T) {
	m := newTestManager(newMemoryStore())
	if got := m.Key("bucket", ""); got != "bucket/" {
		t.Fatalf("unexpected root key: %s", got)
	}
	if got := m.Key("bucket", "a/b/"); got != "bucket/a/b/" {
		t.Fatalf("unexpected prefix key: %s", got)
	}
}

func TestRecalculateBaselineRetriesOnConflict(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store)
	key := m.Key("bucket", "pfx")

	for i := 0; i < 15; i++ {
		store.AtomicIncrement(context.Background(), key, 7, 1, 1.0, 3.0)
	}
	store.conflicts = 2

	level, err := m.RecalculateBaseline(context.Background(), key)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if level != 7 {
		t.Fatalf("expected optimal level 7, got %d", level)
	}
	r, _ := store.GetConsistent(context.Background(), key)
	if r.OptimalLevel != 7 {
		t.Fatalf("optimal level not persisted: %d", r.OptimalLevel)
	}
}

func TestRecalculateBaselineExhaustsRetries(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(store)
	key := m.Key("bucket", "pfx")

	store.AtomicIncrement(context.Background(), key, 7, 1, 1.0, 3.0)
	store.conflicts = 10

	if _, err := m.RecalculateBaseline(context.Background(), key); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
