package compression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/s3-cross-region-compressor/internal/settings"
	"github.com/rowjay/s3-cross-region-compressor/internal/util"
)

// SettingsStore is the repository contract the manager consumes. The
// production implementation is settings.Repository; tests use an in-memory
// fake.
type SettingsStore interface {
	Get(ctx context.Context, key string) (*settings.Record, error)
	GetConsistent(ctx context.Context, key string) (*settings.Record, error)
	CreateIfAbsent(ctx context.Context, key string) error
	AtomicIncrement(ctx context.Context, key string, level int, fileCount int64, cpuFactor, benefit float64) error
	ConditionalUpdate(ctx context.Context, key string, newOptimalLevel int, newHistory map[int]settings.LevelStats, expectedVersion int64) (int64, error)
}

// ManagerConfig bounds the optimistic-concurrency retry loop.
type ManagerConfig struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Manager decides compression levels and records their outcomes. One value
// is constructed at process start with the measured CPU factor and passed to
// the agent loop; there is no process-wide singleton.
type Manager struct {
	store      SettingsStore
	optimizer  *Optimizer
	calculator Calculator
	cfg        ManagerConfig
	cpuFactor  float64
	log        zerolog.Logger
}

func NewManager(store SettingsStore, optimizer *Optimizer, calculator Calculator, cfg ManagerConfig, cpuFactor float64, log zerolog.Logger) *Manager {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Manager{
		store:      store,
		optimizer:  optimizer,
		calculator: calculator,
		cfg:        cfg,
		cpuFactor:  cpuFactor,
		log:        log,
	}
}

// Key builds the settings key for a bucket and prefix: "{bucket}/" for the
// bucket root, "{bucket}/{prefix}/" otherwise.
func (m *Manager) Key(bucket, prefix string) string {
	if prefix == "" {
		return bucket + "/"
	}
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return bucket + "/" + prefix + "/"
}

// GetLevel returns the compression level to use for key. Missing history
// creates a zero-initialized record and falls back to the default level;
// repository errors do the same. This path never blocks on a write beyond
// the one-time record creation.
func (m *Manager) GetLevel(ctx context.Context, key string) int {
	record, err := m.store.Get(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("settings lookup failed, using default level")
		return m.optimizer.cfg.DefaultLevel
	}
	if record == nil || len(record.LevelStats) == 0 {
		if err := m.store.CreateIfAbsent(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("settings init failed")
		}
		return m.optimizer.cfg.DefaultLevel
	}

	best := m.optimizer.BestLevel(record.LevelStats)
	adjusted := m.optimizer.SelectLevelForCPU(best, m.cpuFactor, record.AvgCPUFactor())
	final := m.optimizer.Explore(adjusted, record.Version)

	m.log.Debug().
		Str("key", key).
		Int("best_level", best).
		Int("cpu_adjusted", adjusted).
		Int("final_level", final).
		Int64("version", record.Version).
		Msg("selected compression level")
	return final
}

// UpdateInput is one batch's measured outcome.
type UpdateInput struct {
	Key            string
	Level          int
	OriginalSize   int64
	CompressedSize int64
	Elapsed        time.Duration
	NumRegions     int
	FileCount      int64
}

// UpdateMetrics folds a batch outcome into the shared statistics. A missing
// elapsed time is a hard failure: without it the benefit score would be
// meaningless, and a silent partial update would poison the history.
func (m *Manager) UpdateMetrics(ctx context.Context, in UpdateInput) error {
	if in.Elapsed <= 0 {
		return errors.New("update metrics: no timing information available")
	}
	if in.NumRegions < 1 {
		in.NumRegions = 1
	}
	if in.FileCount < 1 {
		in.FileCount = 1
	}

	benefit := m.calculator.Calculate(in.OriginalSize, in.CompressedSize, in.Elapsed.Seconds(), in.NumRegions)
	if err := m.store.AtomicIncrement(ctx, in.Key, in.Level, in.FileCount, m.cpuFactor, benefit); err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}

	m.log.Debug().
		Str("key", in.Key).
		Int("level", in.Level).
		Float64("benefit_score", benefit).
		Int64("file_count", in.FileCount).
		Msg("updated compression metrics")
	return nil
}

// RecalculateBaseline re-derives the optimal level from current history and
// persists it via the version-guarded conditional write, re-reading and
// retrying on conflict up to the configured attempt cap. Exhausting retries
// is a returned error, not fatal to the caller.
func (m *Manager) RecalculateBaseline(ctx context.Context, key string) (int, error) {
	var optimal int
	err := util.Retry(ctx, m.cfg.RetryAttempts, m.cfg.RetryBackoff, func() error {
		record, err := m.store.GetConsistent(ctx, key)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("no settings for %s", key)
		}
		optimal = m.optimizer.BestLevel(record.LevelStats)
		_, err = m.store.ConditionalUpdate(ctx, key, optimal, record.LevelStats, record.Version)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recalculate baseline for %s: %w", key, err)
	}
	return optimal, nil
}

// CPUFactor exposes the factor measured at startup.
func (m *Manager) CPUFactor() float64 { return m.cpuFactor }

// DefaultLevel exposes the configured fallback level.
func (m *Manager) DefaultLevel() int { return m.optimizer.cfg.DefaultLevel }
