package compression

import (
	"math/rand"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Operations per second measured on the reference task configuration.
const referenceOpsPerSecond = 100.0

const benchmarkPayloadSize = 4 << 20

// RunCPUBenchmark measures this host's compression throughput against the
// reference configuration and returns the normalization factor (higher means
// slower). It runs once per process; the fixed seed keeps the payload
// identical across hosts so factors are comparable. Returns 1.0 when the
// benchmark cannot produce a usable sample.
func RunCPUBenchmark(budget time.Duration, log zerolog.Logger) float64 {
	payload := make([]byte, benchmarkPayloadSize)
	rng := rand.New(rand.NewSource(42))
	rng.Read(payload)

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(10)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		log.Warn().Err(err).Msg("benchmark encoder init failed, assuming reference speed")
		return 1.0
	}
	defer enc.Close()

	var (
		iterations int
		totalTime  time.Duration
	)
	start := time.Now()
	for time.Since(start) < budget && iterations < 20 {
		opStart := time.Now()
		_ = enc.EncodeAll(payload, nil)
		totalTime += time.Since(opStart)
		iterations++

		// Half the budget with a few samples is a reliable enough estimate.
		if time.Since(start) >= budget/2 && iterations >= 3 {
			break
		}
	}

	if iterations == 0 || totalTime <= 0 {
		log.Warn().Msg("benchmark produced no samples, assuming reference speed")
		return 1.0
	}

	opsPerSecond := float64(iterations) / totalTime.Seconds()
	factor := referenceOpsPerSecond / opsPerSecond
	log.Info().
		Int("iterations", iterations).
		Dur("elapsed", time.Since(start)).
		Float64("ops_per_second", opsPerSecond).
		Float64("cpu_factor", factor).
		Msg("cpu benchmark complete")
	return factor
}
