package compression

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunCPUBenchmarkReturnsPositiveFactor(t *testing.T) {
	factor := RunCPUBenchmark(500*time.Millisecond, zerolog.Nop())
	if factor <= 0 {
		t.Fatalf("expected positive cpu factor, got %f", factor)
	}
}
