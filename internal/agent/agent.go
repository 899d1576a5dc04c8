// Package agent implements the two long-running poll loops: the source
// agent batches bucket events into compressed archives, the target agent
// unpacks archives and fans objects out to destination buckets.
package agent

import (
	"context"
	"time"

	"github.com/rowjay/s3-cross-region-compressor/internal/params"
)

const creationTimeLayout = "2006-01-02 15:04:05"

// Resolver looks up replication destinations for a bucket and prefix.
type Resolver interface {
	Lookup(ctx context.Context, stackName, bucket, prefix string) (string, []params.Destination, error)
}

// sleepCtx pauses for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
