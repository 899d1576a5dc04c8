package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/s3-cross-region-compressor/internal/archive"
	"github.com/rowjay/s3-cross-region-compressor/internal/storage"
)

// CatalogRecord indexes one object inside a backup archive for external
// cataloging tooling.
type CatalogRecord struct {
	SourceBucket  string `json:"source_bucket"`
	SourcePrefix  string `json:"source_prefix"`
	RelativeKey   string `json:"relative_key"`
	ArchiveBucket string `json:"archive_bucket"`
	ArchiveKey    string `json:"archive_key"`
	Size          int64  `json:"size"`
	ETag          string `json:"etag"`
	CreationTime  string `json:"creation_time"`
}

// Catalog writes one JSON-lines file per backup archive, partitioned by
// upload date. When no catalog bucket is configured records are skipped
// with a warning.
type Catalog struct {
	store  storage.ObjectStore
	bucket string
	now    func() time.Time
	log    zerolog.Logger
}

func NewCatalog(store storage.ObjectStore, bucket string, log zerolog.Logger) *Catalog {
	return &Catalog{store: store, bucket: bucket, now: time.Now, log: log}
}

// WriteRecords uploads one record per archived object to the catalog bucket
// under {source_bucket}/[{source_prefix}/]year=Y/month=M/day=D/{archive}.jsonl.
func (c *Catalog) WriteRecords(ctx context.Context, objects []archive.ObjectRecord, archiveBucket, archiveKey string) error {
	if len(objects) == 0 {
		return nil
	}
	if c.bucket == "" {
		c.log.Warn().Msg("no catalog bucket configured, skipping catalog records")
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, obj := range objects {
		rec := CatalogRecord{
			SourceBucket:  obj.SourceBucket,
			SourcePrefix:  obj.SourcePrefix,
			RelativeKey:   obj.RelativeKey,
			ArchiveBucket: archiveBucket,
			ArchiveKey:    archiveKey,
			Size:          obj.Size,
			ETag:          obj.ETag,
			CreationTime:  obj.CreationTime,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode catalog record: %w", err)
		}
	}

	tmp, err := os.CreateTemp("", "catalog-*.jsonl")
	if err != nil {
		return fmt.Errorf("create catalog file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write catalog file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close catalog file: %w", err)
	}

	key := c.catalogKey(objects[0], archiveKey)
	if err := c.store.Upload(ctx, tmp.Name(), c.bucket, key, storage.PutOptions{}); err != nil {
		return fmt.Errorf("upload catalog records: %w", err)
	}
	return nil
}

func (c *Catalog) catalogKey(first archive.ObjectRecord, archiveKey string) string {
	now := c.now().UTC()
	name := strings.TrimSuffix(path.Base(archiveKey), ".tar.zst") + ".jsonl"
	parts := []string{first.SourceBucket}
	if first.SourcePrefix != "" {
		parts = append(parts, strings.Trim(first.SourcePrefix, "/"))
	}
	parts = append(parts,
		fmt.Sprintf("year=%d", now.Year()),
		fmt.Sprintf("month=%02d", int(now.Month())),
		fmt.Sprintf("day=%02d", now.Day()),
		name,
	)
	return path.Join(parts...)
}
