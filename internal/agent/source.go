package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/s3-cross-region-compressor/internal/archive"
	"github.com/rowjay/s3-cross-region-compressor/internal/compression"
	"github.com/rowjay/s3-cross-region-compressor/internal/metrics"
	"github.com/rowjay/s3-cross-region-compressor/internal/params"
	"github.com/rowjay/s3-cross-region-compressor/internal/queue"
	"github.com/rowjay/s3-cross-region-compressor/internal/storage"
	"github.com/rowjay/s3-cross-region-compressor/internal/util"
)

// SourceConfig carries the source agent's runtime options.
type SourceConfig struct {
	StackName       string
	StagingBucket   string
	MonitoredPrefix string
	MaxMessages     int32
	IdleSleep       time.Duration
	ErrorSleep      time.Duration
	DownloadWorkers int
	RecalcInterval  int
}

// Source polls bucket-notification events, downloads the referenced objects,
// compresses them into a manifest-bearing archive and stages the result for
// target regions.
type Source struct {
	cfg      SourceConfig
	queue    queue.Queue
	store    storage.ObjectStore
	resolver Resolver
	manager  *compression.Manager
	engine   *archive.Engine
	reporter metrics.Reporter
	log      zerolog.Logger
	updates  int
}

func NewSource(cfg SourceConfig, q queue.Queue, store storage.ObjectStore, resolver Resolver, manager *compression.Manager, engine *archive.Engine, reporter metrics.Reporter, log zerolog.Logger) *Source {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = runtime.NumCPU()
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = 50
	}
	return &Source{
		cfg:      cfg,
		queue:    q,
		store:    store,
		resolver: resolver,
		manager:  manager,
		engine:   engine,
		reporter: reporter,
		log:      log,
	}
}

// Run polls until ctx is cancelled. Errors inside a poll cycle abort only
// that cycle, never the loop.
func (s *Source) Run(ctx context.Context) error {
	s.log.Info().Msg("source agent started")
	for {
		if ctx.Err() != nil {
			s.log.Info().Msg("source agent stopping")
			return nil
		}
		busy, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.Error().Err(err).Msg("poll cycle failed")
			sleepCtx(ctx, s.cfg.ErrorSleep)
			continue
		}
		if !busy {
			sleepCtx(ctx, s.cfg.IdleSleep)
		}
	}
}

// downloaded pairs an object event with its local copy and metadata.
type downloaded struct {
	event queue.ObjectEvent
	path  string
	meta  storage.ObjectMeta
	tags  map[string]string
}

func (s *Source) poll(ctx context.Context) (bool, error) {
	msgs, err := s.queue.ReceiveBatch(ctx, s.cfg.MaxMessages)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	regular := s.discardTestEvents(ctx, msgs)
	if len(regular) == 0 {
		return true, nil
	}

	var events []queue.ObjectEvent
	for _, m := range regular {
		events = append(events, queue.ExtractObjectEvents(m)...)
	}
	if len(events) == 0 {
		s.ack(ctx, regular)
		return true, nil
	}

	workDir, err := archive.CreateWorkDir()
	if err != nil {
		return true, err
	}
	defer archive.RemoveWorkDir(workDir)

	objects := s.downloadBatch(ctx, events, workDir)
	if len(objects) == 0 {
		s.log.Warn().Int("events", len(events)).Msg("no objects downloaded, skipping batch")
		s.ack(ctx, regular)
		return true, nil
	}

	sourceBucket := objects[0].event.Bucket
	prefix := s.groupingPrefix(objects[0].event.Key)

	paramName, destinations, err := s.resolver.Lookup(ctx, s.cfg.StackName, sourceBucket, prefix)
	if err != nil {
		return true, err
	}
	if len(destinations) == 0 {
		s.log.Warn().Str("bucket", sourceBucket).Str("prefix", prefix).
			Msg("no destinations configured, skipping batch")
		s.ack(ctx, regular)
		return true, nil
	}

	manifestPath, entries, err := s.buildManifest(objects, destinations, prefix, workDir)
	if err != nil {
		return true, err
	}

	key := s.manager.Key(sourceBucket, prefix)
	level := s.manager.GetLevel(ctx, key)
	result, err := s.engine.CompressObjects(entries, workDir, level)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("compression failed, skipping batch")
		s.ack(ctx, regular)
		return true, nil
	}
	os.Remove(manifestPath)

	stagingKey := util.BuildStagingKey(sourceBucket, prefix)
	if err := s.store.Upload(ctx, result.Path, s.cfg.StagingBucket, stagingKey, storage.PutOptions{}); err != nil {
		// Leave the messages unacknowledged so the queue redelivers them.
		s.log.Error().Err(err).Str("staging_key", stagingKey).Msg("staging upload failed")
		os.Remove(result.Path)
		return true, nil
	}
	os.Remove(result.Path)

	if err := s.manager.UpdateMetrics(ctx, compression.UpdateInput{
		Key:            key,
		Level:          result.Level,
		OriginalSize:   result.OriginalSize,
		CompressedSize: result.CompressedSize,
		Elapsed:        result.Elapsed,
		NumRegions:     len(destinations),
		FileCount:      int64(len(objects)),
	}); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to record compression outcome")
	} else {
		s.updates++
		if s.updates%s.cfg.RecalcInterval == 0 {
			if optimal, err := s.manager.RecalculateBaseline(ctx, key); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("baseline recalculation failed")
			} else {
				s.log.Info().Str("key", key).Int("optimal_level", optimal).Msg("baseline recalculated")
			}
		}
	}

	regions := make([]string, 0, len(destinations))
	for _, d := range destinations {
		regions = append(regions, d.Region)
	}
	s.reporter.ReportCompression(ctx, metrics.CompressionSample{
		SourceBucket:   sourceBucket,
		SourcePrefix:   prefix,
		TargetRegions:  regions,
		OriginalSize:   result.OriginalSize,
		CompressedSize: result.CompressedSize,
		ObjectCount:    len(objects),
		Elapsed:        result.Elapsed,
		Level:          result.Level,
	})

	s.log.Info().
		Str("parameter", paramName).
		Str("staging_key", stagingKey).
		Int("objects", len(objects)).
		Int("level", result.Level).
		Int64("original_size", result.OriginalSize).
		Int64("compressed_size", result.CompressedSize).
		Msg("batch staged")

	s.ack(ctx, regular)
	return true, nil
}

// discardTestEvents deletes notification test messages and returns the rest.
func (s *Source) discardTestEvents(ctx context.Context, msgs []queue.Message) []queue.Message {
	var regular []queue.Message
	var testHandles []string
	for _, m := range msgs {
		if queue.IsTestEvent(m) {
			testHandles = append(testHandles, m.ReceiptHandle)
			continue
		}
		regular = append(regular, m)
	}
	if len(testHandles) > 0 {
		s.log.Info().Int("count", len(testHandles)).Msg("discarding test events")
		if _, failed, err := s.queue.DeleteBatch(ctx, testHandles); err != nil || len(failed) > 0 {
			s.log.Warn().Err(err).Int("failed", len(failed)).Msg("failed to delete test events")
		}
	}
	return regular
}

// downloadBatch fetches objects in parallel. Objects that fail to download
// or whose metadata cannot be read are dropped from the batch. Event order
// is preserved so the resulting manifest is deterministic for a given batch.
func (s *Source) downloadBatch(ctx context.Context, events []queue.ObjectEvent, workDir string) []downloaded {
	results := make([]*downloaded, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DownloadWorkers)
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			localPath := filepath.Join(workDir, util.UniqueLocalName(ev.Key))
			if err := s.store.Download(gctx, ev.Bucket, ev.Key, localPath); err != nil {
				s.log.Warn().Err(err).Str("bucket", ev.Bucket).Str("key", ev.Key).Msg("download failed, dropping object")
				return nil
			}
			meta, err := s.store.HeadMetadata(gctx, ev.Bucket, ev.Key)
			if err != nil {
				s.log.Warn().Err(err).Str("key", ev.Key).Msg("head failed, dropping object")
				os.Remove(localPath)
				return nil
			}
			tags, err := s.store.GetTags(gctx, ev.Bucket, ev.Key)
			if err != nil {
				s.log.Warn().Err(err).Str("key", ev.Key).Msg("tag fetch failed, continuing without tags")
				tags = nil
			}
			results[i] = &downloaded{event: ev, path: localPath, meta: meta, tags: tags}
			return nil
		})
	}
	g.Wait()

	objects := make([]downloaded, 0, len(events))
	for _, r := range results {
		if r != nil {
			objects = append(objects, *r)
		}
	}
	return objects
}

func (s *Source) buildManifest(objects []downloaded, destinations []params.Destination, prefix, workDir string) (string, []archive.FileEntry, error) {
	records := make([]archive.ObjectRecord, 0, len(objects))
	entries := make([]archive.FileEntry, 0, len(objects)+1)

	manifestPath := filepath.Join(workDir, archive.ManifestName)
	entries = append(entries, archive.FileEntry{SourcePath: manifestPath, ArchivePath: archive.ManifestName})

	for _, obj := range objects {
		relative := util.RelativeKey(obj.event.Key, s.cfg.MonitoredPrefix)
		records = append(records, archive.ObjectRecord{
			SourceBucket: obj.event.Bucket,
			SourcePrefix: prefix,
			ObjectName:   filepath.Base(obj.event.Key),
			RelativeKey:  relative,
			Tags:         obj.tags,
			CreationTime: obj.meta.LastModified.UTC().Format(creationTimeLayout),
			ETag:         obj.meta.ETag,
			Size:         obj.meta.Size,
			StorageClass: obj.meta.StorageClass,
		})
		entries = append(entries, archive.FileEntry{
			SourcePath:  obj.path,
			ArchivePath: archive.ObjectPrefix + relative,
		})
	}

	manifest, err := archive.NewManifest(destinations, records)
	if err != nil {
		return "", nil, err
	}
	if err := archive.WriteManifest(manifest, manifestPath); err != nil {
		return "", nil, err
	}
	return manifestPath, entries, nil
}

// groupingPrefix returns the configured monitored prefix when set, otherwise
// the parent folder of the batch's first object key.
func (s *Source) groupingPrefix(firstKey string) string {
	if s.cfg.MonitoredPrefix != "" {
		return s.cfg.MonitoredPrefix
	}
	return util.ParentFolder(firstKey)
}

func (s *Source) ack(ctx context.Context, msgs []queue.Message) {
	handles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		handles = append(handles, m.ReceiptHandle)
	}
	_, failed, err := s.queue.DeleteBatch(ctx, handles)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to acknowledge messages")
		return
	}
	if len(failed) > 0 {
		s.log.Warn().Int("failed", len(failed)).Msg("some messages not acknowledged, they will be redelivered")
	}
}
