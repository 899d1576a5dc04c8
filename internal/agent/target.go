package agent

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/s3-cross-region-compressor/internal/archive"
	"github.com/rowjay/s3-cross-region-compressor/internal/metrics"
	"github.com/rowjay/s3-cross-region-compressor/internal/params"
	"github.com/rowjay/s3-cross-region-compressor/internal/queue"
	"github.com/rowjay/s3-cross-region-compressor/internal/storage"
	"github.com/rowjay/s3-cross-region-compressor/internal/util"
)

// TargetConfig carries the target agent's runtime options.
type TargetConfig struct {
	Region      string
	MaxMessages int32
	IdleSleep   time.Duration
	ErrorSleep  time.Duration
	BackupLevel int
}

// Target polls staging-bucket notifications, unpacks each archive and fans
// its objects out to every destination configured for this agent's region.
type Target struct {
	cfg      TargetConfig
	queue    queue.Queue
	store    storage.ObjectStore
	engine   *archive.Engine
	reporter metrics.Reporter
	catalog  *Catalog
	log      zerolog.Logger
}

func NewTarget(cfg TargetConfig, q queue.Queue, store storage.ObjectStore, engine *archive.Engine, reporter metrics.Reporter, catalog *Catalog, log zerolog.Logger) *Target {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.BackupLevel <= 0 {
		cfg.BackupLevel = 3
	}
	return &Target{
		cfg:      cfg,
		queue:    q,
		store:    store,
		engine:   engine,
		reporter: reporter,
		catalog:  catalog,
		log:      log,
	}
}

// Run polls until ctx is cancelled.
func (t *Target) Run(ctx context.Context) error {
	t.log.Info().Str("region", t.cfg.Region).Msg("target agent started")
	for {
		if ctx.Err() != nil {
			t.log.Info().Msg("target agent stopping")
			return nil
		}
		busy, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			t.log.Error().Err(err).Msg("poll cycle failed")
			sleepCtx(ctx, t.cfg.ErrorSleep)
			continue
		}
		if !busy {
			sleepCtx(ctx, t.cfg.IdleSleep)
		}
	}
}

func (t *Target) poll(ctx context.Context) (bool, error) {
	msgs, err := t.queue.ReceiveBatch(ctx, t.cfg.MaxMessages)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	for _, m := range msgs {
		if queue.IsTestEvent(m) {
			t.log.Info().Msg("discarding test event")
		} else {
			for _, ev := range queue.ExtractObjectEvents(m) {
				if err := t.processArchive(ctx, ev.Bucket, ev.Key); err != nil {
					// Partial failures are not requeued. The archive stays
					// in staging for manual replay.
					t.log.Error().Err(err).Str("archive", ev.Key).Msg("archive processing incomplete")
				}
			}
		}
		if _, failed, err := t.queue.DeleteBatch(ctx, []string{m.ReceiptHandle}); err != nil || len(failed) > 0 {
			t.log.Warn().Err(err).Msg("failed to acknowledge message")
		}
	}
	return true, nil
}

// processArchive replicates one staged archive. The staging copy is removed
// only when every upload on every path succeeded.
func (t *Target) processArchive(ctx context.Context, stagingBucket, archiveKey string) error {
	workDir, err := archive.CreateWorkDir()
	if err != nil {
		return err
	}
	defer archive.RemoveWorkDir(workDir)

	archivePath := filepath.Join(workDir, path.Base(archiveKey))
	if err := t.store.Download(ctx, stagingBucket, archiveKey, archivePath); err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	start := time.Now()
	tarPath := filepath.Join(workDir, "archive.tar")
	compressedSize, decompressedSize, err := t.engine.Decompress(archivePath, tarPath)
	if err != nil {
		return fmt.Errorf("decompress archive: %w", err)
	}

	manifestPath, err := archive.ExtractManifest(tarPath, workDir)
	if err != nil {
		return fmt.Errorf("extract manifest: %w", err)
	}
	manifest, err := archive.ReadManifest(manifestPath)
	if err != nil {
		return err
	}

	var backupTargets, normalTargets []params.Destination
	for _, d := range manifest.Targets {
		if d.Region != t.cfg.Region {
			continue
		}
		if d.Backup {
			backupTargets = append(backupTargets, d)
		} else {
			normalTargets = append(normalTargets, d)
		}
	}
	if len(backupTargets) == 0 && len(normalTargets) == 0 {
		t.log.Warn().Str("archive", archiveKey).Str("region", t.cfg.Region).
			Msg("archive has no targets for this region")
		return nil
	}

	allOK := true
	if len(backupTargets) > 0 {
		if !t.replicateBackup(ctx, manifest, backupTargets, archivePath, tarPath, workDir, stagingBucket, archiveKey) {
			allOK = false
		}
	}
	if len(normalTargets) > 0 {
		if !t.replicateObjects(ctx, manifest, normalTargets, tarPath, workDir) {
			allOK = false
		}
	}

	for _, d := range append(append([]params.Destination{}, normalTargets...), backupTargets...) {
		t.reporter.ReportDecompression(ctx, metrics.DecompressionSample{
			TargetBucket:     d.Bucket,
			CompressedSize:   compressedSize,
			DecompressedSize: decompressedSize,
			ObjectCount:      len(manifest.Objects),
			Elapsed:          time.Since(start),
		})
	}

	if !allOK {
		return fmt.Errorf("one or more uploads failed for %s", archiveKey)
	}
	if err := t.store.Delete(ctx, stagingBucket, archiveKey); err != nil {
		t.log.Warn().Err(err).Str("archive", archiveKey).Msg("failed to remove staged archive")
	}
	t.log.Info().Str("archive", archiveKey).Int("objects", len(manifest.Objects)).Msg("archive replicated")
	return nil
}

// replicateObjects stream-extracts each member and uploads it to every
// non-backup target, deleting the extracted file as soon as its uploads
// are done.
func (t *Target) replicateObjects(ctx context.Context, manifest *archive.Manifest, targets []params.Destination, tarPath, workDir string) bool {
	byKey := make(map[string]archive.ObjectRecord, len(manifest.Objects))
	for _, rec := range manifest.Objects {
		byKey[rec.RelativeKey] = rec
	}

	members, err := archive.TarMembers(tarPath)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to list archive members")
		return false
	}

	ok := true
	for _, member := range members {
		if !strings.HasPrefix(member, archive.ObjectPrefix) {
			continue
		}
		relative := strings.TrimPrefix(member, archive.ObjectPrefix)
		rec, found := byKey[relative]
		if !found {
			t.log.Warn().Str("member", member).Msg("archive member missing from manifest, skipping")
			continue
		}
		extracted, err := archive.ExtractMember(tarPath, member, workDir)
		if err != nil {
			t.log.Error().Err(err).Str("member", member).Msg("extraction failed")
			ok = false
			continue
		}
		for _, d := range targets {
			targetKey := util.BuildTargetKey(rec.SourcePrefix, relative)
			opts := storage.PutOptions{
				Tags:         propagatedTags(rec),
				StorageClass: d.StorageClass,
				KMSKeyARN:    d.KMSKeyARN,
			}
			if opts.StorageClass == "" {
				opts.StorageClass = rec.StorageClass
			}
			if err := t.store.Upload(ctx, extracted, d.Bucket, targetKey, opts); err != nil {
				t.log.Error().Err(err).Str("bucket", d.Bucket).Str("key", targetKey).Msg("object upload failed")
				ok = false
			}
		}
		os.Remove(extracted)
	}
	return ok
}

// replicateBackup handles backup-flagged targets. When every object shares
// one parent folder the original archive is re-uploaded as is; otherwise the
// batch is regrouped into one archive per folder so backup archives never
// mix unrelated prefixes.
func (t *Target) replicateBackup(ctx context.Context, manifest *archive.Manifest, targets []params.Destination, archivePath, tarPath, workDir, stagingBucket, archiveKey string) bool {
	folders := make(map[string][]archive.ObjectRecord)
	for _, rec := range manifest.Objects {
		folder := util.ParentFolder(rec.RelativeKey)
		folders[folder] = append(folders[folder], rec)
	}

	if len(folders) == 1 {
		return t.uploadBackupArchive(ctx, manifest, targets, archivePath, path.Base(archiveKey), firstFolder(folders))
	}

	ok := true
	for folder, records := range folders {
		groupDir := filepath.Join(workDir, "regroup", strings.ReplaceAll(folder, "/", "_"))
		if err := os.MkdirAll(groupDir, 0o700); err != nil {
			t.log.Error().Err(err).Str("folder", folder).Msg("failed to create regroup dir")
			ok = false
			continue
		}
		result, err := t.regroupFolder(manifest, targets, records, tarPath, groupDir)
		if err != nil {
			t.log.Error().Err(err).Str("folder", folder).Msg("regroup failed")
			ok = false
			continue
		}
		scoped := manifest.WithTargets(targets).WithObjects(records)
		if !t.uploadBackupArchive(ctx, scoped, targets, result.Path, filepath.Base(result.Path), folder) {
			ok = false
		}
		os.Remove(result.Path)
	}
	return ok
}

// regroupFolder builds a fresh archive containing only one folder's objects.
func (t *Target) regroupFolder(manifest *archive.Manifest, targets []params.Destination, records []archive.ObjectRecord, tarPath, groupDir string) (archive.CompressResult, error) {
	scoped := manifest.WithTargets(targets).WithObjects(records)
	manifestPath := filepath.Join(groupDir, archive.ManifestName)
	if err := archive.WriteManifest(scoped, manifestPath); err != nil {
		return archive.CompressResult{}, err
	}

	entries := []archive.FileEntry{{SourcePath: manifestPath, ArchivePath: archive.ManifestName}}
	for _, rec := range records {
		member := archive.ObjectPrefix + rec.RelativeKey
		extracted, err := archive.ExtractMember(tarPath, member, groupDir)
		if err != nil {
			return archive.CompressResult{}, err
		}
		entries = append(entries, archive.FileEntry{SourcePath: extracted, ArchivePath: member})
	}

	result, err := t.engine.CompressObjects(entries, groupDir, t.cfg.BackupLevel)
	if err != nil {
		return archive.CompressResult{}, err
	}
	renamed := filepath.Join(groupDir, util.BuildArchiveName())
	if err := os.Rename(result.Path, renamed); err != nil {
		return archive.CompressResult{}, err
	}
	result.Path = renamed
	return result, nil
}

func (t *Target) uploadBackupArchive(ctx context.Context, manifest *archive.Manifest, targets []params.Destination, archivePath, archiveName, folder string) bool {
	if len(manifest.Objects) == 0 {
		return true
	}
	sourcePrefix := manifest.Objects[0].SourcePrefix
	key := path.Join(util.BuildTargetKey(sourcePrefix, folder), archiveName)

	ok := true
	for _, d := range targets {
		opts := storage.PutOptions{StorageClass: d.StorageClass, KMSKeyARN: d.KMSKeyARN}
		if err := t.store.Upload(ctx, archivePath, d.Bucket, key, opts); err != nil {
			t.log.Error().Err(err).Str("bucket", d.Bucket).Str("key", key).Msg("backup upload failed")
			ok = false
			continue
		}
		if err := t.catalog.WriteRecords(ctx, manifest.Objects, d.Bucket, key); err != nil {
			t.log.Warn().Err(err).Str("bucket", d.Bucket).Msg("failed to write catalog records")
		}
	}
	return ok
}

func propagatedTags(rec archive.ObjectRecord) map[string]string {
	tags := make(map[string]string, len(rec.Tags)+2)
	for k, v := range rec.Tags {
		tags[k] = v
	}
	tags["OriginalCreationTime"] = rec.CreationTime
	tags["OriginalETag"] = rec.ETag
	return tags
}

func firstFolder(folders map[string][]archive.ObjectRecord) string {
	for folder := range folders {
		return folder
	}
	return ""
}
