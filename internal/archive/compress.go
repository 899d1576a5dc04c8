package archive

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	compressReadFraction   = 0.45
	decompressReadFraction = 0.25
)

// FileEntry maps a local file to its path inside the archive.
type FileEntry struct {
	SourcePath  string
	ArchivePath string
}

// CompressResult reports the outcome of a successful archive build.
type CompressResult struct {
	Path           string
	OriginalSize   int64
	CompressedSize int64
	Level          int
	Elapsed        time.Duration
}

// Engine performs streaming compression and decompression with buffers
// sized from a share of available memory.
type Engine struct {
	share       int
	concurrency int
	log         zerolog.Logger
}

// NewEngine builds an engine claiming the given share of available memory
// for I/O buffers, expressed as a fraction in (0, 1].
func NewEngine(memoryShare float64, log zerolog.Logger) *Engine {
	return &Engine{
		share:       int(memoryShare * 1000),
		concurrency: runtime.NumCPU(),
		log:         log,
	}
}

func (e *Engine) memoryShare() float64 {
	return float64(e.share) / 1000
}

// CompressObjects builds a tar containing the manifest and every entry,
// then compresses it into a single zstd frame at the given level. Source
// files other than the manifest are deleted as soon as they are archived.
// On failure the returned result is zero valued.
func (e *Engine) CompressObjects(entries []FileEntry, outputDir string, level int) (CompressResult, error) {
	start := time.Now()

	tarPath := filepath.Join(outputDir, "batch.tar")
	originalSize, err := e.buildTar(entries, tarPath)
	if err != nil {
		os.Remove(tarPath)
		return CompressResult{}, err
	}

	archivePath := tarPath + ".zst"
	compressedSize, err := e.compressFile(tarPath, archivePath, level)
	os.Remove(tarPath)
	if err != nil {
		os.Remove(archivePath)
		return CompressResult{}, err
	}

	return CompressResult{
		Path:           archivePath,
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Level:          level,
		Elapsed:        time.Since(start),
	}, nil
}

func (e *Engine) buildTar(entries []FileEntry, tarPath string) (int64, error) {
	out, err := os.Create(tarPath)
	if err != nil {
		return 0, fmt.Errorf("create tar: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	var total int64
	for _, entry := range entries {
		n, err := addTarEntry(tw, entry)
		if err != nil {
			tw.Close()
			return 0, err
		}
		total += n
		if entry.ArchivePath != ManifestName {
			if err := os.Remove(entry.SourcePath); err != nil {
				e.log.Warn().Err(err).Str("path", entry.SourcePath).Msg("failed to remove archived file")
			}
		}
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("finalize tar: %w", err)
	}
	return total, nil
}

func addTarEntry(tw *tar.Writer, entry FileEntry) (int64, error) {
	f, err := os.Open(entry.SourcePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", entry.SourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", entry.SourcePath, err)
	}
	hdr := &tar.Header{
		Name:    entry.ArchivePath,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write tar header %s: %w", entry.ArchivePath, err)
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return 0, fmt.Errorf("write tar entry %s: %w", entry.ArchivePath, err)
	}
	return n, nil
}

func (e *Engine) compressFile(srcPath, dstPath string, level int) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open tar: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer dst.Close()

	readSize, writeSize := BufferSizes(AvailableMemory(), e.memoryShare(), compressReadFraction)
	reader := bufio.NewReaderSize(src, readSize)
	writer := bufio.NewWriterSize(dst, writeSize)

	enc, err := zstd.NewWriter(writer,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(e.concurrency),
	)
	if err != nil {
		return 0, fmt.Errorf("init zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, reader); err != nil {
		enc.Close()
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("finalize zstd frame: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush archive: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}

	info, err := dst.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}
