package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrMemberNotFound reports a tar member missing from the archive.
var ErrMemberNotFound = errors.New("archive member not found")

// Decompress streams a zstd archive into a tar file at tarPath and reports
// the compressed and decompressed byte counts.
func (e *Engine) Decompress(archivePath, tarPath string) (compressedSize, decompressedSize int64, err error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("stat archive: %w", err)
	}
	compressedSize = info.Size()

	src, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(tarPath)
	if err != nil {
		return 0, 0, fmt.Errorf("create tar: %w", err)
	}
	defer dst.Close()

	readSize, writeSize := BufferSizes(AvailableMemory(), e.memoryShare(), decompressReadFraction)
	reader := bufio.NewReaderSize(src, readSize)
	writer := bufio.NewWriterSize(dst, writeSize)

	dec, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(e.concurrency))
	if err != nil {
		return 0, 0, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()

	decompressedSize, err = io.Copy(writer, dec)
	if err != nil {
		return 0, 0, fmt.Errorf("decompress: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flush tar: %w", err)
	}
	return compressedSize, decompressedSize, nil
}

// ExtractManifest pulls only manifest.json out of a tar file and writes it
// under destDir, leaving object payloads inside the tar for later streaming.
func ExtractManifest(tarPath, destDir string) (string, error) {
	manifestPath := filepath.Join(destDir, ManifestName)
	if err := extractMember(tarPath, ManifestName, manifestPath); err != nil {
		return "", err
	}
	return manifestPath, nil
}

// TarMembers lists the regular-file member names in a tar archive.
func TarMembers(tarPath string) ([]string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("open tar: %w", err)
	}
	defer f.Close()

	var members []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			members = append(members, hdr.Name)
		}
	}
	return members, nil
}

// ExtractMember streams a single member out of a tar archive into destDir
// and returns the extracted file's path. The member's path is flattened so
// a crafted archive cannot escape destDir.
func ExtractMember(tarPath, member, destDir string) (string, error) {
	outPath := filepath.Join(destDir, sanitizeMemberName(member))
	if err := extractMember(tarPath, member, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func extractMember(tarPath, member, outPath string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("open tar: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, member)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Name != member || hdr.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			os.Remove(outPath)
			return fmt.Errorf("extract %s: %w", member, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", outPath, err)
		}
		return nil
	}
}

func sanitizeMemberName(member string) string {
	name := strings.ReplaceAll(member, "/", "_")
	return strings.TrimPrefix(filepath.Clean(name), ".")
}
