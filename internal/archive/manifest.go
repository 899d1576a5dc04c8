// Package archive implements the replication wire format: a tar container
// holding manifest.json plus one entry per object under objects/<relative_key>,
// compressed as a single zstd frame.
package archive

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rowjay/s3-cross-region-compressor/internal/params"
)

const (
	ManifestName = "manifest.json"
	ObjectPrefix = "objects/"
)

// ObjectRecord describes one replicated object. Created when the object is
// downloaded and immutable thereafter.
type ObjectRecord struct {
	SourceBucket string            `json:"source_bucket"`
	SourcePrefix string            `json:"source_prefix"`
	ObjectName   string            `json:"object_name"`
	RelativeKey  string            `json:"relative_key"`
	Tags         map[string]string `json:"tags"`
	CreationTime string            `json:"creation_time"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
	StorageClass string            `json:"storage_class"`
}

// Manifest is the self-describing archive header. It is created once per
// batch on the source side and never mutated; target-side code derives
// filtered copies instead.
type Manifest struct {
	Targets []params.Destination `json:"targets"`
	Objects []ObjectRecord       `json:"objects"`
}

// NewManifest builds a manifest and rejects relative-key collisions, which
// would silently overwrite files on extraction.
func NewManifest(targets []params.Destination, objects []ObjectRecord) (*Manifest, error) {
	seen := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		if _, dup := seen[obj.RelativeKey]; dup {
			return nil, fmt.Errorf("duplicate relative key in manifest: %s", obj.RelativeKey)
		}
		seen[obj.RelativeKey] = struct{}{}
	}
	return &Manifest{Targets: targets, Objects: objects}, nil
}

// WithTargets returns a copy of the manifest scoped to the given targets.
// The original is left untouched.
func (m *Manifest) WithTargets(targets []params.Destination) *Manifest {
	return &Manifest{Targets: targets, Objects: m.Objects}
}

// WithObjects returns a copy scoped to a subset of objects.
func (m *Manifest) WithObjects(objects []ObjectRecord) *Manifest {
	return &Manifest{Targets: m.Targets, Objects: objects}
}

// WriteManifest serializes the manifest to path as indented JSON.
func WriteManifest(m *Manifest, path string) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest from path.
func ReadManifest(path string) (*Manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
