package storage

import (
	"context"
	"time"
)

// ObjectMeta is the subset of object metadata the agents need from a head
// call. Absent objects are reported through the error, not a nil Meta.
type ObjectMeta struct {
	Size         int64
	ETag         string
	LastModified time.Time
	StorageClass string
}

// PutOptions carries the per-object overrides a destination may specify.
// Zero values mean "no override".
type PutOptions struct {
	Tags         map[string]string
	StorageClass string
	KMSKeyARN    string
}

// ObjectStore is the blob-store capability both agents consume. The S3
// implementation is the only production one; tests provide fakes.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key, localPath string) error
	HeadMetadata(ctx context.Context, bucket, key string) (ObjectMeta, error)
	GetTags(ctx context.Context, bucket, key string) (map[string]string, error)
	Upload(ctx context.Context, localPath, bucket, key string, opts PutOptions) error
	Delete(ctx context.Context, bucket, key string) error
}
