package util

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// BuildStagingKey constructs the key a compressed archive is uploaded under
// in the staging bucket: {bucket}/{prefix}/{random}.tar.zst, with the prefix
// segment omitted when empty.
func BuildStagingKey(sourceBucket, prefix string) string {
	name := uuid.New().String()
	name = strings.ReplaceAll(name, "-", "") + ".tar.zst"
	if prefix == "" {
		return path.Join(sourceBucket, name)
	}
	return path.Join(sourceBucket, strings.Trim(prefix, "/"), name)
}

// BuildArchiveName returns a random archive file name for backup regrouping.
func BuildArchiveName() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "") + ".tar.zst"
}

// BuildTargetKey constructs the destination key for an extracted object.
func BuildTargetKey(sourcePrefix, relativeKey string) string {
	if sourcePrefix == "" {
		return relativeKey
	}
	return path.Join(strings.Trim(sourcePrefix, "/"), relativeKey)
}

// RelativeKey strips the monitored prefix (and any leading slashes) from a
// full object key. Keys outside the prefix are returned unchanged.
func RelativeKey(key, monitoredPrefix string) string {
	if monitoredPrefix != "" && strings.HasPrefix(key, monitoredPrefix) {
		return strings.TrimLeft(key[len(monitoredPrefix):], "/")
	}
	return key
}

// ParentFolder returns the directory component of a relative key, or "" for
// keys at the archive root.
func ParentFolder(relativeKey string) string {
	if idx := strings.LastIndex(relativeKey, "/"); idx >= 0 {
		return relativeKey[:idx]
	}
	return ""
}

// UniqueLocalName builds a collision-free scratch file name for a downloaded
// object, keeping the original basename for debuggability.
func UniqueLocalName(key string) string {
	base := path.Base(key)
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(uuid.New().String(), "-", ""), base)
}
