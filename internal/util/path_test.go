package util

import (
	"strings"
	"testing"
)

func TestBuildStagingKey(t *testing.T) {
	key := BuildStagingKey("src-bucket", "logs/app")
	if !strings.HasPrefix(key, "src-bucket/logs/app/") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	if !strings.HasSuffix(key, ".tar.zst") {
		t.Fatalf("unexpected suffix: %s", key)
	}

	key = BuildStagingKey("src-bucket", "")
	if !strings.HasPrefix(key, "src-bucket/") || strings.Count(key, "/") != 1 {
		t.Fatalf("prefix segment should be omitted: %s", key)
	}
}

func TestBuildTargetKey(t *testing.T) {
	if got := BuildTargetKey("logs/app", "2024/01/x.txt"); got != "logs/app/2024/01/x.txt" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := BuildTargetKey("", "x.txt"); got != "x.txt" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestRelativeKey(t *testing.T) {
	if got := RelativeKey("logs/app/x.txt", "logs/app"); got != "x.txt" {
		t.Fatalf("unexpected relative key: %s", got)
	}
	if got := RelativeKey("other/x.txt", "logs/app"); got != "other/x.txt" {
		t.Fatalf("keys outside the prefix must pass through: %s", got)
	}
	if got := RelativeKey("x.txt", ""); got != "x.txt" {
		t.Fatalf("unexpected relative key: %s", got)
	}
}

func TestParentFolder(t *testing.T) {
	if got := ParentFolder("2024/01/x.txt"); got != "2024/01" {
		t.Fatalf("unexpected folder: %s", got)
	}
	if got := ParentFolder("x.txt"); got != "" {
		t.Fatalf("root keys have no folder: %s", got)
	}
}

func TestUniqueLocalNames(t *testing.T) {
	a := UniqueLocalName("folder/x.txt")
	b := UniqueLocalName("folder/x.txt")
	if a == b {
		t.Fatal("local names must be unique")
	}
	if !strings.HasSuffix(a, "_x.txt") {
		t.Fatalf("basename should be kept: %s", a)
	}
	if strings.Contains(a, "/") {
		t.Fatalf("local name must be flat: %s", a)
	}
}
