package storage

import (
	"strings"
	"testing"
)

func TestBuildKeyScopesByOwner(t *testing.T) {
	key := BuildKey("owner-1", "lunch receipt.JPG")
	if !strings.HasPrefix(key, "receipts/owner-1/") {
		t.Fatalf("key = %q", key)
	}
	if !strings.HasSuffix(key, ".jpg") {
		t.Fatalf("extension not normalized: %q", key)
	}
}

func TestBuildKeyIgnoresPathTraversal(t *testing.T) {
	key := BuildKey("owner-1", "../../etc/passwd")
	if strings.Contains(key, "..") {
		t.Fatalf("traversal survived: %q", key)
	}
	if !strings.HasPrefix(key, "receipts/owner-1/") {
		t.Fatalf("key = %q", key)
	}
}

func TestBuildKeyUniquePerUpload(t *testing.T) {
	a := BuildKey("owner-1", "receipt.png")
	b := BuildKey("owner-1", "receipt.png")
	if a == b {
		t.Fatal("keys must not collide for repeated filenames")
	}
}
