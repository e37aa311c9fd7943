package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"schemafreeze/schema"
)

func writeArtifacts(t *testing.T, root, version string, names []string) {
	t.Helper()
	dir := filepath.Join(root, version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCollectCompleteSet(t *testing.T) {
	root := t.TempDir()
	writeArtifacts(t, root, "1.0.0", schema.ArtifactFileNames("1.0.0"))

	c := &Collector{ExportRoot: root}
	set, err := c.Collect(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if set.Version != "1.0.0" {
		t.Errorf("Version = %q", set.Version)
	}
	for _, path := range []string{set.Snapshot, set.Manifest, set.Fingerprint, set.Metadata} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact path %s: %v", path, err)
		}
	}
}

func TestCollectIncompleteNamesMissingFiles(t *testing.T) {
	root := t.TempDir()
	names := schema.ArtifactFileNames("1.0.0")
	// Drop the fingerprint and metadata.
	writeArtifacts(t, root, "1.0.0", names[:2])

	c := &Collector{ExportRoot: root}
	_, err := c.Collect(context.Background(), "1.0.0")

	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("want IncompleteError, got %v", err)
	}
	if len(inc.Missing) != 2 {
		t.Errorf("Missing = %v, want 2 entries", inc.Missing)
	}
	want := schema.FingerprintFileName("1.0.0")
	found := false
	for _, m := range inc.Missing {
		if m == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing = %v, should name %s", inc.Missing, want)
	}
}

func TestCollectWaitsForLateArtifacts(t *testing.T) {
	root := t.TempDir()
	names := schema.ArtifactFileNames("2.0.0")
	writeArtifacts(t, root, "2.0.0", names[:3])

	go func() {
		time.Sleep(150 * time.Millisecond)
		writeArtifacts(t, root, "2.0.0", names[3:])
	}()

	c := &Collector{ExportRoot: root, Wait: 3 * time.Second}
	start := time.Now()
	set, err := c.Collect(context.Background(), "2.0.0")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if set == nil {
		t.Fatal("nil set")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("collector did not react to the late artifact promptly")
	}
}

func TestCollectGracePeriodExpires(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "3.0.0"), 0755); err != nil {
		t.Fatal(err)
	}

	c := &Collector{ExportRoot: root, Wait: 100 * time.Millisecond}
	_, err := c.Collect(context.Background(), "3.0.0")

	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("want IncompleteError after grace period, got %v", err)
	}
	if len(inc.Missing) != 4 {
		t.Errorf("Missing = %v, want all four artifacts", inc.Missing)
	}
}

func TestCollectCancellation(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := &Collector{ExportRoot: root, Wait: 10 * time.Second}
	_, err := c.Collect(ctx, "1.0.0")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestReadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export_metadata.txt")
	content := "origin: example.com/app\nexported_at: 2026-08-25T12:00:00Z\nversion: 1.0.0\nrun_id: abc\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	meta, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta["version"] != "1.0.0" {
		t.Errorf("version = %q", meta["version"])
	}
	if meta["exported_at"] != "2026-08-25T12:00:00Z" {
		t.Errorf("exported_at = %q", meta["exported_at"])
	}
}

func TestReadMetadataMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export_metadata.txt")
	if err := os.WriteFile(path, []byte("no separator here\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMetadata(path); err == nil {
		t.Error("malformed metadata should error")
	}
}
