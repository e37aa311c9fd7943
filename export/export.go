// Package export runs inside the execution sandbox. It materializes a
// declared schema version into per-run ephemeral storage, derives the
// structural manifest and fingerprint, and as its final act before the
// sandbox's storage disappears copies the whole artifact set into the
// durable dead-drop directory where the orchestrator collects it.
//
// Nothing outside the sandbox ever reads the ephemeral work area; the
// dead-drop is the only supported channel.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"schemafreeze/declare"
	"schemafreeze/schema"
)

// EnvExportDir overrides the dead-drop location. The orchestrator sets it
// for every driver execution so both sides agree on the path.
const EnvExportDir = "SCHEMAFREEZE_EXPORT_DIR"

// EnvDriver gates generated drivers: they skip unless it is "1", so a plain
// `go test ./...` in the host project never triggers a freeze run.
const EnvDriver = "SCHEMAFREEZE_DRIVER"

// Options configures one export run.
type Options struct {
	// Version selects the declared schema version to materialize.
	Version string

	// ExportDir is the dead-drop root. Empty means EnvExportDir, then the
	// fixed well-known default under the system temp directory.
	ExportDir string

	// WorkDir hosts the ephemeral per-run storage. Empty means os.TempDir().
	WorkDir string
}

// DefaultExportDir returns the fixed, well-known dead-drop root.
func DefaultExportDir() string {
	if dir := os.Getenv(EnvExportDir); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "schemafreeze", "export")
}

// Run materializes opts.Version and publishes its artifact set to the
// dead-drop. It is the body of every generated freeze driver.
func Run(ctx context.Context, opts Options) error {
	if opts.Version == "" {
		return fmt.Errorf("export: version required")
	}

	decl, ok := declare.LookupVersion(opts.Version)
	if !ok {
		return fmt.Errorf("export: schema version %s is not registered; "+
			"ensure declare.SchemaVersion runs from an init func in the built package", opts.Version)
	}

	workRoot := opts.WorkDir
	if workRoot == "" {
		workRoot = os.TempDir()
	}

	// Per-run ephemeral storage. Mirrors the sandbox contract: it is gone
	// the moment this run ends, so everything of value must leave through
	// the dead-drop first.
	runDir, err := os.MkdirTemp(workRoot, "schemafreeze-run-*")
	if err != nil {
		return fmt.Errorf("export: create run dir: %w", err)
	}
	defer os.RemoveAll(runDir)

	snapshotPath := filepath.Join(runDir, schema.SnapshotFileName(opts.Version))
	structural, err := materialize(ctx, decl, snapshotPath)
	if err != nil {
		return err
	}

	fingerprint, err := schema.Fingerprint(structural)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	manifestPath := filepath.Join(runDir, schema.ManifestFileName(opts.Version))
	if err := schema.WriteManifest(manifestPath, schema.NewManifest(structural, time.Now())); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fingerprintPath := filepath.Join(runDir, schema.FingerprintFileName(opts.Version))
	if err := os.WriteFile(fingerprintPath, []byte(fingerprint+"\n"), 0644); err != nil {
		return fmt.Errorf("export: write fingerprint: %w", err)
	}

	exportRoot := opts.ExportDir
	if exportRoot == "" {
		exportRoot = DefaultExportDir()
	}
	return deadDrop(runDir, exportRoot, opts.Version)
}

// materialize runs the declared materializer against a fresh snapshot file
// and returns the structural export read back from the result.
func materialize(ctx context.Context, decl declare.Schema, snapshotPath string) (schema.Export, error) {
	db, err := sql.Open("sqlite", snapshotPath)
	if err != nil {
		return schema.Export{}, fmt.Errorf("export: open snapshot: %w", err)
	}
	defer db.Close()

	if err := decl.Materialize(ctx, db); err != nil {
		return schema.Export{}, fmt.Errorf("export: materialize %s (%s): %w", decl.Version, decl.Type, err)
	}

	structural, err := schema.ReadExport(ctx, db, decl.Version)
	if err != nil {
		return schema.Export{}, fmt.Errorf("export: %w", err)
	}
	if len(structural.Entities) == 0 {
		return schema.Export{}, fmt.Errorf("export: materializer for %s produced no entities", decl.Version)
	}
	return structural, nil
}

// deadDrop copies every artifact from the ephemeral run dir into the durable
// export location and writes the metadata record describing the copy. The
// metadata record is written last; its presence marks the set complete.
func deadDrop(runDir, exportRoot, version string) error {
	destDir := filepath.Join(exportRoot, version)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("export: create dead-drop dir: %w", err)
	}

	entries, err := os.ReadDir(runDir)
	if err != nil {
		return fmt.Errorf("export: read run dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(runDir, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("export: dead-drop %s: %w", entry.Name(), err)
		}
	}

	meta := fmt.Sprintf("origin: %s\nexported_at: %s\nversion: %s\nrun_id: %s\n",
		runDir, time.Now().UTC().Format(time.RFC3339), version, uuid.NewString())
	metaPath := filepath.Join(destDir, schema.MetadataFileName)
	if err := os.WriteFile(metaPath, []byte(meta), 0644); err != nil {
		return fmt.Errorf("export: write metadata: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
