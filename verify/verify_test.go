package verify

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"schemafreeze/declare"
	"schemafreeze/export"
	"schemafreeze/schema"
)

func materializeV1(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL)`)
	return err
}

func materializeV2(ctx context.Context, db *sql.DB) error {
	if err := materializeV1(ctx, db); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN name TEXT`)
	return err
}

func registerAll(t *testing.T) {
	t.Helper()
	declare.Reset()
	t.Cleanup(declare.Reset)

	declare.SchemaVersion(declare.Schema{
		Version: "1.0.0", Type: "AppSchemaV1", Materialize: materializeV1,
	})
	declare.SchemaVersion(declare.Schema{
		Version: "2.0.0", Type: "AppSchemaV2", Materialize: materializeV2,
	})
	declare.MigrationPlan(declare.Plan{
		Type:     "AppMigrationPlan",
		Versions: []string{"1.0.0", "2.0.0"},
		Apply: func(ctx context.Context, db *sql.DB, from, to string) error {
			_, err := db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN name TEXT`)
			return err
		},
	})
}

// freezeInto runs the real export path and promotes the dead-drop artifacts
// into a fixtures layout, standing in for a committed freeze.
func freezeInto(t *testing.T, fixturesDir, version string) {
	t.Helper()

	dropDir := t.TempDir()
	if err := export.Run(context.Background(), export.Options{
		Version:   version,
		ExportDir: dropDir,
	}); err != nil {
		t.Fatalf("export.Run(%s): %v", version, err)
	}

	src := filepath.Join(dropDir, version)
	dst := filepath.Join(fixturesDir, version)
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNoDriftMatches(t *testing.T) {
	registerAll(t)
	fixtures := t.TempDir()
	freezeInto(t, fixtures, "1.0.0")

	NoDrift(t, fixtures, "1.0.0")
}

func TestNoDriftDetectsChange(t *testing.T) {
	registerAll(t)
	fixtures := t.TempDir()
	freezeInto(t, fixtures, "1.0.0")

	// Corrupt the stored fingerprint to simulate drift.
	path := filepath.Join(fixtures, "1.0.0", schema.FingerprintFileName("1.0.0"))
	if err := os.WriteFile(path, []byte("0000000000000000000000000000000000000000000000000000000000000000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &recordingTB{TB: t}
	NoDrift(rec, fixtures, "1.0.0")
	if !rec.failed {
		t.Error("NoDrift should report drift against a mismatched fingerprint")
	}
}

func TestMigrationPathExecutes(t *testing.T) {
	registerAll(t)
	fixtures := t.TempDir()
	freezeInto(t, fixtures, "1.0.0")

	Migration(t, fixtures, "1.0.0", "2.0.0")
}

func TestMigrationStructuralMismatch(t *testing.T) {
	registerAll(t)
	fixtures := t.TempDir()
	freezeInto(t, fixtures, "1.0.0")

	// Re-register v2 with an extra table the plan never creates.
	declare.Reset()
	declare.SchemaVersion(declare.Schema{
		Version: "1.0.0", Type: "AppSchemaV1", Materialize: materializeV1,
	})
	declare.SchemaVersion(declare.Schema{
		Version: "2.0.0", Type: "AppSchemaV2",
		Materialize: func(ctx context.Context, db *sql.DB) error {
			if err := materializeV2(ctx, db); err != nil {
				return err
			}
			_, err := db.ExecContext(ctx, `CREATE TABLE orphans (id INTEGER PRIMARY KEY)`)
			return err
		},
	})
	declare.MigrationPlan(declare.Plan{
		Type:     "AppMigrationPlan",
		Versions: []string{"1.0.0", "2.0.0"},
		Apply: func(ctx context.Context, db *sql.DB, from, to string) error {
			_, err := db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN name TEXT`)
			return err
		},
	})

	rec := &recordingTB{TB: t}
	Migration(rec, fixtures, "1.0.0", "2.0.0")
	if !rec.failed {
		t.Error("Migration should report a structural mismatch")
	}
}

// recordingTB captures Errorf instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Errorf(format string, args ...any) { r.failed = true }

func (r *recordingTB) Helper() {}
