// Package verify backs the generated verification scaffolds. Drift checks
// compare the frozen fingerprint of a version against the fingerprint of the
// schema as the current code materializes it; migration checks replay the
// declared upgrade path on a copy of the frozen snapshot and confirm it
// lands on the target structure.
//
// Scaffolds are user-owned: these helpers assert the structural baseline and
// leave content-level assertions to the CUSTOMIZE blocks in the scaffold.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"schemafreeze/declare"
	"schemafreeze/schema"
)

// StoredFingerprint reads the committed fingerprint for a frozen version.
func StoredFingerprint(fixturesDir, version string) (string, error) {
	path := filepath.Join(fixturesDir, version, schema.FingerprintFileName(version))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("verify: read stored fingerprint: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// CurrentExport materializes the registered schema for version into a
// throwaway store and returns its structural export. Fails the test if the
// version is not registered or cannot be materialized.
func CurrentExport(tb testing.TB, version string) schema.Export {
	tb.Helper()

	decl, ok := declare.LookupVersion(version)
	if !ok {
		tb.Fatalf("verify: schema version %s is not registered", version)
	}

	db := openTemp(tb, filepath.Join(tb.TempDir(), "current.sqlite"))
	ctx := context.Background()
	if err := decl.Materialize(ctx, db); err != nil {
		tb.Fatalf("verify: materialize %s: %v", version, err)
	}

	export, err := schema.ReadExport(ctx, db, version)
	if err != nil {
		tb.Fatalf("verify: read export: %v", err)
	}
	return export
}

// NoDrift asserts that the current definition of a frozen version still
// fingerprints to its committed value. On drift it reports both fingerprints;
// a false positive here means the schema changed shape and either the change
// must be reverted or the version explicitly re-frozen with --force.
func NoDrift(tb testing.TB, fixturesDir, version string) {
	tb.Helper()

	stored, err := StoredFingerprint(fixturesDir, version)
	if err != nil {
		tb.Fatalf("verify: %v (has version %s been frozen?)", err, version)
	}

	current, err := schema.Fingerprint(CurrentExport(tb, version))
	if err != nil {
		tb.Fatalf("verify: fingerprint current schema: %v", err)
	}

	if res := schema.Compare(stored, current); !res.Match {
		tb.Errorf("schema drift detected for version %s:\n  expected %s\n  actual   %s\n"+
			"The live schema no longer matches the frozen fixture. "+
			"Revert the change or re-freeze with `schemafreeze freeze %s --force`.",
			version, res.Expected, res.Actual, version)
	}
}

// Migration replays the declared upgrade path from one frozen version to a
// later one against a copy of the frozen snapshot, then asserts the result
// matches the target version's current structure.
func Migration(tb testing.TB, fixturesDir, from, to string) {
	tb.Helper()

	plan, ok := declare.PlanCovering(from, to)
	if !ok {
		tb.Fatalf("verify: no registered migration plan covers %s -> %s", from, to)
	}

	snapshot := filepath.Join(fixturesDir, from, schema.SnapshotFileName(from))
	working := filepath.Join(tb.TempDir(), "migrating.sqlite")
	if err := copyFile(snapshot, working); err != nil {
		tb.Fatalf("verify: copy frozen snapshot %s: %v (has version %s been frozen?)", snapshot, err, from)
	}

	db := openTemp(tb, working)
	ctx := context.Background()

	for _, step := range pathSteps(plan, from, to) {
		if err := plan.Apply(ctx, db, step.from, step.to); err != nil {
			tb.Fatalf("verify: migration step %s -> %s failed: %v", step.from, step.to, err)
		}
	}

	migrated, err := schema.ReadExport(ctx, db, to)
	if err != nil {
		tb.Fatalf("verify: read migrated export: %v", err)
	}

	target := CurrentExport(tb, to)
	migratedFP, err := schema.Fingerprint(migrated)
	if err != nil {
		tb.Fatalf("verify: fingerprint migrated schema: %v", err)
	}
	targetFP, err := schema.Fingerprint(target)
	if err != nil {
		tb.Fatalf("verify: fingerprint target schema: %v", err)
	}
	if res := schema.Compare(targetFP, migratedFP); !res.Match {
		tb.Errorf("migrated structure does not match schema version %s:\n  expected %s\n  actual   %s\n%s",
			to, res.Expected, res.Actual, cmp.Diff(target, migrated))
	}
}

type migrationPair struct {
	from, to string
}

// pathSteps returns the adjacent (from, to) pairs of the plan's path between
// the two endpoints.
func pathSteps(plan declare.Plan, from, to string) []migrationPair {
	fi, ti := -1, -1
	for i, v := range plan.Versions {
		if v == from {
			fi = i
		}
		if v == to {
			ti = i
		}
	}
	var steps []migrationPair
	for i := fi; i >= 0 && i < ti; i++ {
		steps = append(steps, migrationPair{from: plan.Versions[i], to: plan.Versions[i+1]})
	}
	return steps
}

func openTemp(tb testing.TB, path string) *sql.DB {
	tb.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		tb.Fatalf("verify: open %s: %v", path, err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
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
