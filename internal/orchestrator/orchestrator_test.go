package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schemafreeze/internal/extract"
	"schemafreeze/internal/fixture"
	"schemafreeze/internal/project"
	"schemafreeze/internal/sandbox"
	"schemafreeze/internal/scaffold"
	"schemafreeze/schema"
)

// scriptedRunner stands in for the go toolchain. On invocation it checks
// that the generated driver exists, optionally drops artifacts into the
// dead-drop the way a real driver run would, and returns a scripted result.
type scriptedRunner struct {
	t          *testing.T
	exportRoot string
	version    string
	artifacts  int // how many of the four artifacts to write
	exitCode   int
	output     string

	driverSeen bool
	lastCmd    sandbox.Command
}

func (r *scriptedRunner) Run(_ context.Context, cmd sandbox.Command) (sandbox.Result, error) {
	r.lastCmd = cmd

	safe := schema.SafeVersion(r.version)
	driver := filepath.Join(cmd.Dir, "internal", "store",
		fmt.Sprintf("schemafreeze_driver_%s_test.go", safe))
	if _, err := os.Stat(driver); err == nil {
		r.driverSeen = true
	}

	if r.exitCode == 0 && r.artifacts > 0 {
		dir := filepath.Join(r.exportRoot, r.version)
		if err := os.MkdirAll(dir, 0755); err != nil {
			r.t.Fatal(err)
		}
		names := schema.ArtifactFileNames(r.version)
		for i := 0; i < r.artifacts && i < len(names); i++ {
			content := "artifact for " + r.version
			if err := os.WriteFile(filepath.Join(dir, names[i]), []byte(content), 0644); err != nil {
				r.t.Fatal(err)
			}
		}
	}
	return sandbox.Result{ExitCode: r.exitCode, Combined: []byte(r.output)}, nil
}

func writeWorkspace(t *testing.T, versions []string, withPlan bool) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"),
		[]byte("module example.com/app\n\ngo 1.24\n"), 0644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(root, "internal", "store")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for i, v := range versions {
		src := fmt.Sprintf(`package store

import "schemafreeze/declare"

func init() {
	declare.SchemaVersion(declare.Schema{
		Version: %q,
		Type:    "AppSchema",
	})
}
`, v)
		name := fmt.Sprintf("schema_v%d.go", i+1)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if withPlan {
		src := `package store

import "schemafreeze/declare"

func init() {
	declare.MigrationPlan(declare.Plan{
		Type:     "AppMigration",
		Versions: []string{"1.0.0", "2.0.0"},
	})
}
`
		if err := os.WriteFile(filepath.Join(dir, "plan.go"), []byte(src), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newPipeline(t *testing.T, root string, runner sandbox.Runner, exportRoot string) *Pipeline {
	t.Helper()
	proj, err := project.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return &Pipeline{
		Project:   proj,
		Runner:    runner,
		Collector: &extract.Collector{ExportRoot: exportRoot},
		Store:     &fixture.Store{Root: filepath.Join(root, "Fixtures")},
		Scaffolds: &scaffold.Engine{
			TestsDir:    filepath.Join(root, "Tests"),
			FixturesRel: "../Fixtures",
			Subject:     "AppSchema",
		},
		ExportDir: exportRoot,
		Timeout:   time.Minute,
	}
}

func TestFreezeFirstVersion(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	exportRoot := t.TempDir()
	runner := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}
	p := newPipeline(t, root, runner, exportRoot)

	report, err := p.Freeze(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if !runner.driverSeen {
		t.Error("driver file was not present during execution")
	}
	if report.Fixture == nil {
		t.Fatal("no fixture committed")
	}
	if !report.DriftScaffold.Created {
		t.Error("first freeze should create the drift scaffold")
	}
	if report.MigrationScaffold != nil {
		t.Error("first freeze must not create a migration scaffold")
	}

	// Driver removed after the run.
	driver := filepath.Join(root, "internal", "store", "schemafreeze_driver_1_0_0_test.go")
	if _, err := os.Stat(driver); !os.IsNotExist(err) {
		t.Error("driver file not cleaned up")
	}

	// The invocation is one combined build-and-test call.
	joined := strings.Join(runner.lastCmd.Args, " ")
	if !strings.Contains(joined, "test -count=1 -run ^TestSchemaFreezeDriver_1_0_0$") {
		t.Errorf("go args = %q", joined)
	}
	if !strings.Contains(joined, "./internal/store") {
		t.Errorf("target package missing from args: %q", joined)
	}
	var hasDriverEnv bool
	for _, e := range runner.lastCmd.Env {
		if e == "SCHEMAFREEZE_DRIVER=1" {
			hasDriverEnv = true
		}
	}
	if !hasDriverEnv {
		t.Errorf("driver gate env missing: %v", runner.lastCmd.Env)
	}
}

func TestFreezeSecondVersionScaffoldsMigration(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0", "2.0.0"}, true)
	exportRoot := t.TempDir()

	r1 := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}
	if _, err := newPipeline(t, root, r1, exportRoot).Freeze(context.Background(), "1.0.0"); err != nil {
		t.Fatalf("first Freeze: %v", err)
	}

	r2 := &scriptedRunner{t: t, exportRoot: exportRoot, version: "2.0.0", artifacts: 4, output: "ok\n"}
	report, err := newPipeline(t, root, r2, exportRoot).Freeze(context.Background(), "2.0.0")
	if err != nil {
		t.Fatalf("second Freeze: %v", err)
	}

	if report.MigrationScaffold == nil {
		t.Fatal("second freeze should create the migration scaffold")
	}
	if filepath.Base(report.MigrationScaffold.Path) != "migrate_1_0_0_to_2_0_0_test.go" {
		t.Errorf("migration scaffold = %s", report.MigrationScaffold.Path)
	}
	if report.PlanType != "AppMigration" {
		t.Errorf("PlanType = %q", report.PlanType)
	}
	// The scaffold names the plan it references.
	data, err := os.ReadFile(report.MigrationScaffold.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "migration plan AppMigration") {
		t.Errorf("scaffold should name the discovered plan:\n%s", data)
	}
	// Drift scaffold already existed from the first freeze.
	if report.DriftScaffold.Created {
		t.Error("drift scaffold should not be recreated")
	}
}

func TestFreezeRefusesExistingWithoutForce(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	exportRoot := t.TempDir()
	runner := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}

	if _, err := newPipeline(t, root, runner, exportRoot).Freeze(context.Background(), "1.0.0"); err != nil {
		t.Fatal(err)
	}

	// Without force: refused before any execution happens.
	refused := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0"}
	_, err := newPipeline(t, root, refused, exportRoot).Freeze(context.Background(), "1.0.0")
	var exists *fixture.ExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("want ExistsError, got %v", err)
	}
	if refused.driverSeen || len(refused.lastCmd.Args) != 0 {
		t.Error("refused freeze must not reach execution")
	}

	// With force: replaced.
	forced := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}
	p := newPipeline(t, root, forced, exportRoot)
	p.Force = true
	if _, err := p.Freeze(context.Background(), "1.0.0"); err != nil {
		t.Fatalf("forced Freeze: %v", err)
	}
}

func TestFreezeClassifiesBuildFailure(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	out := "# example.com/app/internal/store\nstore.go:7:2: undefined: missingFunc\nFAIL\texample.com/app/internal/store [build failed]\n"
	runner := &scriptedRunner{t: t, version: "1.0.0", exitCode: 1, output: out}

	report, err := newPipeline(t, root, runner, t.TempDir()).Freeze(context.Background(), "1.0.0")
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("want BuildError, got %v", err)
	}
	if !strings.Contains(string(buildErr.Output), "undefined: missingFunc") {
		t.Error("build error should retain verbatim output")
	}
	if report.Phase != PhaseDriverGenerated {
		t.Errorf("Phase = %q, a build failure never reaches built", report.Phase)
	}
}

func TestFreezeClassifiesExecutionFailure(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	out := "--- FAIL: TestSchemaFreezeDriver_1_0_0 (0.10s)\n    driver_test.go:12: freeze export: no entities\nFAIL\nFAIL\texample.com/app/internal/store\t0.2s\n"
	runner := &scriptedRunner{t: t, version: "1.0.0", exitCode: 1, output: out}

	report, err := newPipeline(t, root, runner, t.TempDir()).Freeze(context.Background(), "1.0.0")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecutionError, got %v", err)
	}
	if execErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d", execErr.ExitCode)
	}
	if report.Phase != PhaseBuilt {
		t.Errorf("Phase = %q, an execution failure means the build succeeded", report.Phase)
	}

	// Driver cleaned up on the failure path too.
	driver := filepath.Join(root, "internal", "store", "schemafreeze_driver_1_0_0_test.go")
	if _, err := os.Stat(driver); !os.IsNotExist(err) {
		t.Error("driver file not cleaned up after failure")
	}
}

func TestFreezeIncompleteExtraction(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	exportRoot := t.TempDir()
	// Driver "succeeds" but only two artifacts land.
	runner := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 2, output: "ok\n"}

	_, err := newPipeline(t, root, runner, exportRoot).Freeze(context.Background(), "1.0.0")
	var inc *extract.IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("want IncompleteError, got %v", err)
	}
	if len(inc.Missing) != 2 {
		t.Errorf("Missing = %v", inc.Missing)
	}
	// Nothing committed.
	if _, statErr := os.Stat(filepath.Join(root, "Fixtures", "1.0.0")); !os.IsNotExist(statErr) {
		t.Error("incomplete extraction must not commit fixtures")
	}
}

func TestFreezeReportsPlanAmbiguity(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, true)
	second := `package store

import "schemafreeze/declare"

func init() {
	declare.MigrationPlan(declare.Plan{
		Type:     "ZMigration",
		Versions: []string{"2.0.0", "3.0.0"},
	})
}
`
	if err := os.WriteFile(filepath.Join(root, "internal", "store", "zplan.go"), []byte(second), 0644); err != nil {
		t.Fatal(err)
	}

	exportRoot := t.TempDir()
	runner := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}
	report, err := newPipeline(t, root, runner, exportRoot).Freeze(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if !report.PlanAmbiguous {
		t.Error("two declared plans should be reported as ambiguous")
	}
	if report.PlanType != "AppMigration" {
		t.Errorf("PlanType = %q, want the first in (file, offset) order", report.PlanType)
	}
}

func TestFreezeSingularPlanNotAmbiguous(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, true)
	exportRoot := t.TempDir()
	runner := &scriptedRunner{t: t, exportRoot: exportRoot, version: "1.0.0", artifacts: 4, output: "ok\n"}

	report, err := newPipeline(t, root, runner, exportRoot).Freeze(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if report.PlanAmbiguous {
		t.Error("a single plan must not be flagged ambiguous")
	}
}

func TestFreezeUnknownVersion(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	runner := &scriptedRunner{t: t, version: "9.9.9"}

	_, err := newPipeline(t, root, runner, t.TempDir()).Freeze(context.Background(), "9.9.9")
	if err == nil || !strings.Contains(err.Error(), "9.9.9") {
		t.Errorf("unknown version should fail naming the version, got %v", err)
	}
}

func TestFreezeInvalidVersionString(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	runner := &scriptedRunner{t: t, version: "abc"}

	if _, err := newPipeline(t, root, runner, t.TempDir()).Freeze(context.Background(), "abc"); err == nil {
		t.Error("malformed version should be rejected up front")
	}
}

func TestFreezeSandboxBootFailure(t *testing.T) {
	root := writeWorkspace(t, []string{"1.0.0"}, false)
	runner := &scriptedRunner{t: t, version: "1.0.0"}
	p := newPipeline(t, root, runner, t.TempDir())
	bootErr := &sandbox.NotFoundError{Name: "schemafreeze-app", Available: []string{"other"}}
	p.Boot = func(context.Context) error { return bootErr }

	_, err := p.Freeze(context.Background(), "1.0.0")
	var nf *sandbox.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
	if runner.driverSeen && len(runner.lastCmd.Args) > 0 {
		t.Error("boot failure must stop the pipeline before execution")
	}
}
