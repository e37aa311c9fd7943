// Package orchestrator drives one freeze run end to end: discover the
// version declaration, generate an ephemeral driver test into the declaring
// package, build and execute it in a single go test invocation (host or
// sandbox), collect the artifacts from the dead-drop, commit them to the
// fixture store, and scaffold verification tests. The pipeline is
// single-threaded; each phase must complete before the next starts and
// nothing is retried automatically.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"schemafreeze/export"
	"schemafreeze/internal/discovery"
	"schemafreeze/internal/extract"
	"schemafreeze/internal/fixture"
	"schemafreeze/internal/logging"
	"schemafreeze/internal/project"
	"schemafreeze/internal/sandbox"
	"schemafreeze/internal/scaffold"
	"schemafreeze/schema"
)

// Phase tracks pipeline progress, mostly for logging and failure reports.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseDriverGenerated Phase = "driver-generated"
	PhaseSandboxBooted   Phase = "sandbox-booted"
	PhaseBuilt           Phase = "built"
	PhaseExecuted        Phase = "executed"
	PhaseExtracted       Phase = "extracted"
	PhaseCleaned         Phase = "cleaned"
)

// BuildError reports a compile failure of the generated driver or the
// target package. Output is the toolchain's combined output, verbatim.
type BuildError struct {
	Version string
	Output  []byte
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed for version %s:\n%s", e.Version, e.Output)
}

// ExecutionError reports a driver run that compiled but failed.
type ExecutionError struct {
	Version  string
	ExitCode int
	Output   []byte
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("freeze driver for version %s failed (exit %d):\n%s",
		e.Version, e.ExitCode, e.Output)
}

// Pipeline holds the collaborators for freeze runs. All fields are
// required except Boot, which is set only in sandbox mode.
type Pipeline struct {
	Project   *project.Project
	Runner    sandbox.Runner
	Collector *extract.Collector
	Store     *fixture.Store
	Scaffolds *scaffold.Engine

	// ExportDir is the dead-drop root passed to the driver.
	ExportDir string
	// Force allows replacing already-frozen fixtures.
	Force bool
	// Boot prepares the sandbox before execution. Nil means host mode.
	Boot func(ctx context.Context) error
	// Timeout bounds the combined build-and-execute invocation.
	Timeout time.Duration
	// GoFlags are extra flags appended to the go test invocation.
	GoFlags []string
	// Env lists extra KEY=VALUE entries for the driver process.
	Env []string
}

// Report summarizes a freeze run. On failure it still carries whatever the
// pipeline learned before stopping (phase, output, plan ambiguity).
type Report struct {
	Version           string
	TypeName          string
	Phase             Phase
	Fixture           *fixture.Fixture
	DriftScaffold     scaffold.Result
	MigrationScaffold *scaffold.Result
	Output            []byte
	Duration          time.Duration

	// PlanType is the selected migration plan's declared type, if any.
	PlanType string
	// PlanAmbiguous reports that more than one plan was declared and the
	// first in (file, offset) order was picked. Callers must surface it.
	PlanAmbiguous bool
}

// Freeze runs the whole pipeline for one version. The report is returned
// on failure too, carrying the phase the pipeline stopped in.
func (p *Pipeline) Freeze(ctx context.Context, version string) (report *Report, err error) {
	start := time.Now()
	report = &Report{Version: version, Phase: PhaseIdle}

	if !schema.IsVersion(version) {
		return report, fmt.Errorf("%q is not a valid version (want digits and dots, like 1.2.0)", version)
	}

	// Refuse early, before any expensive work.
	if p.Store.Exists(version) && !p.Force {
		return report, &fixture.ExistsError{
			Version: version,
			Dir:     filepath.Join(p.Store.Root, version),
		}
	}

	decls, err := discovery.Scan(ctx, []string{p.Project.Root})
	if err != nil {
		return report, err
	}
	decl, err := discovery.FindVersion(decls, version, []string{p.Project.Root})
	if err != nil {
		return report, err
	}
	plan, planFound, planAmbiguous := discovery.SelectPlan(decls)
	if planFound {
		report.PlanType = plan.TypeName
	}
	report.PlanAmbiguous = planAmbiguous
	report.TypeName = decl.TypeName
	if p.Scaffolds.Subject == "" {
		p.Scaffolds.Subject = decl.TypeName
	}

	pkgDir, err := p.Project.PackageDir(decl.File)
	if err != nil {
		return report, err
	}

	driverPath, err := p.generateDriver(decl, version)
	if err != nil {
		return report, err
	}
	report.Phase = PhaseDriverGenerated
	// The driver is ephemeral: it must disappear on every exit path,
	// success and failure alike. The phase only advances to cleaned on
	// success; a failed run keeps the phase it stopped in.
	defer func() {
		if rmErr := os.Remove(driverPath); rmErr != nil {
			logging.Get(logging.CategoryBuild).Warn("driver cleanup failed: %v", rmErr)
		} else if err == nil {
			report.Phase = PhaseCleaned
		}
	}()

	if p.Boot != nil {
		if err := p.Boot(ctx); err != nil {
			return report, err
		}
		report.Phase = PhaseSandboxBooted
	}

	output, runErr := p.execute(ctx, version, pkgDir)
	report.Output = output
	if runErr != nil {
		// An execution failure means the build itself succeeded.
		var execFail *ExecutionError
		if errors.As(runErr, &execFail) {
			report.Phase = PhaseBuilt
		}
		return report, runErr
	}
	report.Phase = PhaseExecuted

	set, err := p.Collector.Collect(ctx, version)
	if err != nil {
		return report, err
	}
	report.Phase = PhaseExtracted

	fx, err := p.Store.Commit(set, p.Force)
	if err != nil {
		return report, err
	}
	report.Fixture = fx

	if err := p.runScaffolding(report, version, plan, planFound); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	logging.Boot("freeze %s completed in %v", version, report.Duration)
	return report, nil
}

// generateDriver writes the ephemeral driver test next to the declaration.
func (p *Pipeline) generateDriver(decl discovery.VersionDeclaration, version string) (string, error) {
	safe := schema.SafeVersion(version)
	path := filepath.Join(filepath.Dir(decl.File), fmt.Sprintf("schemafreeze_driver_%s_test.go", safe))

	content := fmt.Sprintf(`// Code generated by schemafreeze. DO NOT EDIT.
// Ephemeral freeze driver for schema version %s. Removed after the run.
package %s

import (
	"context"
	"os"
	"testing"

	"schemafreeze/export"
)

func TestSchemaFreezeDriver_%s(t *testing.T) {
	if os.Getenv(export.EnvDriver) != "1" {
		t.Skip("freeze driver, run via schemafreeze")
	}
	err := export.Run(context.Background(), export.Options{
		Version:   %q,
		ExportDir: export.DefaultExportDir(),
	})
	if err != nil {
		t.Fatalf("freeze export: %%v", err)
	}
}
`, version, decl.Package, safe, version)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write driver: %w", err)
	}
	logging.Build("driver generated at %s (entry TestSchemaFreezeDriver_%s)", path, safe)
	return path, nil
}

// execute runs the combined build-and-test invocation and classifies
// failures. Building and running in one go test call means a freeze can
// never execute a stale binary.
func (p *Pipeline) execute(ctx context.Context, version, pkgDir string) ([]byte, error) {
	safe := schema.SafeVersion(version)
	args := []string{"test", "-count=1", "-run", fmt.Sprintf("^TestSchemaFreezeDriver_%s$", safe)}
	args = append(args, p.GoFlags...)
	args = append(args, pkgDir)

	env := append([]string{
		export.EnvDriver + "=1",
		export.EnvExportDir + "=" + p.ExportDir,
	}, p.Env...)

	timer := logging.StartTimer(logging.CategoryBuild, "go test invocation")
	res, err := p.Runner.Run(ctx, sandbox.Command{
		Name:    "go",
		Args:    args,
		Dir:     p.Project.Root,
		Env:     env,
		Timeout: p.Timeout,
	})
	timer.StopWithInfo()
	if err != nil {
		return res.Combined, fmt.Errorf("invoke go test: %w", err)
	}
	if res.ExitCode == 0 {
		return res.Combined, nil
	}

	if looksLikeBuildFailure(res.Combined) {
		return res.Combined, &BuildError{Version: version, Output: res.Combined}
	}
	return res.Combined, &ExecutionError{Version: version, ExitCode: res.ExitCode, Output: res.Combined}
}

// looksLikeBuildFailure distinguishes compile errors from test failures in
// go test output.
func looksLikeBuildFailure(output []byte) bool {
	for _, marker := range [][]byte{
		[]byte("[build failed]"),
		[]byte("build constraints exclude"),
		[]byte("syntax error"),
		[]byte("undefined:"),
		[]byte("cannot find package"),
		[]byte("no required module provides package"),
	} {
		if bytes.Contains(output, marker) {
			return true
		}
	}
	// A "# pkg" header without any test result line is the compiler
	// reporting errors before tests could run.
	return bytes.Contains(output, []byte("\n# ")) && !bytes.Contains(output, []byte("--- FAIL")) &&
		!bytes.Contains(output, []byte("FAIL\t"))
}

// runScaffolding writes the drift scaffold and, when a preceding frozen
// version exists, the migration-pair scaffold. Scaffold write failures are
// fatal: the version is frozen but unverifiable, which the user must see.
func (p *Pipeline) runScaffolding(report *Report, version string, plan discovery.PlanDeclaration, planFound bool) error {
	drift, err := p.Scaffolds.Drift(version)
	if err != nil {
		return err
	}
	report.DriftScaffold = drift

	frozen, err := p.Store.ListVersions()
	if err != nil {
		return err
	}
	preceding := scaffold.FindPreceding(frozen, version)
	if preceding == "" {
		logging.Scaffold("no preceding frozen version for %s, skipping migration scaffold", version)
		return nil
	}
	planType := ""
	if planFound {
		planType = plan.TypeName
		logging.Scaffold("migration scaffold %s -> %s references plan %s", preceding, version, planType)
	} else {
		logging.Get(logging.CategoryScaffold).Warn(
			"preceding version %s exists but no migration plan is declared", preceding)
	}

	mig, err := p.Scaffolds.MigrationPair(preceding, version, planType)
	if err != nil {
		return err
	}
	report.MigrationScaffold = &mig
	return nil
}
