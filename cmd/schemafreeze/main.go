package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schemafreeze/export"
	"schemafreeze/internal/config"
	"schemafreeze/internal/discovery"
	"schemafreeze/internal/extract"
	"schemafreeze/internal/fixture"
	"schemafreeze/internal/logging"
	"schemafreeze/internal/orchestrator"
	"schemafreeze/internal/project"
	"schemafreeze/internal/sandbox"
	"schemafreeze/internal/scaffold"
	"schemafreeze/schema"
)

// Exit codes for freeze failures, stable for scripting.
const (
	exitOK                = 0
	exitOther             = 1
	exitBuildFailed       = 2
	exitExecutionFailed   = 3
	exitExtractIncomplete = 4
	exitFixturesExist     = 5
	exitVersionNotFound   = 6
	exitSandboxNotFound   = 7
)

var (
	// Global flags
	verbose bool
	rootDir string

	// freeze flags
	forceFreeze bool
	sandboxName string
	outputDir   string
	testsDir    string

	// init flags
	skipDependency bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "schemafreeze",
	Short: "schemafreeze - immutable schema fixtures for versioned persistence",
	Long: `schemafreeze freezes a declared schema version into an immutable fixture
set: a SQLite snapshot, a structural manifest, and a SHA-256 fingerprint.
Frozen fixtures back generated verification tests that detect schema drift
and exercise declared migration plans.

Schema versions are declared in Go source:

    declare.SchemaVersion(declare.Schema{
        Version:     "1.0.0",
        Type:        "AppSchema",
        Materialize: materialize,
    })`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveRoot()
		if err != nil {
			return err
		}
		if err := logging.Initialize(ws); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze [version]",
	Short: "Freeze a declared schema version into immutable fixtures",
	Long: `Freezes the named schema version: discovers its declaration, generates an
ephemeral driver test in the declaring package, builds and executes it in a
single go test invocation (optionally inside a Docker sandbox), collects
the artifacts from the export dead-drop, commits them to the fixture store,
and scaffolds verification tests.

Exit codes: 0 ok, 2 build failure, 3 execution failure, 4 extraction
incomplete, 5 fixtures already exist, 6 version not declared, 7 sandbox
container not found, 1 anything else.`,
	Args: cobra.ExactArgs(1),
	RunE: runFreeze,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize schemafreeze in the current workspace",
	Long: `Creates the workspace layout: .schemafreeze/ (config.yaml and logs/), the
fixture store directory, and the verification tests directory. Unless
--skip-dependency is given, the schemafreeze requirement is inserted into
go.mod so generated scaffolds compile.`,
	RunE: runInit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List frozen versions with fingerprints and entity counts",
	RunE:  runList,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Workspace directory (default: current)")

	freezeCmd.Flags().BoolVar(&forceFreeze, "force", false, "Replace existing fixtures for this version")
	freezeCmd.Flags().StringVar(&sandboxName, "sandbox", "", "Docker container to execute in (overrides config)")
	freezeCmd.Flags().StringVar(&outputDir, "output", "", "Fixture store directory (overrides config)")
	freezeCmd.Flags().StringVar(&testsDir, "tests", "", "Verification tests directory (overrides config)")

	initCmd.Flags().BoolVar(&skipDependency, "skip-dependency", false, "Do not modify go.mod")

	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var notFound *discovery.NotFoundError
		if errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, notFound.Remediation())
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps the failure taxonomy onto stable process exit codes.
func exitCode(err error) int {
	var (
		buildErr   *orchestrator.BuildError
		execErr    *orchestrator.ExecutionError
		incomplete *extract.IncompleteError
		exists     *fixture.ExistsError
		noVersion  *discovery.NotFoundError
		noSandbox  *sandbox.NotFoundError
	)
	switch {
	case errors.As(err, &buildErr):
		return exitBuildFailed
	case errors.As(err, &execErr):
		return exitExecutionFailed
	case errors.As(err, &incomplete):
		return exitExtractIncomplete
	case errors.As(err, &exists):
		return exitFixturesExist
	case errors.As(err, &noVersion):
		return exitVersionNotFound
	case errors.As(err, &noSandbox):
		return exitSandboxNotFound
	}
	return exitOther
}

func resolveRoot() (string, error) {
	if rootDir != "" {
		return filepath.Abs(rootDir)
	}
	return os.Getwd()
}

func runFreeze(cmd *cobra.Command, args []string) error {
	version := args[0]

	ws, err := resolveRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}

	proj, err := project.Resolve(ws)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(time.Duration(cfg.Build.TimeoutSeconds) * time.Second)
	defer cancel()

	fixturesRoot := filepath.Join(ws, cfg.Fixtures)
	if outputDir != "" {
		fixturesRoot = absOrJoin(ws, outputDir)
	}
	tests := filepath.Join(ws, cfg.Tests)
	if testsDir != "" {
		tests = absOrJoin(ws, testsDir)
	}

	mode, container := sandboxSelection(cfg, proj)

	exportRoot := export.DefaultExportDir()
	if cfg.Export.Dir != "" {
		exportRoot = absOrJoin(ws, cfg.Export.Dir)
	} else if mode == "docker" {
		// The container reaches the host only through the project mount,
		// so the dead-drop default moves inside the workspace.
		exportRoot = filepath.Join(ws, ".schemafreeze", "export")
	}

	pipeline := &orchestrator.Pipeline{
		Project: proj,
		Collector: &extract.Collector{
			ExportRoot: exportRoot,
			Wait:       time.Duration(cfg.Export.WaitSeconds) * time.Second,
		},
		Store: &fixture.Store{Root: fixturesRoot},
		Scaffolds: &scaffold.Engine{
			TestsDir:    tests,
			FixturesRel: relOrAbs(tests, fixturesRoot),
			// Subject defaults to the discovered declaration's type name.
		},
		ExportDir: exportRoot,
		Force:     forceFreeze,
		Timeout:   time.Duration(cfg.Build.TimeoutSeconds) * time.Second,
		GoFlags:   cfg.Build.GoFlags,
		Env:       buildEnv(cfg),
	}

	if err := configureRunner(ctx, pipeline, proj, cfg, mode, container); err != nil {
		return err
	}

	logger.Info("freezing schema version",
		zap.String("version", version),
		zap.Bool("force", forceFreeze))

	report, err := pipeline.Freeze(ctx, version)
	if report != nil && report.PlanAmbiguous {
		// Visible regardless of the file logger's debug gate.
		logger.Warn("multiple migration plans declared; using the first in source order",
			zap.String("plan", report.PlanType))
		fmt.Fprintf(os.Stderr, "warning: multiple migration plans declared; using %s\n", report.PlanType)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Froze schema version %s (%s)\n", version, report.TypeName)
	fmt.Printf("  fixtures:  %s\n", report.Fixture.Dir)
	if report.DriftScaffold.Created {
		fmt.Printf("  scaffold:  %s (new)\n", report.DriftScaffold.Path)
	}
	if report.MigrationScaffold != nil && report.MigrationScaffold.Created {
		fmt.Printf("  scaffold:  %s (new)\n", report.MigrationScaffold.Path)
	}
	fmt.Printf("  duration:  %v\n", report.Duration.Round(time.Millisecond))
	return nil
}

// sandboxSelection resolves the execution mode and container name from the
// --sandbox flag and config.
func sandboxSelection(cfg *config.Config, proj *project.Project) (mode, name string) {
	if sandboxName != "" {
		return "docker", sandboxName
	}
	if cfg.Sandbox.Mode != "docker" {
		return cfg.Sandbox.Mode, ""
	}
	name = cfg.Sandbox.Name
	if name == "" {
		name = proj.SandboxName()
	}
	return "docker", name
}

// configureRunner picks host or sandbox execution per the selection.
func configureRunner(ctx context.Context, p *orchestrator.Pipeline, proj *project.Project, cfg *config.Config, mode, name string) error {
	if mode != "docker" {
		p.Runner = sandbox.HostRunner{}
		return nil
	}

	ctrl := sandbox.NewController(name, cfg.Sandbox.Workdir, proj.Root)
	if !ctrl.Available(ctx) {
		return fmt.Errorf("sandbox mode requested but the docker CLI is not available")
	}
	p.Runner = ctrl
	p.Boot = ctrl.Boot
	logger.Info("sandbox execution",
		zap.String("container", name),
		zap.String("workdir", cfg.Sandbox.Workdir))
	return nil
}

func buildEnv(cfg *config.Config) []string {
	var env []string
	for k, v := range cfg.Build.EnvVars {
		env = append(env, k+"="+v)
	}
	return env
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := resolveRoot()
	if err != nil {
		return err
	}

	cfg := config.Default()
	if _, err := os.Stat(config.Path(ws)); err == nil {
		fmt.Println("config already exists, leaving it untouched")
	} else if err := config.Save(ws, cfg); err != nil {
		return err
	}

	for _, dir := range []string{
		filepath.Join(ws, ".schemafreeze", "logs"),
		filepath.Join(ws, cfg.Fixtures),
		filepath.Join(ws, cfg.Tests),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	proj, err := project.Resolve(ws)
	if err != nil {
		var missing *project.ErrNoBuildDescriptor
		if errors.As(err, &missing) {
			// Informational for init: the layout is still usable once the
			// user runs go mod init.
			fmt.Println("note:", missing.Error())
			fmt.Println("Initialized schemafreeze workspace at", ws)
			return nil
		}
		return err
	}

	if !skipDependency && proj.Kind == project.KindModule {
		if err := project.EnsureRequire(proj.Descriptor, "schemafreeze", "v0.1.0"); err != nil {
			return err
		}
	}

	fmt.Println("Initialized schemafreeze workspace at", ws)
	fmt.Println("  module:  ", proj.ModulePath)
	fmt.Println("  fixtures:", filepath.Join(ws, cfg.Fixtures))
	fmt.Println("  tests:   ", filepath.Join(ws, cfg.Tests))
	if points, err := proj.EntryPoints(); err == nil && len(points) > 0 {
		fmt.Println("  commands:", strings.Join(points, ", "))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ws, err := resolveRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}

	store := &fixture.Store{Root: filepath.Join(ws, cfg.Fixtures)}
	versions, err := store.ListVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("no frozen versions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tENTITIES\tFINGERPRINT")
	for _, v := range versions {
		fx, err := store.Load(v)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t(damaged: %v)\n", v, err)
			continue
		}
		manifest, err := schema.ReadManifest(fx.Manifest)
		entities := "-"
		if err == nil {
			entities = fmt.Sprintf("%d", manifest.EntityCount)
		}
		fp, err := os.ReadFile(fx.Fingerprint)
		fingerprint := "-"
		if err == nil {
			fingerprint = shorten(string(fp))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", v, entities, fingerprint)
	}
	return w.Flush()
}

func shorten(fingerprint string) string {
	fp := fingerprint
	if i := len(fp); i > 0 && fp[i-1] == '\n' {
		fp = fp[:i-1]
	}
	if len(fp) > 16 {
		return fp[:16] + "..."
	}
	return fp
}

// absOrJoin treats path as workspace-relative unless absolute.
func absOrJoin(ws, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ws, path)
}

// relOrAbs returns target relative to base for the generated scaffolds,
// falling back to the absolute path when no relative form exists.
func relOrAbs(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			if logger != nil {
				logger.Info("received shutdown signal")
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
