// Package scaffold generates verification test files into the user-owned
// tests directory. Generation is existence-first: a file that already
// exists is never rewritten, whatever its content, because users customize
// scaffolds and a freeze must not destroy that work.
package scaffold

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"schemafreeze/internal/logging"
	"schemafreeze/schema"
)

// Engine writes verification scaffolds for one workspace.
type Engine struct {
	// TestsDir is the user-owned scaffold directory.
	TestsDir string
	// FixturesRel is the fixture root path as the generated tests should
	// reference it, relative to TestsDir.
	FixturesRel string
	// Subject is the schema type name the tests verify.
	Subject string
}

// Result reports what one generation call did.
type Result struct {
	Path    string
	Created bool
}

var driftTemplate = template.Must(template.New("drift").Parse(
	`// Generated by schemafreeze. This file is yours: it is created once and
// never overwritten by later freezes.
package {{.Package}}

import (
	"testing"

	"schemafreeze/verify"
)

// CUSTOMIZE: point this at your fixture store if the layout differs.
const {{.Subject}}FixturesDir = {{printf "%q" .FixturesRel}}

// Test{{.Subject}}NoDrift fails when the live schema no longer matches the
// frozen fingerprint for version {{.Version}}.
func Test{{.Subject}}NoDrift(t *testing.T) {
	verify.NoDrift(t, {{.Subject}}FixturesDir, {{printf "%q" .Version}})
}
`))

var migrationTemplate = template.Must(template.New("migration").Parse(
	`// Generated by schemafreeze. This file is yours: it is created once and
// never overwritten by later freezes.
package {{.Package}}

import (
	"testing"

	"schemafreeze/verify"
)

// TestMigrate_{{.FromSafe}}_to_{{.ToSafe}} opens the frozen {{.From}} snapshot,
// applies {{if .PlanType}}migration plan {{.PlanType}}{{else}}the declared migration plan{{end}} up to {{.To}},
// and verifies the result matches the {{.To}} schema structurally.
func TestMigrate_{{.FromSafe}}_to_{{.ToSafe}}(t *testing.T) {
	// CUSTOMIZE: seed representative rows into the {{.From}} snapshot here
	// to exercise data-carrying migrations.
	verify.Migration(t, {{printf "%q" .FixturesRel}}, {{printf "%q" .From}}, {{printf "%q" .To}})
}
`))

// Drift writes the drift scaffold for version unless it already exists.
func (e *Engine) Drift(version string) (Result, error) {
	path := filepath.Join(e.TestsDir, schema.DriftTestFileName(e.Subject))
	return e.render(path, driftTemplate, map[string]string{
		"Package":     e.packageName(),
		"Subject":     e.Subject,
		"FixturesRel": e.FixturesRel,
		"Version":     version,
	})
}

// MigrationPair writes the migration scaffold for from -> to unless it
// already exists. planType names the discovered migration plan the scaffold
// references; empty means none was declared at generation time.
func (e *Engine) MigrationPair(from, to, planType string) (Result, error) {
	path := filepath.Join(e.TestsDir, schema.MigrationTestFileName(from, to))
	return e.render(path, migrationTemplate, map[string]string{
		"Package":     e.packageName(),
		"FixturesRel": e.FixturesRel,
		"From":        from,
		"FromSafe":    schema.SafeVersion(from),
		"To":          to,
		"ToSafe":      schema.SafeVersion(to),
		"PlanType":    planType,
	})
}

func (e *Engine) render(path string, tmpl *template.Template, data map[string]string) (Result, error) {
	if _, err := os.Stat(path); err == nil {
		logging.Scaffold("scaffold %s exists, leaving it alone", path)
		return Result{Path: path, Created: false}, nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Result{}, fmt.Errorf("render scaffold: %w", err)
	}

	if err := os.MkdirAll(e.TestsDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create tests dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return Result{}, fmt.Errorf("write scaffold: %w", err)
	}
	logging.Scaffold("wrote scaffold %s", path)
	return Result{Path: path, Created: true}, nil
}

// packageName derives a Go package identifier from the tests directory.
func (e *Engine) packageName() string {
	base := strings.ToLower(filepath.Base(e.TestsDir))
	var b strings.Builder
	for _, r := range base {
		if unicode.IsLetter(r) || (b.Len() > 0 && unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "tests"
	}
	return b.String()
}

// FindPreceding returns the greatest frozen version strictly below target,
// or "" when target is the first. Versions must be valid; ordering is
// numeric per segment, so 1.9.0 precedes 1.10.0.
func FindPreceding(frozen []string, target string) string {
	best := ""
	for _, v := range frozen {
		if v == target || !schema.IsVersion(v) {
			continue
		}
		if schema.CompareVersions(v, target) >= 0 {
			continue
		}
		if best == "" || schema.CompareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}
