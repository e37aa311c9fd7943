// Package discovery locates schema version and migration plan declarations
// in Go source. The scan is structural: files are parsed with go/ast and
// declarations are recognized as calls to declare.SchemaVersion and
// declare.MigrationPlan, in both the qualified form (any import alias) and
// the bare form under a dot-import. Regex or substring matching is never
// used; a commented-out declaration is not a declaration.
package discovery

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"schemafreeze/internal/logging"
)

// VersionDeclaration is one discovered declare.SchemaVersion call.
type VersionDeclaration struct {
	// Version is the declared semantic version string.
	Version string
	// TypeName is the declared schema type identifier.
	TypeName string
	// Package is the name of the declaring Go package.
	Package string
	// File is the source file containing the declaration.
	File string
	// Offset is the byte offset of the call within the file.
	Offset int
}

// PlanDeclaration is one discovered declare.MigrationPlan call.
type PlanDeclaration struct {
	// TypeName is the declared plan type identifier.
	TypeName string
	// Versions is the ordered upgrade path as declared.
	Versions []string
	// File is the source file containing the declaration.
	File string
	// Offset is the byte offset of the call within the file.
	Offset int
}

// Declarations is the flat result of one scan.
type Declarations struct {
	Versions []VersionDeclaration
	Plans    []PlanDeclaration
}

// DuplicateVersionError reports the same version string declared twice.
type DuplicateVersionError struct {
	Version string
	Files   []string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("schema version %s declared more than once (in %s)",
		e.Version, strings.Join(e.Files, ", "))
}

// NotFoundError reports that the requested version has no declaration
// anywhere in the scanned roots. It is user-facing and recoverable; the
// remediation shows the exact declaration to add.
type NotFoundError struct {
	Version string
	Roots   []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no schema version declaration found for %q under %s",
		e.Version, strings.Join(e.Roots, ", "))
}

// Remediation returns user-facing guidance for fixing a NotFoundError.
func (e *NotFoundError) Remediation() string {
	return fmt.Sprintf(`Add a declaration for version %[1]q, for example:

    func init() {
        declare.SchemaVersion(declare.Schema{
            Version:     %[1]q,
            Type:        "AppSchema",
            Materialize: materializeSchema,
        })
    }

then run the freeze again.`, e.Version)
}

// Scan parses every .go file under the given roots and returns all
// discovered declarations. Files that fail to parse are skipped with a log
// line; a broken file elsewhere in the tree must not abort a freeze.
func Scan(ctx context.Context, roots []string) (*Declarations, error) {
	timer := logging.StartTimer(logging.CategoryDiscovery, "source scan")
	defer timer.StopWithInfo()

	files, err := collectGoFiles(roots)
	if err != nil {
		return nil, err
	}
	logging.DiscoveryDebug("scanning %d files under %v", len(files), roots)

	var (
		mu    sync.Mutex
		decls Declarations
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			versions, plans := parseFile(file)
			mu.Lock()
			decls.Versions = append(decls.Versions, versions...)
			decls.Plans = append(decls.Plans, plans...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortDeclarations(&decls)
	if err := checkDuplicates(&decls); err != nil {
		return nil, err
	}

	logging.Discovery("found %d version declarations, %d migration plans",
		len(decls.Versions), len(decls.Plans))
	return &decls, nil
}

// FindVersion returns the declaration matching the requested version.
func FindVersion(decls *Declarations, version string, roots []string) (VersionDeclaration, error) {
	for _, d := range decls.Versions {
		if d.Version == version {
			return d, nil
		}
	}
	return VersionDeclaration{}, &NotFoundError{Version: version, Roots: roots}
}

// SelectPlan picks the migration plan the pipeline will reference. When
// several plans are declared it chooses the first in (file, offset) order
// and reports ambiguity so the caller can warn; plans are never merged.
func SelectPlan(decls *Declarations) (PlanDeclaration, bool, bool) {
	if len(decls.Plans) == 0 {
		return PlanDeclaration{}, false, false
	}
	if len(decls.Plans) > 1 {
		logging.DiscoveryWarn("%d migration plans declared; using %s from %s",
			len(decls.Plans), decls.Plans[0].TypeName, decls.Plans[0].File)
	}
	return decls.Plans[0], true, len(decls.Plans) > 1
}

// collectGoFiles walks the roots gathering non-test .go files. Hidden,
// underscore-prefixed, vendor and testdata directories are skipped.
func collectGoFiles(roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() {
				if path != root && skipDir(name) {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("source root %s does not exist: %w", root, err)
			}
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}

func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" ||
		strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// parseFile extracts declarations from one source file. Parse failures are
// non-fatal: the file is skipped and logged.
func parseFile(path string) ([]VersionDeclaration, []PlanDeclaration) {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		logging.DiscoveryWarn("skipping unparseable file %s: %v", path, err)
		return nil, nil
	}

	var (
		versions []VersionDeclaration
		plans    []PlanDeclaration
	)
	ast.Inspect(node, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch calleeName(call) {
		case "SchemaVersion":
			if v, ok := extractVersion(call, fset, path); ok {
				v.Package = node.Name.Name
				versions = append(versions, v)
			}
		case "MigrationPlan":
			if p, ok := extractPlan(call, fset, path); ok {
				plans = append(plans, p)
			}
		}
		return true
	})
	return versions, plans
}

// calleeName resolves the called function's name for both the qualified
// form (declare.SchemaVersion, any alias) and the bare dot-import form.
func calleeName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		return fn.Sel.Name
	}
	return ""
}

func extractVersion(call *ast.CallExpr, fset *token.FileSet, path string) (VersionDeclaration, bool) {
	fields, ok := literalFields(call)
	if !ok {
		return VersionDeclaration{}, false
	}
	version, vok := stringField(fields, "Version")
	typeName, tok := stringField(fields, "Type")
	if !vok || !tok {
		logging.DiscoveryDebug("%s: SchemaVersion call without literal Version/Type skipped", path)
		return VersionDeclaration{}, false
	}
	return VersionDeclaration{
		Version:  version,
		TypeName: typeName,
		File:     path,
		Offset:   fset.Position(call.Pos()).Offset,
	}, true
}

func extractPlan(call *ast.CallExpr, fset *token.FileSet, path string) (PlanDeclaration, bool) {
	fields, ok := literalFields(call)
	if !ok {
		return PlanDeclaration{}, false
	}
	typeName, tok := stringField(fields, "Type")
	versions, vok := stringSliceField(fields, "Versions")
	if !tok || !vok {
		logging.DiscoveryDebug("%s: MigrationPlan call without literal Type/Versions skipped", path)
		return PlanDeclaration{}, false
	}
	return PlanDeclaration{
		TypeName: typeName,
		Versions: versions,
		File:     path,
		Offset:   fset.Position(call.Pos()).Offset,
	}, true
}

// literalFields returns the key/value pairs of the composite literal passed
// as the call's single argument.
func literalFields(call *ast.CallExpr) (map[string]ast.Expr, bool) {
	if len(call.Args) != 1 {
		return nil, false
	}
	lit, ok := call.Args[0].(*ast.CompositeLit)
	if !ok {
		return nil, false
	}
	fields := make(map[string]ast.Expr)
	for _, elt := range lit.Elts {
		kv, ok := elt.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		key, ok := kv.Key.(*ast.Ident)
		if !ok {
			continue
		}
		fields[key.Name] = kv.Value
	}
	return fields, true
}

func stringField(fields map[string]ast.Expr, name string) (string, bool) {
	expr, ok := fields[name]
	if !ok {
		return "", false
	}
	return stringLit(expr)
}

func stringSliceField(fields map[string]ast.Expr, name string) ([]string, bool) {
	expr, ok := fields[name]
	if !ok {
		return nil, false
	}
	lit, ok := expr.(*ast.CompositeLit)
	if !ok {
		return nil, false
	}
	var out []string
	for _, elt := range lit.Elts {
		s, ok := stringLit(elt)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, len(out) > 0
}

func stringLit(expr ast.Expr) (string, bool) {
	lit, ok := expr.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return s, true
}

// sortDeclarations puts results in deterministic (file, offset) order so
// that parallel scanning never changes which plan SelectPlan picks.
func sortDeclarations(decls *Declarations) {
	sort.Slice(decls.Versions, func(i, j int) bool {
		a, b := decls.Versions[i], decls.Versions[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Offset < b.Offset
	})
	sort.Slice(decls.Plans, func(i, j int) bool {
		a, b := decls.Plans[i], decls.Plans[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Offset < b.Offset
	})
}

func checkDuplicates(decls *Declarations) error {
	seen := make(map[string][]string)
	for _, v := range decls.Versions {
		seen[v.Version] = append(seen[v.Version], v.File)
	}
	for version, files := range seen {
		if len(files) > 1 {
			return &DuplicateVersionError{Version: version, Files: files}
		}
	}
	return nil
}
