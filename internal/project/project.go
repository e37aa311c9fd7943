// Package project resolves the build descriptor and layout conventions of
// the workspace being frozen. A go.work file takes precedence over go.mod;
// a tree with neither cannot be built and resolution fails with guidance.
package project

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"

	"schemafreeze/internal/logging"
)

// DescriptorKind distinguishes the two build descriptor flavors.
type DescriptorKind string

const (
	KindWorkspace DescriptorKind = "go.work"
	KindModule    DescriptorKind = "go.mod"
)

// Project is the resolved build context for one workspace.
type Project struct {
	// Root is the workspace directory.
	Root string
	// Descriptor is the absolute path of the chosen build descriptor.
	Descriptor string
	// Kind reports which descriptor flavor was chosen.
	Kind DescriptorKind
	// ModulePath is the module path of the root module.
	ModulePath string
	// UseDirs lists the module directories of a go.work descriptor,
	// relative to Root. For a plain module it holds ".".
	UseDirs []string
}

// ErrNoBuildDescriptor reports a workspace with neither go.work nor go.mod.
type ErrNoBuildDescriptor struct {
	Root string
}

func (e *ErrNoBuildDescriptor) Error() string {
	return fmt.Sprintf("no go.work or go.mod found in %s; run `go mod init` first", e.Root)
}

// Resolve locates and parses the build descriptor for root.
func Resolve(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	if p, err := resolveWorkspace(abs); err == nil {
		logging.Resolve("using %s (%d modules), root module %s", p.Descriptor, len(p.UseDirs), p.ModulePath)
		return p, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if p, err := resolveModule(abs); err == nil {
		logging.Resolve("using %s, module %s", p.Descriptor, p.ModulePath)
		return p, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return nil, &ErrNoBuildDescriptor{Root: abs}
}

func resolveWorkspace(root string) (*Project, error) {
	workPath := filepath.Join(root, "go.work")
	data, err := os.ReadFile(workPath)
	if err != nil {
		return nil, err
	}

	wf, err := modfile.ParseWork(workPath, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", workPath, err)
	}

	var useDirs []string
	for _, use := range wf.Use {
		useDirs = append(useDirs, use.Path)
	}
	sort.Strings(useDirs)
	if len(useDirs) == 0 {
		return nil, fmt.Errorf("%s declares no modules", workPath)
	}

	// The root module is the workspace's own directory when used, else the
	// first use directory.
	moduleDir := useDirs[0]
	for _, d := range useDirs {
		if d == "." {
			moduleDir = "."
			break
		}
	}
	modulePath, err := readModulePath(filepath.Join(root, moduleDir, "go.mod"))
	if err != nil {
		return nil, err
	}

	return &Project{
		Root:       root,
		Descriptor: workPath,
		Kind:       KindWorkspace,
		ModulePath: modulePath,
		UseDirs:    useDirs,
	}, nil
}

func resolveModule(root string) (*Project, error) {
	modPath := filepath.Join(root, "go.mod")
	modulePath, err := readModulePath(modPath)
	if err != nil {
		return nil, err
	}
	return &Project{
		Root:       root,
		Descriptor: modPath,
		Kind:       KindModule,
		ModulePath: modulePath,
		UseDirs:    []string{"."},
	}, nil
}

func readModulePath(gomod string) (string, error) {
	data, err := os.ReadFile(gomod)
	if err != nil {
		return "", err
	}
	f, err := modfile.Parse(gomod, data, nil)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", gomod, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return "", fmt.Errorf("%s has no module directive", gomod)
	}
	return f.Module.Mod.Path, nil
}

// SandboxName derives the conventional sandbox container name from the
// module path: schemafreeze-<last path element>, lowercased.
func (p *Project) SandboxName() string {
	base := path.Base(p.ModulePath)
	base = strings.ToLower(strings.ReplaceAll(base, "_", "-"))
	return "schemafreeze-" + base
}

// PackageDir returns the directory of file relative to the project root, in
// the ./x/y form go test expects.
func (p *Project) PackageDir(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p.Root, filepath.Dir(abs))
	if err != nil {
		return "", fmt.Errorf("%s is outside the workspace %s: %w", file, p.Root, err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the workspace %s", file, p.Root)
	}
	if rel == "." {
		return "./.", nil
	}
	return "./" + filepath.ToSlash(rel), nil
}

// EntryPoints lists the command directories under cmd/, the conventional
// home of main packages. Missing cmd/ means no entry points, not an error.
func (p *Project) EntryPoints() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.Root, "cmd"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cmd dir: %w", err)
	}
	var points []string
	for _, e := range entries {
		if e.IsDir() {
			points = append(points, e.Name())
		}
	}
	sort.Strings(points)
	return points, nil
}

// EnsureRequire adds a require directive for modPath at version to the
// go.mod file, leaving an existing entry untouched.
func EnsureRequire(gomod, modPath, version string) error {
	data, err := os.ReadFile(gomod)
	if err != nil {
		return fmt.Errorf("read %s: %w", gomod, err)
	}
	f, err := modfile.Parse(gomod, data, nil)
	if err != nil {
		return fmt.Errorf("parse %s: %w", gomod, err)
	}

	for _, r := range f.Require {
		if r.Mod.Path == modPath {
			logging.Resolve("%s already requires %s %s", gomod, modPath, r.Mod.Version)
			return nil
		}
	}

	if err := f.AddRequire(modPath, version); err != nil {
		return fmt.Errorf("add require %s: %w", modPath, err)
	}
	f.Cleanup()

	out, err := f.Format()
	if err != nil {
		return fmt.Errorf("format %s: %w", gomod, err)
	}
	if err := os.WriteFile(gomod, out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", gomod, err)
	}
	logging.Resolve("added require %s %s to %s", modPath, version, gomod)
	return nil
}
