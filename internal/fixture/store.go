// Package fixture persists frozen artifact sets under the workspace
// fixture root. A version directory is immutable once committed: commits
// refuse to touch an existing version unless forced, and a forced commit
// replaces the whole directory through a staged rename so readers never
// see a half-written mix of old and new artifacts.
package fixture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"schemafreeze/internal/extract"
	"schemafreeze/internal/logging"
	"schemafreeze/schema"
)

// Store is a fixture store rooted at one directory.
type Store struct {
	// Root is the fixture root, conventionally <workspace>/Fixtures.
	Root string
}

// ExistsError reports a commit against an already-frozen version.
type ExistsError struct {
	Version string
	Dir     string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("fixtures for version %s already exist at %s; pass --force to replace them",
		e.Version, e.Dir)
}

// Fixture is one committed version's artifact set.
type Fixture struct {
	Version     string
	Dir         string
	Snapshot    string
	Manifest    string
	Fingerprint string
	Metadata    string
}

// Exists reports whether a version is already frozen.
func (s *Store) Exists(version string) bool {
	_, err := os.Stat(filepath.Join(s.Root, version))
	return err == nil
}

// Commit copies a collected artifact set into the store. Without force an
// existing version is refused. With force the new set is staged in a
// sibling directory and swapped in with renames, so the replacement is all
// or nothing at the directory level.
func (s *Store) Commit(set *extract.ArtifactSet, force bool) (*Fixture, error) {
	dir := filepath.Join(s.Root, set.Version)

	if s.Exists(set.Version) && !force {
		return nil, &ExistsError{Version: set.Version, Dir: dir}
	}

	stage := dir + ".staging"
	if err := os.RemoveAll(stage); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(stage, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	for _, src := range []string{set.Snapshot, set.Manifest, set.Fingerprint, set.Metadata} {
		if err := copyFile(src, filepath.Join(stage, filepath.Base(src))); err != nil {
			os.RemoveAll(stage)
			return nil, fmt.Errorf("stage %s: %w", filepath.Base(src), err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(stage)
		return nil, fmt.Errorf("remove previous fixtures: %w", err)
	}
	if err := os.Rename(stage, dir); err != nil {
		os.RemoveAll(stage)
		return nil, fmt.Errorf("commit fixtures: %w", err)
	}

	logging.Store("committed fixtures for %s to %s (force=%v)", set.Version, dir, force)
	return s.Load(set.Version)
}

// Load returns the committed fixture for a version.
func (s *Store) Load(version string) (*Fixture, error) {
	dir := filepath.Join(s.Root, version)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no fixtures for version %s in %s: %w", version, s.Root, err)
	}

	f := &Fixture{
		Version:     version,
		Dir:         dir,
		Snapshot:    filepath.Join(dir, schema.SnapshotFileName(version)),
		Manifest:    filepath.Join(dir, schema.ManifestFileName(version)),
		Fingerprint: filepath.Join(dir, schema.FingerprintFileName(version)),
		Metadata:    filepath.Join(dir, schema.MetadataFileName),
	}
	for _, name := range schema.ArtifactFileNames(version) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("fixtures for %s are damaged: missing %s", version, name)
		}
	}
	return f, nil
}

// ListVersions returns all frozen versions in ascending version order.
// Entries that are not valid version strings (editor droppings, staging
// leftovers) are ignored.
func (s *Store) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fixture root: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !schema.IsVersion(e.Name()) {
			logging.StoreDebug("ignoring non-version entry %s in %s", e.Name(), s.Root)
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Slice(versions, func(i, j int) bool {
		return schema.CompareVersions(versions[i], versions[j]) < 0
	})
	return versions, nil
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
