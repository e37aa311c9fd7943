// Package extract collects frozen artifacts from the dead-drop directory
// after the driver run finishes. The driver writes the metadata file last,
// so a version directory containing export_metadata.txt is complete by
// construction; the collector still verifies every artifact and names what
// is missing when the set is partial.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"schemafreeze/internal/logging"
	"schemafreeze/schema"
)

// ArtifactSet is one complete frozen artifact set in the dead-drop.
type ArtifactSet struct {
	Version     string
	Dir         string
	Snapshot    string
	Manifest    string
	Fingerprint string
	Metadata    string
}

// IncompleteError reports a partial artifact set. The missing file names
// tell the user exactly what failed to land.
type IncompleteError struct {
	Version string
	Dir     string
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete artifact set for version %s in %s: missing %s",
		e.Version, e.Dir, strings.Join(e.Missing, ", "))
}

// Collector pulls artifact sets out of the dead-drop.
type Collector struct {
	// ExportRoot is the dead-drop root directory.
	ExportRoot string
	// Wait is the grace period for artifacts that land marginally after
	// the driver process exits (filesystem sync inside a container).
	Wait time.Duration
}

// Collect returns the artifact set for version, waiting up to c.Wait for
// stragglers before reporting the set incomplete.
func (c *Collector) Collect(ctx context.Context, version string) (*ArtifactSet, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "artifact collection")
	defer timer.Stop()

	dir := filepath.Join(c.ExportRoot, version)

	set, missing := c.inspect(dir, version)
	if len(missing) == 0 {
		logging.Extract("collected artifact set for %s from %s", version, dir)
		return set, nil
	}
	if c.Wait <= 0 {
		return nil, &IncompleteError{Version: version, Dir: dir, Missing: missing}
	}

	logging.Extract("artifact set for %s incomplete (missing %v), waiting up to %v",
		version, missing, c.Wait)
	set, missing, err := c.waitForArtifacts(ctx, dir, version)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &IncompleteError{Version: version, Dir: dir, Missing: missing}
	}
	logging.Extract("collected artifact set for %s after wait", version)
	return set, nil
}

// inspect checks the version directory for all four artifacts.
func (c *Collector) inspect(dir, version string) (*ArtifactSet, []string) {
	set := &ArtifactSet{
		Version:     version,
		Dir:         dir,
		Snapshot:    filepath.Join(dir, schema.SnapshotFileName(version)),
		Manifest:    filepath.Join(dir, schema.ManifestFileName(version)),
		Fingerprint: filepath.Join(dir, schema.FingerprintFileName(version)),
		Metadata:    filepath.Join(dir, schema.MetadataFileName),
	}

	var missing []string
	for _, name := range schema.ArtifactFileNames(version) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return set, missing
}

// waitForArtifacts watches the dead-drop until the set completes, the grace
// period elapses, or ctx is done. The parent root is watched too in case
// the version directory itself has not been created yet.
func (c *Collector) waitForArtifacts(ctx context.Context, dir, version string) (*ArtifactSet, []string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.ExportRoot); err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", c.ExportRoot, err)
	}
	// Best effort: the version dir may not exist yet.
	_ = watcher.Add(dir)

	deadline := time.NewTimer(c.Wait)
	defer deadline.Stop()

	for {
		set, missing := c.inspect(dir, version)
		if len(missing) == 0 {
			return set, nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-deadline.C:
			return set, missing, nil
		case event, ok := <-watcher.Events:
			if !ok {
				return set, missing, nil
			}
			logging.ExtractDebug("dead-drop event: %s", event)
			if event.Op.Has(fsnotify.Create) && event.Name == dir {
				_ = watcher.Add(dir)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return set, missing, nil
			}
			logging.Get(logging.CategoryExtract).Warn("watcher error: %v", werr)
		}
	}
}

// ReadMetadata parses the export metadata file into key/value pairs.
func ReadMetadata(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	meta := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed metadata line %q in %s", line, path)
		}
		meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return meta, nil
}
