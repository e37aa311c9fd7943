package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ManifestEntity is the manifest's per-entity record. The manifest carries
// structural metadata only, never data values.
type ManifestEntity struct {
	Name string `json:"name"`
}

// Manifest is the human-readable structural summary stored next to the
// snapshot. Unlike the canonical export it includes a timestamp, which is
// why fingerprints are computed over the export and not over this file.
type Manifest struct {
	Timestamp   time.Time        `json:"timestamp"`
	EntityCount int              `json:"entityCount"`
	Entities    []ManifestEntity `json:"entities"`
}

// NewManifest derives a manifest from a structural export.
func NewManifest(e Export, at time.Time) Manifest {
	e.Normalize()
	m := Manifest{
		Timestamp:   at.UTC(),
		EntityCount: len(e.Entities),
		Entities:    make([]ManifestEntity, 0, len(e.Entities)),
	}
	for _, ent := range e.Entities {
		m.Entities = append(m.Entities, ManifestEntity{Name: ent.Name})
	}
	return m
}

// WriteManifest writes a manifest as indented JSON.
func WriteManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest file.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
