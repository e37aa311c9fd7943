// Package schema defines the structural representation of a frozen
// persistence schema: the canonical export, its content fingerprint, the
// artifact naming scheme, and numeric version ordering.
//
// The fingerprint is always computed over the structural export, never over
// the binary snapshot. Snapshot files contain non-deterministic bytes
// (timestamps, page ordering), so hashing them directly would make drift
// detection unreproducible.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Column describes one column of an entity in the structural export.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull,omitempty"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
}

// Entity describes one persisted entity (table) in the structural export.
type Entity struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Export is the structural description of a schema version. It carries no
// data values and no timestamps so that its canonical encoding is stable
// across machines and runs.
type Export struct {
	Version  string   `json:"version"`
	Entities []Entity `json:"entities"`
}

// Normalize sorts entities and columns into canonical order. Fingerprinting
// and comparison call this; callers building an Export by hand may rely on
// it instead of pre-sorting.
func (e *Export) Normalize() {
	sort.Slice(e.Entities, func(i, j int) bool {
		return e.Entities[i].Name < e.Entities[j].Name
	})
	for i := range e.Entities {
		cols := e.Entities[i].Columns
		sort.Slice(cols, func(a, b int) bool {
			return cols[a].Name < cols[b].Name
		})
	}
}

// Canonical returns the deterministic JSON encoding of the export.
func (e Export) Canonical() ([]byte, error) {
	e.Normalize()
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return data, nil
}

// Fingerprint computes the SHA-256 content fingerprint of a structural
// export, returned as lowercase hex. Equal exports always produce equal
// fingerprints; any structural difference produces a different one.
func Fingerprint(e Export) (string, error) {
	data, err := e.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DriftResult is the outcome of comparing a stored fingerprint against the
// fingerprint of the current schema definition.
type DriftResult struct {
	Match    bool
	Expected string
	Actual   string
}

// Compare checks a stored fingerprint against the current one. A mismatch is
// a detection result, not an error: byte inequality is sufficient and
// intentional. No semantic diffing is attempted.
func Compare(stored, current string) DriftResult {
	return DriftResult{
		Match:    stored == current,
		Expected: stored,
		Actual:   current,
	}
}
