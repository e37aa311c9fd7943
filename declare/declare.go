// Package declare is the annotation surface of schemafreeze. Applications
// register their schema versions and migration plans from init functions;
// the freeze pipeline discovers those registrations structurally in source
// and the generated driver resolves them at run time through this registry.
//
// Version and Type values must be string literals and Versions must be a
// []string literal at the call site, otherwise discovery cannot see them.
package declare

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// Materializer creates the persistent structures of one schema version in a
// fresh store. It must be deterministic and must not depend on pre-existing
// state; the pipeline always hands it an empty database.
type Materializer func(ctx context.Context, db *sql.DB) error

// MigrationStep transforms a store from one adjacent version to the next in
// a plan's upgrade path.
type MigrationStep func(ctx context.Context, db *sql.DB, from, to string) error

// Schema declares one frozen-able schema version.
type Schema struct {
	// Version is the semantic version string, unique across the project.
	Version string
	// Type names the schema type this version describes (e.g. "AppSchemaV1").
	Type string
	// Materialize builds the schema in an empty store.
	Materialize Materializer
}

// Plan declares an ordered upgrade path across schema versions.
type Plan struct {
	// Type names the plan (e.g. "AppMigrationPlan").
	Type string
	// Versions is the ordered upgrade path, oldest first.
	Versions []string
	// Apply performs one step of the path.
	Apply MigrationStep
}

var (
	mu       sync.RWMutex
	versions = make(map[string]Schema)
	plans    []Plan
)

// SchemaVersion registers a schema version. It panics on an invalid or
// duplicate declaration: registrations run from init functions, where a
// broken declaration should stop the program immediately rather than
// surface later as a missing version.
func SchemaVersion(s Schema) {
	if s.Version == "" {
		panic("declare: SchemaVersion requires a Version")
	}
	if s.Type == "" {
		panic(fmt.Sprintf("declare: SchemaVersion %s requires a Type", s.Version))
	}
	if s.Materialize == nil {
		panic(fmt.Sprintf("declare: SchemaVersion %s requires a Materialize func", s.Version))
	}

	mu.Lock()
	defer mu.Unlock()
	if prev, exists := versions[s.Version]; exists {
		panic(fmt.Sprintf("declare: duplicate SchemaVersion %s (types %s and %s)",
			s.Version, prev.Type, s.Type))
	}
	versions[s.Version] = s
}

// MigrationPlan registers a migration plan. Multiple plans may exist; the
// pipeline selects one deterministically and warns.
func MigrationPlan(p Plan) {
	if p.Type == "" {
		panic("declare: MigrationPlan requires a Type")
	}
	if len(p.Versions) < 2 {
		panic(fmt.Sprintf("declare: MigrationPlan %s requires at least two versions", p.Type))
	}
	if p.Apply == nil {
		panic(fmt.Sprintf("declare: MigrationPlan %s requires an Apply func", p.Type))
	}

	mu.Lock()
	defer mu.Unlock()
	plans = append(plans, p)
}

// LookupVersion returns the registered schema for a version string.
func LookupVersion(version string) (Schema, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := versions[version]
	return s, ok
}

// Versions returns all registered schema versions sorted by version string.
func Versions() []Schema {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Schema, 0, len(versions))
	for _, s := range versions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Plans returns all registered migration plans in registration order.
func Plans() []Plan {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PlanCovering returns the first registered plan whose path contains from
// immediately followed (possibly transitively) by to.
func PlanCovering(from, to string) (Plan, bool) {
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range plans {
		fi, ti := -1, -1
		for i, v := range p.Versions {
			if v == from {
				fi = i
			}
			if v == to {
				ti = i
			}
		}
		if fi >= 0 && ti > fi {
			return p, true
		}
	}
	return Plan{}, false
}

// Reset clears the registry. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	versions = make(map[string]Schema)
	plans = nil
}
