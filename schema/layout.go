package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// Artifact names inside a fixture (or export) version directory. Every
// basename embeds the safe version string; see SafeVersion.
const (
	// MetadataFileName is the extraction-channel record describing where the
	// artifacts came from and when they were exported.
	MetadataFileName = "export_metadata.txt"
)

// SnapshotFileName returns the binary snapshot basename for a version.
func SnapshotFileName(version string) string {
	return fmt.Sprintf("snapshot-%s.sqlite", SafeVersion(version))
}

// ManifestFileName returns the structural manifest basename for a version.
func ManifestFileName(version string) string {
	return fmt.Sprintf("manifest-%s.json", SafeVersion(version))
}

// FingerprintFileName returns the fingerprint basename for a version.
func FingerprintFileName(version string) string {
	return fmt.Sprintf("fingerprint-%s.sha256", SafeVersion(version))
}

// ArtifactFileNames lists the complete artifact set expected in a version
// directory, in a stable order. Extraction treats anything short of this set
// as incomplete.
func ArtifactFileNames(version string) []string {
	return []string{
		SnapshotFileName(version),
		ManifestFileName(version),
		FingerprintFileName(version),
		MetadataFileName,
	}
}

// DriftTestFileName returns the scaffold basename for a subject type's drift
// check, e.g. "AppSchemaV1" -> "app_schema_v1_drift_test.go".
func DriftTestFileName(subjectType string) string {
	return snakeCase(subjectType) + "_drift_test.go"
}

// MigrationTestFileName returns the scaffold basename for a migration-pair
// check, e.g. ("1.0.0", "2.0.0") -> "migrate_1_0_0_to_2_0_0_test.go".
func MigrationTestFileName(from, to string) string {
	return fmt.Sprintf("migrate_%s_to_%s_test.go", SafeVersion(from), SafeVersion(to))
}

// snakeCase converts an exported Go identifier to snake_case for filenames.
func snakeCase(ident string) string {
	var b strings.Builder
	runes := []rune(ident)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Break before an upper rune unless it continues an acronym run.
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
