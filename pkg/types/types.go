// Package types defines the core data structures for the meeting tracking
// system: canonical entities, their cached state snapshots, and the
// append-only state transition history derived from meeting transcripts.
package types

import "strings"

// EntityType classifies the real-world referent behind an entity.
type EntityType string

// Entity type constants.
const (
	EntityTypePerson  EntityType = "person"
	EntityTypeProject EntityType = "project"
	EntityTypeFeature EntityType = "feature"
	EntityTypeOther   EntityType = "other"
)

// ValidEntityTypes lists all recognized entity types for validation.
var ValidEntityTypes = []EntityType{
	EntityTypePerson,
	EntityTypeProject,
	EntityTypeFeature,
	EntityTypeOther,
}

// IsValidEntityType checks if the given entity type is valid.
func IsValidEntityType(t EntityType) bool {
	for _, valid := range ValidEntityTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// ParseEntityType maps a free-form type hint from the extraction step to a
// known EntityType. Unknown or empty hints map to EntityTypeOther so a noisy
// extractor can never produce an invalid entity record.
func ParseEntityType(hint string) EntityType {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "person", "people", "speaker", "attendee":
		return EntityTypePerson
	case "project", "initiative", "program":
		return EntityTypeProject
	case "feature", "capability", "component":
		return EntityTypeFeature
	default:
		return EntityTypeOther
	}
}

// NormalizeName folds a surface name for alias comparison: lowercased with
// leading/trailing whitespace trimmed and internal runs of whitespace
// collapsed to a single space. "Bob" and "bob " normalize identically.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
