// Package ontology defines the closed entity and relation type sets for the
// ACE knowledge graph, along with validation rules and the deterministic
// canonical-id scheme that makes ingestion idempotent.
package ontology

import (
	"fmt"
	"regexp"
	"strings"
)

// EntityType labels a node in the knowledge graph. The set is closed.
type EntityType string

const (
	EntityFaction   EntityType = "Faction"
	EntityCharacter EntityType = "Character"
	EntityLocation  EntityType = "Location"
	EntityResource  EntityType = "Resource"
	EntityEvent     EntityType = "Event"
)

// EntityTypes enumerates the closed label set in declaration order.
var EntityTypes = []EntityType{
	EntityFaction,
	EntityCharacter,
	EntityLocation,
	EntityResource,
	EntityEvent,
}

// RelationType labels a directed edge. The set is closed.
type RelationType string

const (
	RelControlsResource RelationType = "CONTROLS_RESOURCE"
	RelIsAllyOf         RelationType = "IS_ALLY_OF"
	RelParticipatedIn   RelationType = "PARTICIPATED_IN"
	RelLocatedIn        RelationType = "LOCATED_IN"
	RelCommands         RelationType = "COMMANDS"
	RelMemberOf         RelationType = "MEMBER_OF"
)

// RelationTypes enumerates the closed relation set.
var RelationTypes = []RelationType{
	RelControlsResource,
	RelIsAllyOf,
	RelParticipatedIn,
	RelLocatedIn,
	RelCommands,
	RelMemberOf,
}

// requiredProperties lists the properties every entity of a type must carry.
var requiredProperties = map[EntityType][]string{
	EntityFaction:   {"name", "alignment"},
	EntityCharacter: {"name", "role"},
	EntityLocation:  {"name", "type"},
	EntityResource:  {"name", "type"},
	EntityEvent:     {"name", "type", "date"},
}

// endpointRule constrains the entity types a relation may connect.
// An empty set means any entity type is accepted on that side.
type endpointRule struct {
	from map[EntityType]bool
	to   map[EntityType]bool
}

var endpointRules = map[RelationType]endpointRule{
	RelControlsResource: {
		from: set(EntityFaction),
		to:   set(EntityResource),
	},
	RelIsAllyOf: {
		from: set(EntityFaction),
		to:   set(EntityFaction),
	},
	RelParticipatedIn: {
		to: set(EntityEvent),
	},
	RelLocatedIn: {
		to: set(EntityLocation),
	},
	RelCommands: {
		from: set(EntityCharacter),
		to:   set(EntityFaction),
	},
	RelMemberOf: {
		from: set(EntityCharacter),
		to:   set(EntityFaction),
	},
}

func set(types ...EntityType) map[EntityType]bool {
	m := make(map[EntityType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// relationSynonyms maps lowercased free-text labels to canonical relations.
// Exact lookup runs first, then substring matching in declaration order.
var relationSynonyms = []struct {
	phrase string
	rel    RelationType
}{
	{"controls_resource", RelControlsResource},
	{"controls", RelControlsResource},
	{"control", RelControlsResource},
	{"owns", RelControlsResource},
	{"holds", RelControlsResource},
	{"is_ally_of", RelIsAllyOf},
	{"allied with", RelIsAllyOf},
	{"ally of", RelIsAllyOf},
	{"alliance", RelIsAllyOf},
	{"participated_in", RelParticipatedIn},
	{"participated in", RelParticipatedIn},
	{"fought in", RelParticipatedIn},
	{"took part in", RelParticipatedIn},
	{"located_in", RelLocatedIn},
	{"located in", RelLocatedIn},
	{"situated in", RelLocatedIn},
	{"found in", RelLocatedIn},
	{"commands", RelCommands},
	{"leads", RelCommands},
	{"led by", RelCommands},
	{"rules", RelCommands},
	{"member_of", RelMemberOf},
	{"member of", RelMemberOf},
	{"belongs to", RelMemberOf},
	{"serves", RelMemberOf},
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	nonSlugChars  = regexp.MustCompile(`[^a-z0-9-]`)
	nonSnakeChars = regexp.MustCompile(`[^A-Z0-9_]`)
)

// ValidEntityType reports whether t is in the closed label set.
func ValidEntityType(t EntityType) bool {
	_, ok := requiredProperties[t]
	return ok
}

// ValidRelationType reports whether t is in the closed relation set.
func ValidRelationType(t RelationType) bool {
	_, ok := endpointRules[t]
	return ok
}

// RequiredProperties returns the required property keys for an entity type.
func RequiredProperties(t EntityType) []string {
	return requiredProperties[t]
}

// ValidateEntity checks attrs against the type's required-field rules.
// Errors enumerate missing fields; nothing is guessed or filled.
func ValidateEntity(t EntityType, attrs map[string]any) []string {
	if !ValidEntityType(t) {
		return []string{fmt.Sprintf("unknown entity type %q", t)}
	}
	var errs []string
	for _, key := range requiredProperties[t] {
		v, ok := attrs[key]
		if !ok || isEmptyValue(v) {
			errs = append(errs, fmt.Sprintf("%s: missing required property %q", t, key))
		}
	}
	return errs
}

// ValidateRelation checks the relation type and its endpoint entity types.
func ValidateRelation(t RelationType, from, to EntityType, attrs map[string]any) []string {
	rule, ok := endpointRules[t]
	if !ok {
		return []string{fmt.Sprintf("unknown relation type %q", t)}
	}
	var errs []string
	if len(rule.from) > 0 && !rule.from[from] {
		errs = append(errs, fmt.Sprintf("%s: invalid source type %q", t, from))
	}
	if len(rule.to) > 0 && !rule.to[to] {
		errs = append(errs, fmt.Sprintf("%s: invalid target type %q", t, to))
	}
	return errs
}

// Slug lowercases, trims, and collapses whitespace runs to single hyphens.
// The output contains only [a-z0-9-] and is a fixed point of Slug itself.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, "-")
	s = nonSlugChars.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}

// CanonicalID derives the stable identifier for an entity. The rule is
// intentionally pure so ingestion from different documents about the same
// entity converges on one node.
func CanonicalID(t EntityType, name string) string {
	slug := Slug(name)
	if slug == "" {
		slug = "unknown"
	}
	return strings.ToLower(string(t)) + "-" + slug
}

// NormalizeRelationLabel resolves a free-text relation label to a canonical
// relation type: exact synonym match, then substring match, then an
// upper-snake-case fallback of the raw input.
func NormalizeRelationLabel(raw string) RelationType {
	needle := strings.ToLower(strings.TrimSpace(raw))
	needle = whitespaceRun.ReplaceAllString(needle, " ")

	for _, syn := range relationSynonyms {
		if needle == syn.phrase {
			return syn.rel
		}
	}
	for _, syn := range relationSynonyms {
		if strings.Contains(needle, syn.phrase) {
			return syn.rel
		}
	}

	fallback := strings.ToUpper(strings.ReplaceAll(needle, " ", "_"))
	fallback = nonSnakeChars.ReplaceAllString(fallback, "")
	return RelationType(strings.Trim(fallback, "_"))
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
