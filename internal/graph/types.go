// Package graph provides the Dgraph adapter for the ACE knowledge graph:
// idempotent upserts keyed on canonical ids and the read templates shared by
// ingestion and inference. It is the only package allowed to emit native
// graph queries.
package graph

import (
	"time"

	"github.com/worldloom/ace/internal/ontology"
)

// Entity is a persisted typed node.
type Entity struct {
	UID         string              `json:"uid,omitempty"`
	CanonicalID string              `json:"canonical_id,omitempty"`
	Type        ontology.EntityType `json:"entity_type,omitempty"`
	Name        string              `json:"name,omitempty"`
	Properties  map[string]any      `json:"-"`
	MergedFrom  []string            `json:"merged_from,omitempty"`
	CreatedAt   time.Time           `json:"created_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at,omitempty"`
}

// Relation is a persisted directed typed edge. The (From, Type, To) triple
// is unique; upserts are keyed on it.
type Relation struct {
	From       string                `json:"from,omitempty"`
	Type       ontology.RelationType `json:"rel_type,omitempty"`
	To         string                `json:"to,omitempty"`
	Properties map[string]any        `json:"-"`
	Since      string                `json:"since,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at,omitempty"`
}

// Key returns the unique identity of the relation.
func (r Relation) Key() string {
	return r.From + "|" + string(r.Type) + "|" + r.To
}

// WriteResult reports what an upsert actually did, so ingestion can count
// creations separately from no-op re-writes.
type WriteResult struct {
	Created bool
}

// FactionContext bundles a faction with its immediate neighborhood.
type FactionContext struct {
	Faction    Entity     `json:"faction"`
	Resources  []Entity   `json:"resources"`
	Characters []Entity   `json:"characters"`
	Allies     []Entity   `json:"allies"`
	Events     []Entity   `json:"events"`
	Relations  []Relation `json:"relations"`
}

// Contradiction is a potential inconsistency between two factions.
type Contradiction struct {
	Kind     string   `json:"kind"`
	Subject  string   `json:"subject"`
	Evidence []string `json:"evidence"`
}

// ControlPath explains how a faction controls a resource, directly or
// through an ally chain.
type ControlPath struct {
	Faction  string   `json:"faction"`
	Resource string   `json:"resource"`
	Hops     int      `json:"hops"`
	Chain    []string `json:"chain"`
}
