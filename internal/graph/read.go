package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/ontology"
)

// entityFields is the predicate list every entity read returns.
const entityFields = `
	uid
	canonical_id
	entity_type
	name
	props
	merged_from
	created_at
	updated_at`

type rawEntity struct {
	UID         string    `json:"uid"`
	CanonicalID string    `json:"canonical_id"`
	Type        string    `json:"entity_type"`
	Name        string    `json:"name"`
	Props       string    `json:"props"`
	MergedFrom  []string  `json:"merged_from"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type rawRelation struct {
	Key       string     `json:"relation_key"`
	Type      string     `json:"rel_type"`
	Props     string     `json:"rel_props"`
	Since     string     `json:"since"`
	UpdatedAt time.Time  `json:"updated_at"`
	From      *rawEntity `json:"rel_from"`
	To        *rawEntity `json:"rel_to"`
}

func (r rawEntity) toEntity() Entity {
	e := Entity{
		UID:         r.UID,
		CanonicalID: r.CanonicalID,
		Type:        ontology.EntityType(r.Type),
		Name:        r.Name,
		MergedFrom:  r.MergedFrom,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Properties:  map[string]any{},
	}
	if r.Props != "" {
		// Props are written by this adapter, so a decode failure here is a
		// stored-data bug, not a caller error. Keep the entity usable.
		_ = jsonx.UnmarshalFromString(r.Props, &e.Properties)
	}
	return e
}

func (r rawRelation) toRelation() Relation {
	rel := Relation{
		Type:       ontology.RelationType(r.Type),
		Since:      r.Since,
		UpdatedAt:  r.UpdatedAt,
		Properties: map[string]any{},
	}
	if r.Props != "" {
		_ = jsonx.UnmarshalFromString(r.Props, &rel.Properties)
	}
	if r.From != nil {
		rel.From = r.From.CanonicalID
	}
	if r.To != nil {
		rel.To = r.To.CanonicalID
	}
	if rel.From == "" || rel.To == "" {
		// The key field carries both endpoints even when only one side was
		// expanded in the query.
		parts := strings.SplitN(r.Key, "|", 3)
		if len(parts) == 3 {
			if rel.From == "" {
				rel.From = parts[0]
			}
			if rel.To == "" {
				rel.To = parts[2]
			}
		}
	}
	return rel
}

// GetEntityByCanonicalID returns the entity or nil when no node carries the
// id. A miss is not an error; callers treat it as "nothing persisted yet".
func (c *Client) GetEntityByCanonicalID(ctx context.Context, canonicalID string) (*Entity, error) {
	q := fmt.Sprintf(`query get($cid: string) {
		q(func: eq(canonical_id, $cid), first: 1) {%s
		}
	}`, entityFields)

	data, err := c.query(ctx, q, map[string]string{"$cid": canonicalID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []rawEntity `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode entity", err)
	}
	if len(out.Q) == 0 {
		return nil, nil
	}
	e := out.Q[0].toEntity()
	return &e, nil
}

// GetAllFactions lists every persisted faction.
func (c *Client) GetAllFactions(ctx context.Context) ([]Entity, error) {
	q := fmt.Sprintf(`query factions($t: string) {
		q(func: eq(entity_type, $t)) {%s
		}
	}`, entityFields)

	data, err := c.query(ctx, q, map[string]string{"$t": string(ontology.EntityFaction)})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []rawEntity `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode factions", err)
	}
	entities := make([]Entity, 0, len(out.Q))
	for _, r := range out.Q {
		entities = append(entities, r.toEntity())
	}
	return entities, nil
}

// GetFactionContext returns a faction with its controlled resources, member
// and commanding characters, allies, and participated events.
func (c *Client) GetFactionContext(ctx context.Context, name string) (*FactionContext, error) {
	cid := ontology.CanonicalID(ontology.EntityFaction, name)
	q := fmt.Sprintf(`query ctx($cid: string) {
		q(func: eq(canonical_id, $cid), first: 1) {%s
			outgoing: ~rel_from {
				relation_key
				rel_type
				rel_props
				since
				updated_at
				rel_to {%s
				}
			}
			incoming: ~rel_to {
				relation_key
				rel_type
				rel_props
				since
				updated_at
				rel_from {%s
				}
			}
		}
	}`, entityFields, entityFields, entityFields)

	data, err := c.query(ctx, q, map[string]string{"$cid": cid})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []struct {
			rawEntity
			Outgoing []rawRelation `json:"outgoing"`
			Incoming []rawRelation `json:"incoming"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode faction context", err)
	}
	if len(out.Q) == 0 {
		return nil, nil
	}

	node := out.Q[0]
	fc := &FactionContext{Faction: node.rawEntity.toEntity()}
	seen := map[string]bool{}

	collect := func(raw rawRelation, neighbor *rawEntity) {
		rel := raw.toRelation()
		if !seen[rel.Key()] {
			seen[rel.Key()] = true
			fc.Relations = append(fc.Relations, rel)
		}
		if neighbor == nil {
			return
		}
		other := neighbor.toEntity()
		switch rel.Type {
		case ontology.RelControlsResource:
			fc.Resources = append(fc.Resources, other)
		case ontology.RelIsAllyOf:
			fc.Allies = append(fc.Allies, other)
		case ontology.RelParticipatedIn:
			fc.Events = append(fc.Events, other)
		case ontology.RelCommands, ontology.RelMemberOf:
			fc.Characters = append(fc.Characters, other)
		}
	}
	for _, raw := range node.Outgoing {
		collect(raw, raw.To)
	}
	for _, raw := range node.Incoming {
		collect(raw, raw.From)
	}
	return fc, nil
}

// FindIndirectResourceControl finds factions that control a resource either
// directly or through an alliance chain of at most maxHops edges. Hop 1 is
// the CONTROLS_RESOURCE edge itself; each IS_ALLY_OF edge adds one hop.
func (c *Client) FindIndirectResourceControl(ctx context.Context, resourceName string, maxHops int) ([]ControlPath, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	if maxHops > 3 {
		maxHops = 3
	}
	resourceCID := ontology.CanonicalID(ontology.EntityResource, resourceName)

	controllers, err := c.directControllers(ctx, resourceCID)
	if err != nil {
		return nil, err
	}

	var paths []ControlPath
	visited := map[string]bool{}
	type frontierNode struct {
		entity Entity
		chain  []string
	}
	var frontier []frontierNode
	for _, f := range controllers {
		if visited[f.CanonicalID] {
			continue
		}
		visited[f.CanonicalID] = true
		chain := []string{f.Name, resourceName}
		paths = append(paths, ControlPath{
			Faction:  f.Name,
			Resource: resourceName,
			Hops:     1,
			Chain:    chain,
		})
		frontier = append(frontier, frontierNode{entity: f, chain: chain})
	}

	for hop := 2; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []frontierNode
		for _, node := range frontier {
			allies, err := c.alliesOf(ctx, node.entity.CanonicalID)
			if err != nil {
				return nil, err
			}
			for _, ally := range allies {
				if visited[ally.CanonicalID] {
					continue
				}
				visited[ally.CanonicalID] = true
				chain := append([]string{ally.Name}, node.chain...)
				paths = append(paths, ControlPath{
					Faction:  ally.Name,
					Resource: resourceName,
					Hops:     hop,
					Chain:    chain,
				})
				next = append(next, frontierNode{entity: ally, chain: chain})
			}
		}
		frontier = next
	}
	return paths, nil
}

// directControllers returns the factions holding a CONTROLS_RESOURCE edge to
// the resource.
func (c *Client) directControllers(ctx context.Context, resourceCID string) ([]Entity, error) {
	q := fmt.Sprintf(`query ctl($cid: string, $rel: string) {
		q(func: eq(canonical_id, $cid)) {
			~rel_to @filter(eq(rel_type, $rel)) {
				rel_from {%s
				}
			}
		}
	}`, entityFields)

	data, err := c.query(ctx, q, map[string]string{
		"$cid": resourceCID,
		"$rel": string(ontology.RelControlsResource),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []struct {
			Incoming []struct {
				From *rawEntity `json:"rel_from"`
			} `json:"~rel_to"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode controllers", err)
	}
	var factions []Entity
	for _, node := range out.Q {
		for _, rel := range node.Incoming {
			if rel.From != nil {
				factions = append(factions, rel.From.toEntity())
			}
		}
	}
	return factions, nil
}

// alliesOf returns the factions allied with cid, in either edge direction.
func (c *Client) alliesOf(ctx context.Context, cid string) ([]Entity, error) {
	q := fmt.Sprintf(`query allies($cid: string, $rel: string) {
		q(func: eq(canonical_id, $cid)) {
			out: ~rel_from @filter(eq(rel_type, $rel)) {
				rel_to {%s
				}
			}
			in: ~rel_to @filter(eq(rel_type, $rel)) {
				rel_from {%s
				}
			}
		}
	}`, entityFields, entityFields)

	data, err := c.query(ctx, q, map[string]string{
		"$cid": cid,
		"$rel": string(ontology.RelIsAllyOf),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []struct {
			Out []struct {
				To *rawEntity `json:"rel_to"`
			} `json:"out"`
			In []struct {
				From *rawEntity `json:"rel_from"`
			} `json:"in"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode allies", err)
	}
	var allies []Entity
	for _, node := range out.Q {
		for _, rel := range node.Out {
			if rel.To != nil {
				allies = append(allies, rel.To.toEntity())
			}
		}
		for _, rel := range node.In {
			if rel.From != nil {
				allies = append(allies, rel.From.toEntity())
			}
		}
	}
	return allies, nil
}

// FindPotentialContradictions compares two factions and reports structural
// tensions: resources both claim to control and characters loyal to both.
func (c *Client) FindPotentialContradictions(ctx context.Context, factionA, factionB string) ([]Contradiction, error) {
	ctxA, err := c.GetFactionContext(ctx, factionA)
	if err != nil {
		return nil, err
	}
	ctxB, err := c.GetFactionContext(ctx, factionB)
	if err != nil {
		return nil, err
	}
	if ctxA == nil || ctxB == nil {
		return nil, nil
	}

	var contradictions []Contradiction

	inB := map[string]Entity{}
	for _, r := range ctxB.Resources {
		inB[r.CanonicalID] = r
	}
	for _, r := range ctxA.Resources {
		if _, ok := inB[r.CanonicalID]; ok {
			contradictions = append(contradictions, Contradiction{
				Kind:    "contested_resource",
				Subject: r.Name,
				Evidence: []string{
					fmt.Sprintf("%s controls %s", ctxA.Faction.Name, r.Name),
					fmt.Sprintf("%s controls %s", ctxB.Faction.Name, r.Name),
				},
			})
		}
	}

	loyalB := map[string]Entity{}
	for _, ch := range ctxB.Characters {
		loyalB[ch.CanonicalID] = ch
	}
	for _, ch := range ctxA.Characters {
		if _, ok := loyalB[ch.CanonicalID]; ok {
			contradictions = append(contradictions, Contradiction{
				Kind:    "divided_loyalty",
				Subject: ch.Name,
				Evidence: []string{
					fmt.Sprintf("%s serves %s", ch.Name, ctxA.Faction.Name),
					fmt.Sprintf("%s serves %s", ch.Name, ctxB.Faction.Name),
				},
			})
		}
	}
	return contradictions, nil
}

// GetEventsByTimeRange lists events whose date falls within [start, end].
func (c *Client) GetEventsByTimeRange(ctx context.Context, start, end time.Time) ([]Entity, error) {
	q := fmt.Sprintf(`query events($t: string, $start: string, $end: string) {
		q(func: eq(entity_type, $t)) @filter(ge(event_date, $start) AND le(event_date, $end)) {%s
		}
	}`, entityFields)

	data, err := c.query(ctx, q, map[string]string{
		"$t":     string(ontology.EntityEvent),
		"$start": start.UTC().Format(time.RFC3339),
		"$end":   end.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []rawEntity `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode events", err)
	}
	events := make([]Entity, 0, len(out.Q))
	for _, r := range out.Q {
		events = append(events, r.toEntity())
	}
	return events, nil
}

// FindEntitiesByKeyword runs a full-text name search capped at limit hits.
func (c *Client) FindEntitiesByKeyword(ctx context.Context, keyword string, limit int) ([]Entity, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	q := fmt.Sprintf(`query search($kw: string) {
		q(func: anyoftext(name, $kw), first: %d) {%s
		}
	}`, limit, entityFields)

	data, err := c.query(ctx, q, map[string]string{"$kw": keyword})
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []rawEntity `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode keyword hits", err)
	}
	entities := make([]Entity, 0, len(out.Q))
	for _, r := range out.Q {
		entities = append(entities, r.toEntity())
	}
	return entities, nil
}

// FindRelationsForEntities returns every relation touching any of the given
// canonical ids, deduplicated by relation key.
func (c *Client) FindRelationsForEntities(ctx context.Context, canonicalIDs []string) ([]Relation, error) {
	if len(canonicalIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`{
		q(func: eq(canonical_id, %s)) {
			outgoing: ~rel_from {
				relation_key
				rel_type
				rel_props
				since
				updated_at
			}
			incoming: ~rel_to {
				relation_key
				rel_type
				rel_props
				since
				updated_at
			}
		}
	}`, quoteIDList(canonicalIDs))

	data, err := c.query(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Q []struct {
			Outgoing []rawRelation `json:"outgoing"`
			Incoming []rawRelation `json:"incoming"`
		} `json:"q"`
	}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.Fatal, "decode relations", err)
	}

	seen := map[string]bool{}
	var relations []Relation
	add := func(raw rawRelation) {
		rel := raw.toRelation()
		if rel.From == "" || rel.To == "" || seen[rel.Key()] {
			return
		}
		seen[rel.Key()] = true
		relations = append(relations, rel)
	}
	for _, node := range out.Q {
		for _, raw := range node.Outgoing {
			add(raw)
		}
		for _, raw := range node.Incoming {
			add(raw)
		}
	}
	return relations, nil
}

// quoteIDList renders canonical ids as a DQL list literal. Canonical ids are
// slug-restricted so quoting is simple, but escape anyway.
func quoteIDList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = quoteNquad(id)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
