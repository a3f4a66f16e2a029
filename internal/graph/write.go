package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/ontology"
)

// UpsertEntity writes an entity keyed on canonical_id. A first write creates
// the node with created_at; later writes refresh props, name, and updated_at
// but never touch created_at. Aborted transactions retry once.
func (c *Client) UpsertEntity(ctx context.Context, e Entity) (WriteResult, error) {
	if e.CanonicalID == "" {
		return WriteResult{}, fault.New(fault.Validation, "entity canonical_id is required")
	}
	if !ontology.ValidEntityType(e.Type) {
		return WriteResult{}, fault.Errorf(fault.Validation, "unknown entity type %q", e.Type)
	}

	props, err := jsonx.MarshalToString(e.Properties)
	if err != nil {
		return WriteResult{}, fault.Wrap(fault.Validation, "entity properties not serializable", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	query := `query upsert($cid: string) {
		node as existing(func: eq(canonical_id, $cid)) { uid }
	}`

	var create strings.Builder
	fmt.Fprintf(&create, "uid(node) <canonical_id> %q .\n", e.CanonicalID)
	fmt.Fprintf(&create, "uid(node) <entity_type> %q .\n", string(e.Type))
	fmt.Fprintf(&create, "uid(node) <name> %s .\n", quoteNquad(e.Name))
	fmt.Fprintf(&create, "uid(node) <props> %s .\n", quoteNquad(props))
	fmt.Fprintf(&create, "uid(node) <created_at> %q .\n", now)
	fmt.Fprintf(&create, "uid(node) <updated_at> %q .\n", now)
	fmt.Fprintf(&create, "uid(node) <dgraph.type> \"Entity\" .\n")
	writeEventDate(&create, e)
	for _, src := range e.MergedFrom {
		fmt.Fprintf(&create, "uid(node) <merged_from> %s .\n", quoteNquad(src))
	}

	var update strings.Builder
	fmt.Fprintf(&update, "uid(node) <name> %s .\n", quoteNquad(e.Name))
	fmt.Fprintf(&update, "uid(node) <props> %s .\n", quoteNquad(props))
	fmt.Fprintf(&update, "uid(node) <updated_at> %q .\n", now)
	writeEventDate(&update, e)
	for _, src := range e.MergedFrom {
		fmt.Fprintf(&update, "uid(node) <merged_from> %s .\n", quoteNquad(src))
	}

	req := &api.Request{
		Query: query,
		Vars:  map[string]string{"$cid": e.CanonicalID},
		Mutations: []*api.Mutation{
			{Cond: `@if(eq(len(node), 0))`, SetNquads: []byte(create.String())},
			{Cond: `@if(gt(len(node), 0))`, SetNquads: []byte(update.String())},
		},
		CommitNow: true,
	}

	resp, err := c.mutate(ctx, req)
	if err != nil {
		return WriteResult{}, err
	}

	created, err := noneExisting(resp.Json)
	if err != nil {
		return WriteResult{}, err
	}
	c.logger.Debug("entity upserted",
		zap.String("canonical_id", e.CanonicalID),
		zap.Bool("created", created))
	return WriteResult{Created: created}, nil
}

// UpsertRelation writes a relation keyed on the (from, type, to) triple.
// Both endpoints must already exist; a missing endpoint is a Validation
// fault so the caller can drop the dangling edge.
func (c *Client) UpsertRelation(ctx context.Context, r Relation) (WriteResult, error) {
	if r.From == "" || r.To == "" {
		return WriteResult{}, fault.New(fault.Validation, "relation endpoints are required")
	}
	if !ontology.ValidRelationType(r.Type) {
		return WriteResult{}, fault.Errorf(fault.Validation, "unknown relation type %q", r.Type)
	}

	props, err := jsonx.MarshalToString(r.Properties)
	if err != nil {
		return WriteResult{}, fault.Wrap(fault.Validation, "relation properties not serializable", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	query := `query upsert($from: string, $to: string, $key: string) {
		src as srcq(func: eq(canonical_id, $from)) { uid }
		dst as dstq(func: eq(canonical_id, $to)) { uid }
		rel as existing(func: eq(relation_key, $key)) { uid }
	}`

	var create strings.Builder
	fmt.Fprintf(&create, "uid(rel) <relation_key> %s .\n", quoteNquad(r.Key()))
	fmt.Fprintf(&create, "uid(rel) <rel_type> %q .\n", string(r.Type))
	fmt.Fprintf(&create, "uid(rel) <rel_from> uid(src) .\n")
	fmt.Fprintf(&create, "uid(rel) <rel_to> uid(dst) .\n")
	fmt.Fprintf(&create, "uid(rel) <rel_props> %s .\n", quoteNquad(props))
	fmt.Fprintf(&create, "uid(rel) <created_at> %q .\n", now)
	fmt.Fprintf(&create, "uid(rel) <updated_at> %q .\n", now)
	fmt.Fprintf(&create, "uid(rel) <dgraph.type> \"Relation\" .\n")
	if r.Since != "" {
		fmt.Fprintf(&create, "uid(rel) <since> %s .\n", quoteNquad(r.Since))
	}

	var update strings.Builder
	fmt.Fprintf(&update, "uid(rel) <rel_props> %s .\n", quoteNquad(props))
	fmt.Fprintf(&update, "uid(rel) <updated_at> %q .\n", now)
	if r.Since != "" {
		fmt.Fprintf(&update, "uid(rel) <since> %s .\n", quoteNquad(r.Since))
	}

	endpoints := `gt(len(src), 0) AND gt(len(dst), 0)`
	req := &api.Request{
		Query: query,
		Vars: map[string]string{
			"$from": r.From,
			"$to":   r.To,
			"$key":  r.Key(),
		},
		Mutations: []*api.Mutation{
			{Cond: `@if(eq(len(rel), 0) AND ` + endpoints + `)`, SetNquads: []byte(create.String())},
			{Cond: `@if(gt(len(rel), 0))`, SetNquads: []byte(update.String())},
		},
		CommitNow: true,
	}

	resp, err := c.mutate(ctx, req)
	if err != nil {
		return WriteResult{}, err
	}

	var probe struct {
		Src []struct {
			UID string `json:"uid"`
		} `json:"srcq"`
		Dst []struct {
			UID string `json:"uid"`
		} `json:"dstq"`
		Existing []struct {
			UID string `json:"uid"`
		} `json:"existing"`
	}
	if err := jsonx.Unmarshal(resp.Json, &probe); err != nil {
		return WriteResult{}, fault.Wrap(fault.Fatal, "decode upsert probe", err)
	}
	if len(probe.Src) == 0 || len(probe.Dst) == 0 {
		return WriteResult{}, fault.Errorf(fault.Validation,
			"relation %s has a missing endpoint", r.Key()).
			WithEvidence(r.From, r.To)
	}

	created := len(probe.Existing) == 0
	c.logger.Debug("relation upserted",
		zap.String("key", r.Key()),
		zap.Bool("created", created))
	return WriteResult{Created: created}, nil
}

// mutate runs an upsert request, retrying aborted transactions once.
func (c *Client) mutate(ctx context.Context, req *api.Request) (*api.Response, error) {
	resp, err := c.dg.NewTxn().Do(ctx, req)
	if err != nil && isAborted(err) {
		c.logger.Warn("graph transaction aborted, retrying once")
		resp, err = c.dg.NewTxn().Do(ctx, req)
	}
	if err != nil {
		return nil, mapError("graph mutation", err)
	}
	return resp, nil
}

// noneExisting reports whether the upsert probe named "existing" matched
// nothing, i.e. the conditional create branch fired.
func noneExisting(respJSON []byte) (bool, error) {
	var probe struct {
		Existing []struct {
			UID string `json:"uid"`
		} `json:"existing"`
	}
	if err := jsonx.Unmarshal(respJSON, &probe); err != nil {
		return false, fault.Wrap(fault.Fatal, "decode upsert probe", err)
	}
	return len(probe.Existing) == 0, nil
}

func writeEventDate(b *strings.Builder, e Entity) {
	if e.Type != ontology.EntityEvent {
		return
	}
	date, _ := e.Properties["date"].(string)
	if t, err := time.Parse("2006-01-02", strings.TrimSpace(date)); err == nil {
		fmt.Fprintf(b, "uid(node) <event_date> %q .\n", t.UTC().Format(time.RFC3339))
	}
}

// quoteNquad escapes a string for use as an N-Quad object literal.
func quoteNquad(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return `"` + r.Replace(s) + `"`
}
