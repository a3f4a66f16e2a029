// Package pipeline implements the four-stage ingestion pipeline: Extract,
// Define, Canonicalize, Write. Each stage records its own duration; the
// overall job outcome is completed, partial, or failed.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/ontology"
	"github.com/worldloom/ace/internal/prompt"
)

// Status is the terminal outcome of one ingestion job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// LoreCollection is the vector collection holding ingested passages.
const LoreCollection = "lore"

// ExtractedEntity is the raw model output for one entity before any
// classification or validation.
type ExtractedEntity struct {
	Type       string         `json:"type"`
	Mentions   []string       `json:"mentions"`
	Attributes map[string]any `json:"attributes"`
	Confidence float64        `json:"confidence"`
}

// ExtractedRelation is the raw model output for one relation.
type ExtractedRelation struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Label      string  `json:"label"`
	Evidence   string  `json:"evidence"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the structured output of the Extract stage.
type ExtractionResult struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// ClassifiedEntity carries an extracted entity through Define.
type ClassifiedEntity struct {
	TempID     string
	Type       ontology.EntityType
	Name       string
	Mentions   []string
	Attributes map[string]any
	Confidence float64
}

// CanonicalEntity is the post-merge form keyed by canonical id.
type CanonicalEntity struct {
	CanonicalID string
	Type        ontology.EntityType
	Name        string
	Properties  map[string]any
	MergedFrom  []string
	mentions    map[string]bool
}

// CanonicalRelation has both endpoints resolved to canonical ids.
type CanonicalRelation struct {
	From       string
	Type       ontology.RelationType
	To         string
	Evidence   string
	Confidence float64
}

// Result is the job outcome handed to the tracker.
type Result struct {
	Status               Status   `json:"status"`
	EntitiesCreated      int      `json:"entities_created"`
	RelationshipsCreated int      `json:"relationships_created"`
	ExtractMS            int64    `json:"extract_ms"`
	DefineMS             int64    `json:"define_ms"`
	CanonicalizeMS       int64    `json:"canonicalize_ms"`
	WriteMS              int64    `json:"write_ms"`
	TotalMS              int64    `json:"total_ms"`
	Warnings             []string `json:"errors,omitempty"`
}

// Generator is the slice of the LM adapter the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, promptText string, schema *llm.Schema, opts llm.Options) (string, error)
}

// GraphStore is the slice of the graph adapter the pipeline needs.
type GraphStore interface {
	UpsertEntity(ctx context.Context, e graph.Entity) (graph.WriteResult, error)
	UpsertRelation(ctx context.Context, r graph.Relation) (graph.WriteResult, error)
}

// LoreIndex is the slice of the vector adapter the pipeline needs.
type LoreIndex interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Upsert(ctx context.Context, collection, id string, vec []float32, payload map[string]any) error
}

// Pipeline runs ingestion jobs. Safe for concurrent use; each Run owns its
// own intermediate state.
type Pipeline struct {
	graph   GraphStore
	lore    LoreIndex
	lm      Generator
	prompts *prompt.Registry
	logger  *zap.Logger
}

// New wires the pipeline. lore may be nil to skip semantic indexing.
func New(graphStore GraphStore, lore LoreIndex, lm Generator, prompts *prompt.Registry, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.Builtin()
	}
	return &Pipeline{graph: graphStore, lore: lore, lm: lm, prompts: prompts, logger: logger}
}

// tempSeq disambiguates transient ids across concurrent jobs.
var tempSeq atomic.Int64

// Run executes one ingestion job to a terminal status. Run never returns an
// error; failures are folded into the Result.
func (p *Pipeline) Run(ctx context.Context, jobID, text, sourceID string, metadata map[string]any) Result {
	start := time.Now()
	res := Result{Status: StatusFailed}
	log := p.logger.With(zap.String("job_id", jobID))

	extracted, extractMS, warnings := p.extract(ctx, text)
	res.ExtractMS = extractMS
	res.Warnings = warnings
	if len(extracted.Entities) == 0 {
		res.Warnings = append(res.Warnings, "extraction produced no entities")
		res.TotalMS = time.Since(start).Milliseconds()
		log.Warn("ingestion failed at extract", zap.Strings("warnings", res.Warnings))
		return res
	}

	defineStart := time.Now()
	classified, relations, defineWarnings := p.define(extracted)
	res.DefineMS = time.Since(defineStart).Milliseconds()
	res.Warnings = append(res.Warnings, defineWarnings...)

	canonStart := time.Now()
	entities, canonRels, canonWarnings := Canonicalize(classified, relations)
	res.CanonicalizeMS = time.Since(canonStart).Milliseconds()
	res.Warnings = append(res.Warnings, canonWarnings...)

	writeStart := time.Now()
	created, relCreated, writeWarnings, writeErr := p.write(ctx, jobID, text, sourceID, metadata, entities, canonRels)
	res.WriteMS = time.Since(writeStart).Milliseconds()
	res.Warnings = append(res.Warnings, writeWarnings...)
	res.EntitiesCreated = created
	res.RelationshipsCreated = relCreated
	res.TotalMS = time.Since(start).Milliseconds()

	switch {
	case writeErr != nil:
		res.Status = StatusFailed
		res.Warnings = append(res.Warnings, writeErr.Error())
		log.Error("ingestion failed at write", zap.Error(writeErr))
	case len(res.Warnings) > 0:
		res.Status = StatusPartial
		log.Info("ingestion partial",
			zap.Int("entities_created", created),
			zap.Strings("warnings", res.Warnings))
	default:
		res.Status = StatusCompleted
		log.Info("ingestion completed",
			zap.Int("entities_created", created),
			zap.Int("relationships_created", relCreated),
			zap.Int64("total_ms", res.TotalMS))
	}
	return res
}

// extract runs the extraction prompt. Parse failures surface as warnings
// with an empty result; the caller decides whether that fails the job.
func (p *Pipeline) extract(ctx context.Context, text string) (ExtractionResult, int64, []string) {
	start := time.Now()
	var warnings []string

	pr, err := p.prompts.Load(prompt.ExtractorAgent, prompt.ExtractorVersion)
	if err != nil {
		return ExtractionResult{}, time.Since(start).Milliseconds(), []string{err.Error()}
	}

	out, err := p.lm.Generate(ctx,
		fmt.Sprintf(pr.Content, text),
		&llm.Schema{Name: "extraction"},
		llm.Options{Temperature: llm.TempExtraction},
	)
	if err != nil {
		return ExtractionResult{}, time.Since(start).Milliseconds(),
			[]string{"extract: " + err.Error()}
	}

	var result ExtractionResult
	if err := jsonx.UnmarshalFromString(out, &result); err != nil {
		warnings = append(warnings, "extract: unparseable model output")
		return ExtractionResult{}, time.Since(start).Milliseconds(), warnings
	}
	return result, time.Since(start).Milliseconds(), warnings
}

// define classifies entities into the closed label set, attaches transient
// ids, validates required attributes, and normalizes relation labels.
func (p *Pipeline) define(extracted ExtractionResult) ([]ClassifiedEntity, []ExtractedRelation, []string) {
	var warnings []string
	classified := make([]ClassifiedEntity, 0, len(extracted.Entities))

	for i, raw := range extracted.Entities {
		etype, ok := matchEntityType(raw.Type)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("define: unknown entity type %q", raw.Type))
			continue
		}
		attrs := raw.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		name, _ := attrs["name"].(string)
		if strings.TrimSpace(name) == "" && len(raw.Mentions) > 0 {
			name = raw.Mentions[0]
			attrs["name"] = name
		}
		for _, v := range ontology.ValidateEntity(etype, attrs) {
			warnings = append(warnings, "define: "+v)
		}
		classified = append(classified, ClassifiedEntity{
			TempID:     fmt.Sprintf("temp_%s_%d_%d", strings.ToLower(string(etype)), i, tempSeq.Add(1)),
			Type:       etype,
			Name:       name,
			Mentions:   raw.Mentions,
			Attributes: attrs,
			Confidence: raw.Confidence,
		})
	}

	normalized := make([]ExtractedRelation, 0, len(extracted.Relations))
	for _, rel := range extracted.Relations {
		rel.Label = string(ontology.NormalizeRelationLabel(rel.Label))
		normalized = append(normalized, rel)
	}
	return classified, normalized, warnings
}

// Canonicalize groups classified entities by canonical id, merges their
// attributes, and resolves relation endpoints by mention. Exported because
// the merge rule is a pure function worth testing in isolation.
func Canonicalize(classified []ClassifiedEntity, relations []ExtractedRelation) ([]CanonicalEntity, []CanonicalRelation, []string) {
	var warnings []string
	byID := map[string]*CanonicalEntity{}
	var order []string

	for _, ce := range classified {
		cid := ontology.CanonicalID(ce.Type, ce.Name)
		existing, ok := byID[cid]
		if !ok {
			props := make(map[string]any, len(ce.Attributes))
			for k, v := range ce.Attributes {
				props[k] = v
			}
			entity := &CanonicalEntity{
				CanonicalID: cid,
				Type:        ce.Type,
				Name:        ce.Name,
				Properties:  props,
				MergedFrom:  []string{ce.TempID},
				mentions:    map[string]bool{},
			}
			addMentions(entity, ce)
			byID[cid] = entity
			order = append(order, cid)
			continue
		}
		mergeAttributes(existing.Properties, ce.Attributes, ce.Confidence)
		existing.MergedFrom = append(existing.MergedFrom, ce.TempID)
		addMentions(existing, ce)
	}

	entities := make([]CanonicalEntity, 0, len(order))
	mentionIndex := map[string]string{}
	for _, cid := range order {
		e := byID[cid]
		entities = append(entities, *e)
		for m := range e.mentions {
			mentionIndex[m] = cid
		}
	}

	var resolved []CanonicalRelation
	for _, rel := range relations {
		relType := ontology.RelationType(rel.Label)
		from, okFrom := mentionIndex[normalizeMention(rel.From)]
		to, okTo := mentionIndex[normalizeMention(rel.To)]
		if !okFrom || !okTo {
			warnings = append(warnings, fmt.Sprintf(
				"canonicalize: dropped relation %s -[%s]-> %s (unresolved endpoint)",
				rel.From, rel.Label, rel.To))
			continue
		}
		resolved = append(resolved, CanonicalRelation{
			From:       from,
			Type:       relType,
			To:         to,
			Evidence:   rel.Evidence,
			Confidence: rel.Confidence,
		})
	}
	return entities, resolved, warnings
}

// mergeAttributes overwrites a value only when the current one is empty or
// the incoming extraction is confident (> 0.7). Below that threshold the
// earlier value wins, so merging low-confidence extractions is
// order-insensitive; confident extractions always take the latest value.
func mergeAttributes(current map[string]any, incoming map[string]any, confidence float64) {
	for k, v := range incoming {
		if isEmpty(v) {
			continue
		}
		cur, exists := current[k]
		if !exists || isEmpty(cur) || confidence > 0.7 {
			current[k] = v
		}
	}
}

func addMentions(e *CanonicalEntity, ce ClassifiedEntity) {
	if m := normalizeMention(ce.Name); m != "" {
		e.mentions[m] = true
	}
	for _, mention := range ce.Mentions {
		if m := normalizeMention(mention); m != "" {
			e.mentions[m] = true
		}
	}
}

func normalizeMention(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// write persists entities then relations, then indexes the source passage
// and each entity's salient description for semantic recall. Graph
// validation faults demote to warnings; any other graph error fails the job.
func (p *Pipeline) write(ctx context.Context, jobID, text, sourceID string, metadata map[string]any,
	entities []CanonicalEntity, relations []CanonicalRelation) (int, int, []string, error) {

	var warnings []string
	created, relCreated := 0, 0

	for _, e := range entities {
		res, err := p.graph.UpsertEntity(ctx, graph.Entity{
			CanonicalID: e.CanonicalID,
			Type:        e.Type,
			Name:        e.Name,
			Properties:  e.Properties,
			MergedFrom:  e.MergedFrom,
		})
		if err != nil {
			if fault.IsKind(err, fault.Validation) {
				warnings = append(warnings, "write: "+err.Error())
				continue
			}
			return created, relCreated, warnings, err
		}
		if res.Created {
			created++
		}
	}

	for _, r := range relations {
		props := map[string]any{}
		if r.Evidence != "" {
			props["evidence"] = r.Evidence
		}
		if r.Confidence > 0 {
			props["confidence"] = r.Confidence
		}
		res, err := p.graph.UpsertRelation(ctx, graph.Relation{
			From:       r.From,
			Type:       r.Type,
			To:         r.To,
			Properties: props,
		})
		if err != nil {
			if fault.IsKind(err, fault.Validation) {
				warnings = append(warnings, "write: "+err.Error())
				continue
			}
			return created, relCreated, warnings, err
		}
		if res.Created {
			relCreated++
		}
	}

	if p.lore != nil {
		if err := p.indexLore(ctx, jobID, text, sourceID, metadata, entities); err != nil {
			warnings = append(warnings, "index: "+err.Error())
		}
	}
	return created, relCreated, warnings, nil
}

// indexLore upserts the source passage plus one salient description per
// canonical entity, so semantic recall can hit either the raw text or the
// merged entity itself. Entity points are keyed by canonical id and
// overwrite on re-ingest.
func (p *Pipeline) indexLore(ctx context.Context, jobID, text, sourceID string, metadata map[string]any,
	entities []CanonicalEntity) error {

	texts := make([]string, 0, len(entities)+1)
	texts = append(texts, text)
	for _, e := range entities {
		texts = append(texts, entityDescription(e))
	}
	vecs, err := p.lore.Embed(ctx, texts)
	if err != nil {
		return err
	}

	payload := map[string]any{"text": text, "job_id": jobID}
	if sourceID != "" {
		payload["source_id"] = sourceID
	}
	for k, v := range metadata {
		payload[k] = v
	}
	id := sourceID
	if id == "" {
		id = "job-" + jobID
	}
	if err := p.lore.Upsert(ctx, LoreCollection, id, vecs[0], payload); err != nil {
		return err
	}

	for i, e := range entities {
		entPayload := map[string]any{
			"text":         texts[i+1],
			"canonical_id": e.CanonicalID,
			"entity_type":  string(e.Type),
			"name":         e.Name,
			"job_id":       jobID,
		}
		if err := p.lore.Upsert(ctx, LoreCollection, e.CanonicalID, vecs[i+1], entPayload); err != nil {
			return err
		}
	}
	return nil
}

// entityDescription renders a short natural-language summary of a merged
// entity. Property order is sorted so re-ingesting the same text embeds the
// same string.
func entityDescription(e CanonicalEntity) string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" is a ")
	b.WriteString(string(e.Type))
	b.WriteString(".")

	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		if k == "name" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s: %v.", k, e.Properties[k])
	}
	return b.String()
}

// matchEntityType resolves a raw label case-insensitively against the
// closed entity set.
func matchEntityType(raw string) (ontology.EntityType, bool) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for _, t := range ontology.EntityTypes {
		if needle == strings.ToLower(string(t)) {
			return t, true
		}
	}
	return "", false
}
