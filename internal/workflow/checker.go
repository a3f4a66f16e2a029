package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/ontology"
)

// check validates a draft in two passes: schema validation of every
// proposed entity and relation, then contradiction detection against the
// persisted graph. Schema violations and contradictions count equally as
// issues in the score.
func (e *Engine) check(ctx context.Context, draft Draft) (ValidationResult, error) {
	var result ValidationResult
	checks := 0

	resolvedTypes := map[string]ontology.EntityType{}

	for _, pe := range draft.Entities {
		checks++
		etype := ontology.EntityType(pe.Type)
		if !ontology.ValidEntityType(etype) {
			result.SchemaViolations = append(result.SchemaViolations,
				fmt.Sprintf("unknown entity type %q for %q", pe.Type, pe.Name))
			continue
		}
		resolvedTypes[strings.ToLower(strings.TrimSpace(pe.Name))] = etype
		result.SchemaViolations = append(result.SchemaViolations,
			ontology.ValidateEntity(etype, pe.Properties)...)

		checks++
		contradiction, err := e.detectContradiction(ctx, etype, pe)
		if err != nil {
			return ValidationResult{}, err
		}
		if contradiction != nil {
			result.Contradictions = append(result.Contradictions, *contradiction)
		}
	}

	for _, pr := range draft.Relationships {
		checks++
		rtype := ontology.RelationType(pr.Type)
		if !ontology.ValidRelationType(rtype) {
			result.SchemaViolations = append(result.SchemaViolations,
				fmt.Sprintf("unknown relation type %q", pr.Type))
			continue
		}
		fromType, err := e.endpointType(ctx, resolvedTypes, pr.From)
		if err != nil {
			return ValidationResult{}, err
		}
		toType, err := e.endpointType(ctx, resolvedTypes, pr.To)
		if err != nil {
			return ValidationResult{}, err
		}
		if fromType == "" {
			result.SchemaViolations = append(result.SchemaViolations,
				fmt.Sprintf("%s: source %q is not a known entity", pr.Type, pr.From))
		}
		if toType == "" {
			result.SchemaViolations = append(result.SchemaViolations,
				fmt.Sprintf("%s: target %q is not a known entity", pr.Type, pr.To))
		}
		if fromType != "" && toType != "" {
			result.SchemaViolations = append(result.SchemaViolations,
				ontology.ValidateRelation(rtype, fromType, toType, nil)...)
		}
	}

	issues := len(result.SchemaViolations) + len(result.Contradictions)
	if checks > 0 {
		result.Score = float64(checks-issues) / float64(checks)
	}
	if result.Score < 0 {
		result.Score = 0
	}
	result.OK = len(result.SchemaViolations) == 0 &&
		len(result.Contradictions) == 0 &&
		result.Score >= e.cfg.MinValidScore
	return result, nil
}

// endpointType resolves a relation endpoint's entity type: first among the
// draft's proposed entities, then against the persisted graph. Returns the
// empty type when the name is unknown on both sides.
func (e *Engine) endpointType(ctx context.Context, local map[string]ontology.EntityType, name string) (ontology.EntityType, error) {
	if t, ok := local[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	for _, t := range ontology.EntityTypes {
		existing, err := e.graph.GetEntityByCanonicalID(ctx, ontology.CanonicalID(t, name))
		if err != nil {
			return "", err
		}
		if existing != nil {
			return t, nil
		}
	}
	return "", nil
}

// detectContradiction compares a proposed entity's properties against the
// persisted entity with the same canonical id. A property holding a
// different non-empty value in the graph is a contradiction.
func (e *Engine) detectContradiction(ctx context.Context, etype ontology.EntityType, pe ProposedEntity) (*graph.Contradiction, error) {
	cid := ontology.CanonicalID(etype, pe.Name)
	existing, err := e.graph.GetEntityByCanonicalID(ctx, cid)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	var evidence []string
	for key, proposed := range pe.Properties {
		proposedStr := strings.TrimSpace(fmt.Sprint(proposed))
		if proposedStr == "" || proposed == nil {
			continue
		}
		persisted, ok := existing.Properties[key]
		if !ok {
			continue
		}
		persistedStr := strings.TrimSpace(fmt.Sprint(persisted))
		if persistedStr == "" {
			continue
		}
		if !strings.EqualFold(persistedStr, proposedStr) {
			evidence = append(evidence, fmt.Sprintf(
				"%s: graph has %q, draft claims %q", key, persistedStr, proposedStr))
		}
	}
	if len(evidence) == 0 {
		return nil, nil
	}
	return &graph.Contradiction{
		Kind:     "property_conflict",
		Subject:  cid,
		Evidence: evidence,
	}, nil
}
