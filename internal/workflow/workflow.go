// Package workflow implements the inference loop: a Historian retrieves
// world context, a Narrator drafts an answer, and a Consistency Checker
// validates the draft against the knowledge graph. Invalid drafts are
// retried with the validation result fed back, up to a bounded number of
// narrator invocations.
package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/prompt"
	"github.com/worldloom/ace/internal/vector"
)

// GraphReader is the slice of the graph adapter the workflow needs.
type GraphReader interface {
	FindEntitiesByKeyword(ctx context.Context, keyword string, limit int) ([]graph.Entity, error)
	FindRelationsForEntities(ctx context.Context, canonicalIDs []string) ([]graph.Relation, error)
	GetEntityByCanonicalID(ctx context.Context, canonicalID string) (*graph.Entity, error)
}

// LoreSearcher is the slice of the vector adapter the workflow needs.
type LoreSearcher interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Search(ctx context.Context, collection string, queryVec []float32, k int, minScore float64) ([]vector.Hit, error)
}

// Generator is the slice of the LM adapter the workflow needs.
type Generator interface {
	Generate(ctx context.Context, promptText string, schema *llm.Schema, opts llm.Options) (string, error)
}

// RetrievedContext is the Historian's output.
type RetrievedContext struct {
	Entities  []graph.Entity
	Relations []graph.Relation
	Passages  []vector.Hit
	Relevance float64
}

// ProposedEntity is an entity the Narrator asserts in its answer.
type ProposedEntity struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// ProposedRelation is a relation the Narrator asserts in its answer.
type ProposedRelation struct {
	From string `json:"from"`
	Type string `json:"type"`
	To   string `json:"to"`
}

// Draft is one Narrator output.
type Draft struct {
	Text          string             `json:"text"`
	Entities      []ProposedEntity   `json:"entities"`
	Relationships []ProposedRelation `json:"relationships"`
	Confidence    float64            `json:"confidence"`
	Reasoning     string             `json:"reasoning"`
}

// ValidationResult is the Checker's verdict on a draft.
type ValidationResult struct {
	OK               bool                  `json:"ok"`
	SchemaViolations []string              `json:"violations"`
	Contradictions   []graph.Contradiction `json:"contradictions"`
	Score            float64               `json:"score"`
	Suggestions      []string              `json:"suggestions,omitempty"`
}

// Result is the workflow's answer to one query.
type Result struct {
	Success        bool               `json:"success"`
	Response       string             `json:"response"`
	Entities       []ProposedEntity   `json:"entities"`
	Relationships  []ProposedRelation `json:"relationships"`
	Validation     ValidationResult   `json:"validation"`
	Iterations     int                `json:"iterations"`
	ContextSummary string             `json:"retrieved_context_summary"`
}

// Config tunes the workflow.
type Config struct {
	MaxIterations  int
	VectorK        int
	VectorMinScore float64
	KeywordLimit   int
	MaxKeywords    int
	MinValidScore  float64
}

// DefaultConfig matches the retrieval and validation defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  3,
		VectorK:        5,
		VectorMinScore: 0.7,
		KeywordLimit:   5,
		MaxKeywords:    6,
		MinValidScore:  0.8,
	}
}

// Engine runs inference queries.
type Engine struct {
	cfg     Config
	graph   GraphReader
	lore    LoreSearcher
	lm      Generator
	prompts *prompt.Registry
	logger  *zap.Logger
}

// New wires the engine. lore may be nil, in which case retrieval is
// graph-only.
func New(cfg Config, graphReader GraphReader, lore LoreSearcher, lm Generator, prompts *prompt.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.Builtin()
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.VectorK <= 0 {
		cfg.VectorK = def.VectorK
	}
	if cfg.VectorMinScore <= 0 {
		cfg.VectorMinScore = def.VectorMinScore
	}
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = def.KeywordLimit
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = def.MaxKeywords
	}
	if cfg.MinValidScore <= 0 {
		cfg.MinValidScore = def.MinValidScore
	}
	return &Engine{
		cfg:     cfg,
		graph:   graphReader,
		lore:    lore,
		lm:      lm,
		prompts: prompts,
		logger:  logger,
	}
}

// Answer runs the full loop for one query. Adapter errors propagate; an
// exhausted retry budget returns Success=false with the latest draft and
// validation surfaced for review.
func (e *Engine) Answer(ctx context.Context, query string) (Result, error) {
	rc, err := e.historian(ctx, query)
	if err != nil {
		return Result{}, err
	}
	summary := e.contextSummary(rc)

	var (
		draft      Draft
		validation ValidationResult
		feedback   string
	)
	iterations := 0
	for iterations < e.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return Result{}, fault.Wrap(fault.Cancelled, "inference cancelled", err)
		}
		iterations++

		draft, validation, err = e.narrate(ctx, query, summary, feedback)
		if err != nil {
			return Result{}, err
		}
		if len(validation.Suggestions) == 0 {
			validation, err = e.check(ctx, draft)
			if err != nil {
				return Result{}, err
			}
		}
		if validation.OK {
			e.logger.Info("inference succeeded",
				zap.Int("iterations", iterations),
				zap.Float64("score", validation.Score))
			return Result{
				Success:        true,
				Response:       draft.Text,
				Entities:       draft.Entities,
				Relationships:  draft.Relationships,
				Validation:     validation,
				Iterations:     iterations,
				ContextSummary: summary,
			}, nil
		}

		feedback = formatFeedback(validation)
		e.logger.Warn("draft rejected, retrying",
			zap.Int("iteration", iterations),
			zap.Float64("score", validation.Score),
			zap.Int("violations", len(validation.SchemaViolations)),
			zap.Int("contradictions", len(validation.Contradictions)))
	}

	return Result{
		Success:        false,
		Response:       draft.Text,
		Entities:       draft.Entities,
		Relationships:  draft.Relationships,
		Validation:     validation,
		Iterations:     iterations,
		ContextSummary: summary,
	}, nil
}

func formatFeedback(v ValidationResult) string {
	out := "Your previous answer failed validation.\n"
	for _, s := range v.SchemaViolations {
		out += "- schema: " + s + "\n"
	}
	for _, c := range v.Contradictions {
		out += "- contradiction (" + c.Subject + "):"
		for _, ev := range c.Evidence {
			out += " " + ev
		}
		out += "\n"
	}
	for _, s := range v.Suggestions {
		out += "- suggestion: " + s + "\n"
	}
	out += "Correct these issues using only facts from the world context.\n"
	return out
}
