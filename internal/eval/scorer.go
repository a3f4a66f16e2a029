// Package eval implements the evaluation harness: LM-judged faithfulness
// and evidence-coverage scoring plus a sequential regression runner over a
// versioned golden dataset.
package eval

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/llm"
	"github.com/worldloom/ace/internal/prompt"
)

// Sample is one scoring input.
type Sample struct {
	Query         string
	GeneratedText string
	Context       string
	Expected      string
}

// FaithfulnessScore reports how well the generated text is grounded in the
// retrieved context.
type FaithfulnessScore struct {
	Score      float64  `json:"score"`
	Claims     int      `json:"claims"`
	Ungrounded []string `json:"ungrounded,omitempty"`
}

// CoverageScore reports how much of the retrieved evidence the generated
// text addressed.
type CoverageScore struct {
	Score  float64  `json:"score"`
	Points int      `json:"points"`
	Missed []string `json:"missed,omitempty"`
}

// Generator is the slice of the LM adapter scorers need.
type Generator interface {
	Generate(ctx context.Context, promptText string, schema *llm.Schema, opts llm.Options) (string, error)
}

// Embedder provides vectors for semantic similarity.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Scorer runs LM-judged metrics. The judge temperature is low so scoring is
// as repeatable as the backend allows.
type Scorer struct {
	lm       Generator
	embedder Embedder
	prompts  *prompt.Registry
	logger   *zap.Logger
}

// NewScorer wires a scorer. embedder may be nil; accuracy then skips the
// similarity term and weighs consistency alone.
func NewScorer(lm Generator, embedder Embedder, prompts *prompt.Registry, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.Builtin()
	}
	return &Scorer{lm: lm, embedder: embedder, prompts: prompts, logger: logger}
}

// Faithfulness extracts atomic claims from the generated text and scores
// the fraction grounded in the context. A text with no claims is vacuously
// faithful.
func (s *Scorer) Faithfulness(ctx context.Context, sample Sample) (FaithfulnessScore, error) {
	pr, err := s.prompts.Load(prompt.ClaimJudgeAgent, prompt.ClaimJudgeVersion)
	if err != nil {
		return FaithfulnessScore{}, err
	}

	out, err := s.lm.Generate(ctx,
		fmt.Sprintf(pr.Content, sample.GeneratedText, sample.Context),
		&llm.Schema{Name: "claim-judgement"},
		llm.Options{Temperature: llm.TempJudge},
	)
	if err != nil {
		return FaithfulnessScore{}, err
	}

	var parsed struct {
		Claims []struct {
			Claim    string `json:"claim"`
			Grounded bool   `json:"grounded"`
		} `json:"claims"`
	}
	if err := jsonx.UnmarshalFromString(out, &parsed); err != nil {
		return FaithfulnessScore{}, err
	}
	if len(parsed.Claims) == 0 {
		return FaithfulnessScore{Score: 1}, nil
	}

	score := FaithfulnessScore{Claims: len(parsed.Claims)}
	grounded := 0
	for _, c := range parsed.Claims {
		if c.Grounded {
			grounded++
		} else {
			score.Ungrounded = append(score.Ungrounded, c.Claim)
		}
	}
	score.Score = float64(grounded) / float64(len(parsed.Claims))
	return score, nil
}

// Coverage enumerates evidence points in the context and scores the
// fraction the generated text covers.
func (s *Scorer) Coverage(ctx context.Context, sample Sample) (CoverageScore, error) {
	pr, err := s.prompts.Load(prompt.CoverageAgent, prompt.CoverageVersion)
	if err != nil {
		return CoverageScore{}, err
	}

	out, err := s.lm.Generate(ctx,
		fmt.Sprintf(pr.Content, sample.Query, sample.Context, sample.GeneratedText),
		&llm.Schema{Name: "coverage-judgement"},
		llm.Options{Temperature: llm.TempJudge},
	)
	if err != nil {
		return CoverageScore{}, err
	}

	var parsed struct {
		Evidence []struct {
			Point   string `json:"point"`
			Covered bool   `json:"covered"`
		} `json:"evidence"`
	}
	if err := jsonx.UnmarshalFromString(out, &parsed); err != nil {
		return CoverageScore{}, err
	}
	if len(parsed.Evidence) == 0 {
		return CoverageScore{Score: 1}, nil
	}

	score := CoverageScore{Points: len(parsed.Evidence)}
	covered := 0
	for _, ev := range parsed.Evidence {
		if ev.Covered {
			covered++
		} else {
			score.Missed = append(score.Missed, ev.Point)
		}
	}
	score.Score = float64(covered) / float64(len(parsed.Evidence))
	return score, nil
}

// Accuracy scores the generated text against a reference answer: factual
// consistency (70%) judged by the claim judge with the reference as
// context, and embedding similarity (30%).
func (s *Scorer) Accuracy(ctx context.Context, sample Sample) (float64, error) {
	consistency, err := s.Faithfulness(ctx, Sample{
		GeneratedText: sample.GeneratedText,
		Context:       sample.Expected,
	})
	if err != nil {
		return 0, err
	}
	if s.embedder == nil {
		return consistency.Score, nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{sample.GeneratedText, sample.Expected})
	if err != nil {
		return 0, err
	}
	similarity := cosine(vecs[0], vecs[1])
	return 0.7*consistency.Score + 0.3*similarity, nil
}

// cosine returns the cosine similarity clamped to [0, 1].
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
