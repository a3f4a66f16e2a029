package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/pipeline"
	"github.com/worldloom/ace/internal/vector"
)

// stopwords excluded from keyword extraction. Terms shorter than four
// characters are dropped regardless.
var stopwords = map[string]bool{
	"what": true, "which": true, "where": true, "when": true, "whose": true,
	"does": true, "did": true, "have": true, "has": true, "had": true,
	"the": true, "this": true, "that": true, "these": true, "those": true,
	"with": true, "from": true, "about": true, "into": true, "their": true,
	"them": true, "they": true, "will": true, "would": true, "could": true,
	"should": true, "been": true, "being": true, "there": true, "here": true,
	"tell": true, "describe": true, "explain": true,
}

// keywords extracts lowercased query terms of at least four characters,
// stopwords removed, capped at max.
func keywords(query string, max int) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := map[string]bool{}
	var terms []string
	for _, f := range fields {
		if len(f) < 4 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == max {
			break
		}
	}
	return terms
}

// historian gathers world context for a query: semantic passage recall and
// keyword entity search run concurrently, then relations are fetched for
// the combined entity set.
func (e *Engine) historian(ctx context.Context, query string) (RetrievedContext, error) {
	var (
		mu       sync.Mutex
		entities []graph.Entity
		passages []vector.Hit
		seen     = map[string]bool{}
	)

	g, gctx := errgroup.WithContext(ctx)

	if e.lore != nil {
		g.Go(func() error {
			vecs, err := e.lore.Embed(gctx, []string{query})
			if err != nil {
				return err
			}
			hits, err := e.lore.Search(gctx, pipeline.LoreCollection, vecs[0], e.cfg.VectorK, e.cfg.VectorMinScore)
			if err != nil {
				return err
			}
			mu.Lock()
			passages = hits
			mu.Unlock()
			return nil
		})
	}

	for _, term := range keywords(query, e.cfg.MaxKeywords) {
		g.Go(func() error {
			found, err := e.graph.FindEntitiesByKeyword(gctx, term, e.cfg.KeywordLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ent := range found {
				if !seen[ent.CanonicalID] {
					seen[ent.CanonicalID] = true
					entities = append(entities, ent)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return RetrievedContext{}, err
	}

	ids := make([]string, 0, len(entities))
	for _, ent := range entities {
		ids = append(ids, ent.CanonicalID)
	}
	relations, err := e.graph.FindRelationsForEntities(ctx, ids)
	if err != nil {
		return RetrievedContext{}, err
	}

	rc := RetrievedContext{
		Entities:  entities,
		Relations: relations,
		Passages:  passages,
	}
	rc.Relevance = relevance(rc)
	return rc, nil
}

// relevance scores retrieved context by hit count and average vector score.
func relevance(rc RetrievedContext) float64 {
	total := len(rc.Entities) + len(rc.Relations) + len(rc.Passages)
	if total == 0 {
		return 0
	}
	volume := float64(total) / 10
	if volume > 1 {
		volume = 1
	}
	avgScore := 0.5
	if len(rc.Passages) > 0 {
		var sum float64
		for _, p := range rc.Passages {
			sum += p.Score
		}
		avgScore = sum / float64(len(rc.Passages))
	}
	return volume * avgScore
}

// contextSummary renders the top entities, relations, and passages for the
// narrator prompt.
func (e *Engine) contextSummary(rc RetrievedContext) string {
	var b strings.Builder

	b.WriteString("ENTITIES:\n")
	for i, ent := range rc.Entities {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "- %s (%s)", ent.Name, ent.Type)
		for _, key := range sortedKeys(ent.Properties) {
			if key == "name" {
				continue
			}
			fmt.Fprintf(&b, " %s=%v", key, ent.Properties[key])
		}
		b.WriteString("\n")
	}

	b.WriteString("RELATIONS:\n")
	for i, rel := range rc.Relations {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "- %s -[%s]-> %s\n", rel.From, rel.Type, rel.To)
	}

	if len(rc.Passages) > 0 {
		b.WriteString("PASSAGES:\n")
		for i, p := range rc.Passages {
			if i == 3 {
				break
			}
			if text, ok := p.Payload["text"].(string); ok {
				fmt.Fprintf(&b, "- %s\n", text)
			}
		}
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
