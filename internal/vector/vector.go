// Package vector provides the vector-store adapter: a Qdrant-style REST
// client for lore passage recall. Embedding is delegated to the LM adapter;
// an optional cache short-circuits repeat embeddings of identical text.
package vector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/cache"
	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
)

// Embedder is the slice of the LM adapter the vector store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Config holds the vector backend settings.
type Config struct {
	URL            string
	Dimension      int
	EmbedModel     string
	RequestTimeout time.Duration
}

// DefaultConfig returns settings for a local Qdrant.
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:6333",
		Dimension:      768,
		EmbedModel:     "nomic-embed-text",
		RequestTimeout: 15 * time.Second,
	}
}

// Store is the vector-store adapter.
type Store struct {
	cfg      Config
	http     *http.Client
	embedder Embedder
	cache    *cache.EmbeddingCache
	logger   *zap.Logger
}

// New creates a Store. embCache may be nil to disable embedding reuse.
func New(cfg Config, embedder Embedder, embCache *cache.EmbeddingCache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Store{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		embedder: embedder,
		cache:    embCache,
		logger:   logger,
	}
}

// EnsureCollection creates the collection if it does not exist. Cosine
// distance matches the L2-normalized vectors the LM adapter produces.
func (s *Store) EnsureCollection(ctx context.Context, collection string) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.Dimension,
			"distance": "Cosine",
		},
	}
	_, err := s.do(ctx, http.MethodPut, "/collections/"+collection, body)
	if err != nil && fault.IsKind(err, fault.Validation) {
		// Already exists; the backend rejects re-creation.
		return nil
	}
	return err
}

// Embed returns vectors for the given texts, consulting the cache per text
// and batching only the misses through the LM adapter.
func (s *Store) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if s.cache == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
			continue
		}
		if vec, ok := s.cache.Get(ctx, cache.Key(s.cfg.EmbedModel, text)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		vecs, err := s.embedder.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, i := range missIdx {
			out[i] = vecs[j]
			if s.cache != nil {
				s.cache.Set(ctx, cache.Key(s.cfg.EmbedModel, texts[i]), vecs[j])
			}
		}
	}
	return out, nil
}

// Upsert writes one point. The string id is preserved in the payload; the
// backend point id is a deterministic UUID derived from it, so re-upserting
// the same id overwrites rather than duplicates.
func (s *Store) Upsert(ctx context.Context, collection, id string, vec []float32, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["id"] = id

	body := map[string]any{
		"points": []map[string]any{
			{
				"id":      uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(),
				"vector":  vec,
				"payload": payload,
			},
		},
	}
	_, err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body)
	return err
}

// Search returns the nearest points above minScore, best first, at most k.
func (s *Store) Search(ctx context.Context, collection string, queryVec []float32, k int, minScore float64) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	body := map[string]any{
		"vector":          queryVec,
		"limit":           k,
		"score_threshold": minScore,
		"with_payload":    true,
	}
	data, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := jsonx.Unmarshal(data, &resp); err != nil {
		return nil, fault.Wrap(fault.MalformedOutput, "decode search response", err)
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Score < minScore {
			continue
		}
		hit := Hit{Score: r.Score, Payload: r.Payload}
		if sid, ok := r.Payload["id"].(string); ok {
			hit.ID = sid
		} else {
			hit.ID = fmt.Sprint(r.ID)
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(fault.Cancelled, "vector call cancelled", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.BackendTimeout, "vector call exceeded deadline", err)
		}
		return nil, fault.Wrap(fault.BackendUnavailable, "vector backend unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, "read vector response", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fault.Errorf(fault.Validation, "vector backend rejected request: status %d", resp.StatusCode)
	default:
		return nil, fault.Errorf(fault.BackendUnavailable, "vector backend status %d", resp.StatusCode)
	}
}
