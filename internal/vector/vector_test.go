package vector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worldloom/ace/internal/cache"
	"github.com/worldloom/ace/internal/fault"
)

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestStore(t *testing.T, handler http.Handler) (*Store, *fakeEmbedder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	emb := &fakeEmbedder{}
	c, err := cache.NewEmbeddingCache(100, time.Minute, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.Dimension = 3
	return New(cfg, emb, c, zaptest.NewLogger(t)), emb
}

func TestSearchSortsAndTruncates(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/lore/points/search", r.URL.Path)
		w.Write([]byte(`{"result": [
			{"id": 1, "score": 0.72, "payload": {"id": "low", "text": "a"}},
			{"id": 2, "score": 0.95, "payload": {"id": "high", "text": "b"}},
			{"id": 3, "score": 0.81, "payload": {"id": "mid", "text": "c"}}
		]}`))
	}))

	hits, err := store.Search(context.Background(), "lore", []float32{1, 0, 0}, 2, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "high", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
}

func TestSearchDropsBelowMinScore(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": [
			{"id": 1, "score": 0.4, "payload": {"id": "weak"}},
			{"id": 2, "score": 0.9, "payload": {"id": "strong"}}
		]}`))
	}))

	hits, err := store.Search(context.Background(), "lore", []float32{1, 0, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "strong", hits[0].ID)
}

func TestEmbedUsesCacheForRepeats(t *testing.T) {
	store, emb := newTestStore(t, http.NewServeMux())

	ctx := context.Background()
	_, err := store.Embed(ctx, []string{"the ruby mines"})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)

	// Ristretto admits asynchronously; wait for the entry to land.
	require.Eventually(t, func() bool {
		_, ok := store.cache.Get(ctx, cache.Key(store.cfg.EmbedModel, "the ruby mines"))
		return ok
	}, time.Second, 10*time.Millisecond)

	_, err = store.Embed(ctx, []string{"the ruby mines"})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)
}

func TestEmbedBatchesOnlyMisses(t *testing.T) {
	store, _ := newTestStore(t, http.NewServeMux())
	ctx := context.Background()

	_, err := store.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		vecs, err := store.Embed(ctx, []string{"alpha", "beta"})
		return err == nil && len(vecs) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestUpsertSendsDeterministicPointID(t *testing.T) {
	var firstBody, secondBody []byte
	call := 0
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		if call == 0 {
			firstBody = buf
		} else {
			secondBody = buf
		}
		call++
		w.Write([]byte(`{"status": "ok"}`))
	}))

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "lore", "doc-1", []float32{1, 0, 0}, nil))
	require.NoError(t, store.Upsert(ctx, "lore", "doc-1", []float32{1, 0, 0}, nil))
	assert.Equal(t, string(firstBody), string(secondBody))
}

func TestBackendDownIsBackendUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://127.0.0.1:1"
	store := New(cfg, &fakeEmbedder{}, nil, zaptest.NewLogger(t))

	_, err := store.Search(context.Background(), "lore", []float32{1}, 5, 0.7)
	assert.True(t, fault.IsKind(err, fault.BackendUnavailable))
}
