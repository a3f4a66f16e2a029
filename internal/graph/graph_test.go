package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/ontology"
)

func TestRelationKey(t *testing.T) {
	r := Relation{
		From: "faction-crimson-empire",
		Type: ontology.RelControlsResource,
		To:   "resource-ruby-mines",
	}
	assert.Equal(t, "faction-crimson-empire|CONTROLS_RESOURCE|resource-ruby-mines", r.Key())
}

func TestQuoteNquad(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`plain`, `"plain"`},
		{`with "quotes"`, `"with \"quotes\""`},
		{"line\nbreak", `"line\nbreak"`},
		{`back\slash`, `"back\\slash"`},
		{"tab\there", `"tab\there"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, quoteNquad(tc.in))
	}
}

func TestQuoteIDList(t *testing.T) {
	got := quoteIDList([]string{"faction-a", "resource-b"})
	assert.Equal(t, `["faction-a", "resource-b"]`, got)
}

func TestRawEntityDecodesProps(t *testing.T) {
	raw := rawEntity{
		UID:         "0x1",
		CanonicalID: "faction-crimson-empire",
		Type:        "Faction",
		Name:        "Crimson Empire",
		Props:       `{"name":"Crimson Empire","alignment":"Lawful_Evil"}`,
	}
	e := raw.toEntity()
	assert.Equal(t, ontology.EntityFaction, e.Type)
	assert.Equal(t, "Lawful_Evil", e.Properties["alignment"])
}

func TestRawEntityToleratesBadProps(t *testing.T) {
	raw := rawEntity{CanonicalID: "faction-x", Type: "Faction", Props: "{broken"}
	e := raw.toEntity()
	assert.NotNil(t, e.Properties)
	assert.Equal(t, "faction-x", e.CanonicalID)
}

func TestRawRelationFallsBackToKeyEndpoints(t *testing.T) {
	raw := rawRelation{
		Key:  "faction-a|IS_ALLY_OF|faction-b",
		Type: "IS_ALLY_OF",
	}
	rel := raw.toRelation()
	assert.Equal(t, "faction-a", rel.From)
	assert.Equal(t, "faction-b", rel.To)
	assert.Equal(t, ontology.RelIsAllyOf, rel.Type)
}

func TestNoneExisting(t *testing.T) {
	created, err := noneExisting([]byte(`{"existing": []}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = noneExisting([]byte(`{"existing": [{"uid": "0x2"}]}`))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMapErrorTaxonomy(t *testing.T) {
	assert.Equal(t, fault.Cancelled, fault.KindOf(mapError("op", context.Canceled)))
	assert.Equal(t, fault.BackendTimeout, fault.KindOf(mapError("op", context.DeadlineExceeded)))

	unavailable := status.Error(codes.Unavailable, "connection refused")
	assert.Equal(t, fault.BackendUnavailable, fault.KindOf(mapError("op", unavailable)))

	deadline := status.Error(codes.DeadlineExceeded, "deadline")
	assert.Equal(t, fault.BackendTimeout, fault.KindOf(mapError("op", deadline)))

	schema := errors.New("schema mismatch for predicate canonical_id")
	assert.Equal(t, fault.SchemaError, fault.KindOf(mapError("op", schema)))

	aborted := errors.New("Transaction has been aborted. Please retry")
	assert.Equal(t, fault.BackendUnavailable, fault.KindOf(mapError("op", aborted)))

	assert.NoError(t, mapError("op", nil))
}

func TestUpsertRejectsInvalidInput(t *testing.T) {
	c := &Client{cfg: DefaultClientConfig()}

	_, err := c.UpsertEntity(context.Background(), Entity{Type: ontology.EntityFaction})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = c.UpsertEntity(context.Background(), Entity{
		CanonicalID: "gadget-x",
		Type:        ontology.EntityType("Gadget"),
	})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = c.UpsertRelation(context.Background(), Relation{From: "a"})
	assert.True(t, fault.IsKind(err, fault.Validation))

	_, err = c.UpsertRelation(context.Background(), Relation{
		From: "faction-a",
		Type: ontology.RelationType("BEFRIENDS"),
		To:   "faction-b",
	})
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestWriteEventDate(t *testing.T) {
	e := Entity{
		Type:       ontology.EntityEvent,
		Properties: map[string]any{"date": "0952-03-11"},
	}
	var b strings.Builder
	writeEventDate(&b, e)
	assert.Contains(t, b.String(), "<event_date>")

	b.Reset()
	e.Properties["date"] = "long ago"
	writeEventDate(&b, e)
	assert.Empty(t, b.String())

	b.Reset()
	e.Type = ontology.EntityFaction
	writeEventDate(&b, e)
	assert.Empty(t, b.String())
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
}
