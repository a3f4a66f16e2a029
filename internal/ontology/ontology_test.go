package ontology

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	cases := []struct {
		typ  EntityType
		name string
		want string
	}{
		{EntityFaction, "The Crimson Empire", "faction-the-crimson-empire"},
		{EntityFaction, "Crimson Empire", "faction-crimson-empire"},
		{EntityCharacter, "  Emperor   Valen  ", "character-emperor-valen"},
		{EntityResource, "Ruby Mines", "resource-ruby-mines"},
		{EntityLocation, "Bloodstone Mountains", "location-bloodstone-mountains"},
		{EntityEvent, "", "event-unknown"},
		{EntityEvent, "   ", "event-unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalID(tc.typ, tc.name))
	}
}

func TestSlugIdempotentAndCharset(t *testing.T) {
	slugChars := regexp.MustCompile(`^[a-z0-9-]*$`)
	inputs := []string{
		"The Crimson Empire",
		"  spaced   out  ",
		"Already-Slugged",
		"Punct!uation's, removed?",
		"MiXeD CaSe 42",
		"",
	}
	for _, in := range inputs {
		s := Slug(in)
		assert.True(t, slugChars.MatchString(s), "slug %q has invalid chars", s)
		assert.Equal(t, s, Slug(s), "slug not idempotent for %q", in)
	}
}

func TestValidateEntity(t *testing.T) {
	errs := ValidateEntity(EntityFaction, map[string]any{
		"name":      "Crimson Empire",
		"alignment": "Lawful_Evil",
	})
	assert.Empty(t, errs)

	errs = ValidateEntity(EntityFaction, map[string]any{"name": "Crimson Empire"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "alignment")

	// Whitespace-only values count as missing.
	errs = ValidateEntity(EntityEvent, map[string]any{
		"name": "Battle of the Pass",
		"type": "battle",
		"date": "   ",
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "date")

	errs = ValidateEntity(EntityType("Deity"), map[string]any{"name": "x"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown entity type")
}

func TestValidateRelationEndpoints(t *testing.T) {
	assert.Empty(t, ValidateRelation(RelControlsResource, EntityFaction, EntityResource, nil))
	assert.Empty(t, ValidateRelation(RelCommands, EntityCharacter, EntityFaction, nil))
	assert.Empty(t, ValidateRelation(RelLocatedIn, EntityResource, EntityLocation, nil))
	assert.Empty(t, ValidateRelation(RelParticipatedIn, EntityCharacter, EntityEvent, nil))

	errs := ValidateRelation(RelControlsResource, EntityCharacter, EntityResource, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "invalid source type")

	errs = ValidateRelation(RelLocatedIn, EntityResource, EntityFaction, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "invalid target type")

	errs = ValidateRelation(RelationType("WORSHIPS"), EntityCharacter, EntityFaction, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown relation type")
}

func TestNormalizeRelationLabel(t *testing.T) {
	cases := map[string]RelationType{
		"allied with":            RelIsAllyOf,
		"Allied With":            RelIsAllyOf,
		"controls":               RelControlsResource,
		"CONTROLS_RESOURCE":      RelControlsResource,
		"led by":                 RelCommands,
		"member of":              RelMemberOf,
		"is situated in":         RelLocatedIn,
		"fought in":              RelParticipatedIn,
		"has long controlled":    RelControlsResource,
		"formed an alliance via": RelIsAllyOf,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeRelationLabel(raw), "label %q", raw)
	}

	// Unknown labels fall back to upper snake case.
	assert.Equal(t, RelationType("WORSHIPS_AT"), NormalizeRelationLabel("worships at"))
}

func TestNormalizeRelationLabelIdempotent(t *testing.T) {
	inputs := []string{"allied with", "controls", "led by", "worships at", "MEMBER_OF"}
	for _, in := range inputs {
		once := NormalizeRelationLabel(in)
		twice := NormalizeRelationLabel(string(once))
		assert.Equal(t, once, twice, "normalization not idempotent for %q", in)
	}
}

func TestClosedSets(t *testing.T) {
	for _, et := range EntityTypes {
		assert.True(t, ValidEntityType(et))
		assert.NotEmpty(t, RequiredProperties(et))
	}
	for _, rt := range RelationTypes {
		assert.True(t, ValidRelationType(rt))
	}
	assert.False(t, ValidEntityType("Deity"))
	assert.False(t, ValidRelationType("WORSHIPS"))
}
