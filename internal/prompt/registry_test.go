package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLoad(t *testing.T) {
	r := NewRegistry()

	p, err := r.Register("narrator", "1.0.0", "tell the tale of %s")
	require.NoError(t, err)
	assert.Equal(t, "narrator@1.0.0", p.ID)
	assert.Len(t, p.Hash, 64)

	got, err := r.Load("narrator", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoadNeverFallsBack(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("narrator", "1.0.0", "v1")
	require.NoError(t, err)

	_, err = r.Load("narrator", "1.0.1")
	assert.Error(t, err)
	_, err = r.Load("narrator", "2.0.0")
	assert.Error(t, err)
}

func TestPublishedVersionsAreImmutable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("narrator", "1.0.0", "original")
	require.NoError(t, err)

	_, err = r.Register("narrator", "1.0.0", "edited")
	assert.Error(t, err)

	got, err := r.Load("narrator", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
}

func TestHashDistinguishesContent(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register("narrator", "1.0.0", "alpha")
	require.NoError(t, err)
	b, err := r.Register("narrator", "1.1.0", "beta")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestRejectsBadVersions(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"", "1", "1.0", "v1.0.0", "1.0.0-rc1"} {
		_, err := r.Register("narrator", v, "content")
		assert.Error(t, err, "version %q should be rejected", v)
	}
}

func TestBuiltinPrompts(t *testing.T) {
	r := Builtin()
	for _, key := range [][2]string{
		{ExtractorAgent, ExtractorVersion},
		{NarratorAgent, NarratorVersion},
		{ClaimJudgeAgent, ClaimJudgeVersion},
		{CoverageAgent, CoverageVersion},
	} {
		p, err := r.Load(key[0], key[1])
		require.NoError(t, err)
		assert.NotEmpty(t, p.Content)
		assert.NotEmpty(t, p.Hash)
	}
}
