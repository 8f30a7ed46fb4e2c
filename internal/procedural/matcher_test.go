package procedural

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func savePattern(t *testing.T, s store.ProceduralStore, p types.ProceduralPattern) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	require.NoError(t, s.Save(context.Background(), p))
}

func TestMatchKeyword(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:deploy",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy,staging,release"}},
		ConfidenceThreshold: 0.6,
	})

	pat, score, err := m.Match(context.Background(), "alice", "please deploy the release to staging")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Equal(t, "p1", pat.ID)
	assert.InDelta(t, 1.0, score, 0.001)

	// One of three keywords is not enough for a 0.6 threshold.
	pat, _, err = m.Match(context.Background(), "alice", "the deploy went fine")
	require.NoError(t, err)
	assert.Nil(t, pat)
}

func TestMatchRegex(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:rollback",
		Triggers:            []types.Trigger{{Kind: types.TriggerRegex, Pattern: `roll\s*back`}},
		ConfidenceThreshold: 0.9,
	})

	pat, score, err := m.Match(context.Background(), "alice", "Roll Back the last migration")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Equal(t, 1.0, score)

	pat, _, _ = m.Match(context.Background(), "alice", "roll forward instead")
	assert.Nil(t, pat)
}

func TestMatchMalformedRegexIsIgnored(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "broken",
		Triggers:            []types.Trigger{{Kind: types.TriggerRegex, Pattern: `([unclosed`}},
		ConfidenceThreshold: 0.1,
	})

	pat, _, err := m.Match(context.Background(), "alice", "anything at all")
	require.NoError(t, err)
	assert.Nil(t, pat)
}

func TestMatchSemantic(t *testing.T) {
	s := store.NewMemoryStore()
	emb := &stubEmbedder{vecs: map[string][]float32{
		"how do I ship this": {1, 0, 0},
	}}
	m := New(s.Procedural(), emb)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:ship",
		Triggers:            []types.Trigger{{Kind: types.TriggerSemantic, Pattern: "shipping"}},
		Embedding:           []float32{1, 0, 0},
		ConfidenceThreshold: 0.8,
	})

	pat, score, err := m.Match(context.Background(), "alice", "how do I ship this")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Greater(t, score, 0.99)
}

func TestMatchSemanticWithoutEmbedder(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:ship",
		Triggers:            []types.Trigger{{Kind: types.TriggerSemantic, Pattern: "shipping"}},
		Embedding:           []float32{1, 0, 0},
		ConfidenceThreshold: 0.1,
	})

	pat, _, err := m.Match(context.Background(), "alice", "how do I ship this")
	require.NoError(t, err)
	assert.Nil(t, pat)
}

func TestMatchPicksBestAboveOwnThreshold(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "partial", UserID: "alice", Name: "a",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy,canary"}},
		ConfidenceThreshold: 0.4,
	})
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "full", UserID: "alice", Name: "b",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy"}},
		ConfidenceThreshold: 0.4,
	})

	pat, score, err := m.Match(context.Background(), "alice", "deploy it now")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Equal(t, "full", pat.ID)
	assert.Equal(t, 1.0, score)
}

func TestMatchKeywordWholeWordsOnly(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:deploy",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy"}},
		ConfidenceThreshold: 0.6,
	})

	// "deployment" contains the keyword but is not the word.
	pat, _, err := m.Match(context.Background(), "alice", "the deployment pipeline is slow")
	require.NoError(t, err)
	assert.Nil(t, pat)

	pat, _, err = m.Match(context.Background(), "alice", "deploy the pipeline")
	require.NoError(t, err)
	assert.NotNil(t, pat)
}

func TestMatchBumpsUsage(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "p1", UserID: "alice", Name: "learned:deploy",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy"}},
		ConfidenceThreshold: 0.6,
	})

	pat, _, err := m.Match(context.Background(), "alice", "deploy the service")
	require.NoError(t, err)
	require.NotNil(t, pat)

	stored, err := s.Procedural().Get(context.Background(), "alice", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount)
	assert.False(t, stored.LastUsed.IsZero())

	_, _, err = m.Match(context.Background(), "alice", "deploy again")
	require.NoError(t, err)
	stored, err = s.Procedural().Get(context.Background(), "alice", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UsageCount)
}

func TestMatchTieBreaks(t *testing.T) {
	trig := []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "deploy"}}

	// Equal scores: the more-used pattern wins.
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "seasoned", UserID: "alice", Name: "a", UsageCount: 5,
		Triggers: trig, ConfidenceThreshold: 0.4,
	})
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "fresh", UserID: "alice", Name: "b",
		Triggers: trig, ConfidenceThreshold: 0.4,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	pat, _, err := m.Match(context.Background(), "alice", "deploy it")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Equal(t, "seasoned", pat.ID)

	// Equal usage too: the older pattern wins.
	s = store.NewMemoryStore()
	m = New(s.Procedural(), nil)
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "elder", UserID: "alice", Name: "a",
		Triggers: trig, ConfidenceThreshold: 0.4,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	savePattern(t, s.Procedural(), types.ProceduralPattern{
		ID: "recent", UserID: "alice", Name: "b",
		Triggers: trig, ConfidenceThreshold: 0.4,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	pat, _, err = m.Match(context.Background(), "alice", "deploy it")
	require.NoError(t, err)
	require.NotNil(t, pat)
	assert.Equal(t, "elder", pat.ID)
}

func TestMatchNoPatterns(t *testing.T) {
	s := store.NewMemoryStore()
	m := New(s.Procedural(), nil)
	pat, score, err := m.Match(context.Background(), "alice", "whatever")
	require.NoError(t, err)
	assert.Nil(t, pat)
	assert.Zero(t, score)
}
