package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := OpenWithConfig(context.Background(), t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func TestAddMessageValidation(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		user    string
		conv    string
		role    types.Role
		content string
	}{
		{"missing user", "", "c1", types.RoleUser, "hi"},
		{"missing conversation", "alice", "", types.RoleUser, "hi"},
		{"bad role", "alice", "c1", "narrator", "hi"},
		{"empty content", "alice", "c1", types.RoleUser, "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.AddMessage(ctx, tc.user, tc.conv, tc.role, tc.content, nil)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}

	t.Run("oversized content", func(t *testing.T) {
		_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, strings.Repeat("x", 10001), nil)
		assert.ErrorIs(t, err, types.ErrValidation)
	})
	t.Run("too many tags", func(t *testing.T) {
		tags := make([]string, 11)
		for i := range tags {
			tags[i] = "t"
		}
		_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "hi", tags)
		assert.ErrorIs(t, err, types.ErrValidation)
	})
}

func TestAddAndGetMessages(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	msg, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "we decided to ship on friday", []string{"planning"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Greater(t, msg.Importance, 0.0)
	assert.LessOrEqual(t, msg.Importance, 1.0)

	_, err = eng.AddMessage(ctx, "alice", "c1", types.RoleAssistant, "noted, friday it is", nil)
	require.NoError(t, err)

	msgs, err := eng.GetMessages(ctx, "alice", "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
}

func TestRetrieveContextContinuation(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "let's design the billing schema", nil)
	require.NoError(t, err)

	mc, err := eng.RetrieveContext(ctx, "alice", "c1", "continue")
	require.NoError(t, err)
	assert.Equal(t, types.QueryContinuation, mc.Plan.Kind)
	require.Len(t, mc.WorkingMessages, 1)
	assert.Empty(t, mc.Warnings)
	assert.Positive(t, mc.TotalTokens)
	assert.LessOrEqual(t, mc.TotalTokens, mc.Plan.EstimatedTokens)
}

func TestRetrieveContextRequiresUser(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.RetrieveContext(context.Background(), "", "c1", "continue")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestQueryWithoutCollaborator(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "my favorite editor is vim", nil)
	require.NoError(t, err)

	answer, mc, err := eng.Query(ctx, "alice", "c1", "continue")
	require.NoError(t, err)
	assert.Nil(t, mc.AppliedPattern)
	// Without a model backend the rendered context is the answer material.
	assert.True(t, strings.Contains(answer, "vim"), "rendered context should carry the message: %q", answer)
}

func TestThresholdTriggersConsolidation(t *testing.T) {
	eng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Consolidation.ThresholdMessages = 3
		cfg.Consolidation.MinAge = 0
		cfg.Consolidation.MinImportance = 0
	})
	ctx := context.Background()

	for _, content := range []string{
		"we decided to use postgres",
		"the migration plan is ready",
		"deploy is scheduled for friday",
	} {
		_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, content, nil)
		require.NoError(t, err)
	}

	// The third message crossed the threshold; the worker should promote
	// everything shortly.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := eng.Stats(ctx, "alice")
		require.NoError(t, err)
		if stats.Facts == 3 && stats.WorkingMessages == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("threshold crossing never consolidated the conversation")
}

func TestConsolidateDirect(t *testing.T) {
	eng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Consolidation.MinAge = 0
		cfg.Consolidation.MinImportance = 0
	})
	ctx := context.Background()

	_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "remember the api token rotation", nil)
	require.NoError(t, err)

	res, err := eng.Consolidate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PromotedFacts)

	mc, err := eng.RetrieveContext(ctx, "alice", "c1", "what is my token rotation policy")
	require.NoError(t, err)
	assert.Equal(t, types.QueryFactRetrieval, mc.Plan.Kind)
	require.NotEmpty(t, mc.Facts)
	assert.Contains(t, mc.Facts[0].Value, "token")
}

func TestDeleteUser(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateConversation(ctx, "alice", "project chat", nil)
	require.NoError(t, err)
	_, err = eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "something personal", nil)
	require.NoError(t, err)
	_, err = eng.AddMessage(ctx, "bob", "c2", types.RoleUser, "unrelated", nil)
	require.NoError(t, err)

	require.NoError(t, eng.DeleteUser(ctx, "alice"))

	stats, err := eng.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, stats.WorkingMessages)
	assert.Zero(t, stats.Facts)
	assert.Zero(t, stats.Events)
	assert.Zero(t, stats.Patterns)
	assert.Zero(t, stats.Conversations)

	bobStats, err := eng.Stats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bobStats.WorkingMessages)
}

func TestStatsReportsDriver(t *testing.T) {
	eng := newTestEngine(t, nil)
	stats, err := eng.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "in-process", stats.StorageProvider)
}

func TestCreateConversation(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateConversation(ctx, "", "untitled", nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	conv, err := eng.CreateConversation(ctx, "alice", "roadmap", []string{"planning"})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)

	convs, err := eng.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "roadmap", convs[0].Title)
}

func TestSavePatternAndTrigger(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.SavePattern(ctx, types.ProceduralPattern{
		UserID: "alice",
		Name:   "schema review",
		Triggers: []types.Trigger{
			{Kind: types.TriggerKeyword, Pattern: "database"},
		},
	})
	assert.ErrorIs(t, err, types.ErrValidation, "missing instruction template")

	pat, err := eng.SavePattern(ctx, types.ProceduralPattern{
		UserID: "alice",
		Name:   "schema review",
		Triggers: []types.Trigger{
			{Kind: types.TriggerKeyword, Pattern: "database"},
		},
		InstructionTemplate: "Check indexes before suggesting schema changes.",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pat.ID)
	assert.Equal(t, 0.5, pat.ConfidenceThreshold)

	mc, err := eng.RetrieveContext(ctx, "alice", "c1", "I need help with my database")
	require.NoError(t, err)
	assert.Equal(t, types.QueryProceduralTrigger, mc.Plan.Kind)
	require.NotNil(t, mc.AppliedPattern)
	assert.Equal(t, pat.ID, mc.AppliedPattern.ID)
}

func TestSavePatternRejectsBadRegex(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.SavePattern(context.Background(), types.ProceduralPattern{
		UserID:              "alice",
		Name:                "broken",
		Triggers:            []types.Trigger{{Kind: types.TriggerRegex, Pattern: "([unclosed"}},
		InstructionTemplate: "never applied",
	})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestMessagesBetween(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "first", nil)
	require.NoError(t, err)
	_, err = eng.AddMessage(ctx, "alice", "c2", types.RoleUser, "other conversation", nil)
	require.NoError(t, err)
	second, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "second", nil)
	require.NoError(t, err)

	msgs, err := eng.MessagesBetween(ctx, "alice", "c1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)

	// An upper bound before the second message excludes it.
	msgs, err = eng.MessagesBetween(ctx, "alice", "c1", time.Time{}, second.Timestamp, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, first.ID, msgs[0].ID)

	// Limit keeps the newest entries.
	msgs, err = eng.MessagesBetween(ctx, "alice", "c1", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, second.ID, msgs[0].ID)
}

func TestEventsAfterConsolidation(t *testing.T) {
	eng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Consolidation.MinAge = 0
		cfg.Consolidation.MinImportance = 0
	})
	ctx := context.Background()

	_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "we decided to archive this", nil)
	require.NoError(t, err)
	_, err = eng.Consolidate(ctx, "alice")
	require.NoError(t, err)

	events, err := eng.Events(ctx, "alice", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	// Nothing clustered yet; the archive may be empty, but the read works.
	for _, ev := range events {
		assert.Equal(t, "alice", ev.UserID)
	}
}

func TestForgetMessage(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	msg, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "forget this one", nil)
	require.NoError(t, err)
	require.NoError(t, eng.ForgetMessage(ctx, "alice", msg.ID))

	msgs, err := eng.GetMessages(ctx, "alice", "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestForgetReachesEveryTier(t *testing.T) {
	eng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Consolidation.MinAge = 0
		cfg.Consolidation.MinImportance = 0
	})
	ctx := context.Background()

	_, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "remember the token rotation", nil)
	require.NoError(t, err)
	_, err = eng.Consolidate(ctx, "alice")
	require.NoError(t, err)

	facts, err := eng.stores.Semantic().All(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, facts, 1)

	// The id now lives in the semantic tier; forgetting it still works.
	require.NoError(t, eng.ForgetMessage(ctx, "alice", facts[0].ID))
	facts, err = eng.stores.Semantic().All(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, facts)

	// An unknown id is a no-op, not an error.
	require.NoError(t, eng.ForgetMessage(ctx, "alice", "no-such-id"))
}

func TestConsolidatePromotesFreshImportantMessage(t *testing.T) {
	// Pure defaults: a strong fresh message needs neither age nor repeat
	// access to promote.
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	msg, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser,
		"we decided to fix the critical database timeout bug immediately!", nil)
	require.NoError(t, err)
	require.Greater(t, msg.Importance, 0.7)

	res, err := eng.Consolidate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PromotedFacts)

	stats, err := eng.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Facts)
	assert.Zero(t, stats.WorkingMessages)
}

func TestExpiredMessagesAreNotServed(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	// Written straight to the driver with a timestamp past the TTL, as if
	// eviction had not caught up yet.
	stale := types.Message{
		ID:             "old",
		UserID:         "alice",
		ConversationID: "c1",
		Role:           types.RoleUser,
		Content:        "long gone",
		Timestamp:      time.Now().Add(-3 * time.Hour),
	}
	require.NoError(t, eng.stores.Working().Append(ctx, stale))
	fresh, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "still here", nil)
	require.NoError(t, err)

	msgs, err := eng.GetMessages(ctx, "alice", "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, fresh.ID, msgs[0].ID)

	msgs, err = eng.MessagesBetween(ctx, "alice", "c1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	mc, err := eng.RetrieveContext(ctx, "alice", "c1", "continue")
	require.NoError(t, err)
	for _, m := range mc.WorkingMessages {
		assert.NotEqual(t, "old", m.ID)
	}
}

func TestRetrieveDropsOversizedPattern(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.SavePattern(ctx, types.ProceduralPattern{
		UserID:              "alice",
		Name:                "giant checklist",
		Triggers:            []types.Trigger{{Kind: types.TriggerKeyword, Pattern: "database"}},
		InstructionTemplate: strings.Repeat("check the indexes before changing anything ", 2000),
	})
	require.NoError(t, err)

	mc, err := eng.RetrieveContext(ctx, "alice", "c1", "I need help with my database")
	require.NoError(t, err)
	assert.Nil(t, mc.AppliedPattern, "a template larger than the whole budget cannot be served")
	assert.LessOrEqual(t, mc.TotalTokens, mc.Plan.EstimatedTokens)
}

type stubProvider struct {
	entities  []types.Entity
	extracted chan struct{}
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (s *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubProvider) ClassifyQuery(ctx context.Context, text string) (string, error) {
	return "", errors.New("unused")
}

func (s *stubProvider) ExtractEntities(ctx context.Context, text string) ([]types.Entity, error) {
	defer func() {
		select {
		case s.extracted <- struct{}{}:
		default:
		}
	}()
	return s.entities, nil
}

func (s *stubProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", errors.New("unused")
}

func (s *stubProvider) AnswerWithContext(ctx context.Context, query, contextText string) (string, error) {
	return "", errors.New("unused")
}

func (s *stubProvider) AnalyzeSentiment(ctx context.Context, text string) (float64, string, error) {
	return 0, "neutral", nil
}

func (s *stubProvider) Dimensions() int { return 3 }
func (s *stubProvider) Name() string    { return "stub" }

func TestAddMessageExtractsEntitiesInBackground(t *testing.T) {
	eng := newTestEngine(t, nil)
	stub := &stubProvider{
		entities:  []types.Entity{{Name: "postgres", Type: types.EntityTechnology}},
		extracted: make(chan struct{}, 1),
	}
	eng.provider = stub
	ctx := context.Background()

	msg, err := eng.AddMessage(ctx, "alice", "c1", types.RoleUser, "we moved the ledger to postgres", nil)
	require.NoError(t, err)

	select {
	case <-stub.extracted:
	case <-time.After(2 * time.Second):
		t.Fatal("entity extraction never ran")
	}

	// The write-back happens after extraction; poll briefly for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := eng.stores.Working().Get(ctx, "alice", msg.ID)
		require.NoError(t, err)
		if len(got.Entities) == 1 && got.Entities[0].Name == "postgres" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("entities never written back to the stored message")
}
