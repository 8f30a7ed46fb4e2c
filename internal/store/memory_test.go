package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"mnemo/internal/types"
)

func msgAt(user, conv, content string, ts time.Time) types.Message {
	return types.Message{
		ID:             content,
		UserID:         user,
		ConversationID: conv,
		Role:           types.RoleUser,
		Content:        content,
		Timestamp:      ts,
	}
}

func TestMemoryWorkingRecent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"one", "two", "three", "four"} {
		if err := s.Working().Append(ctx, msgAt("alice", "c1", content, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// A second conversation must not leak in.
	if err := s.Working().Append(ctx, msgAt("alice", "c2", "other", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Working().Recent(ctx, "alice", "c1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d messages, want 3", len(got))
	}
	// Newest 3, oldest-first.
	want := []string{"two", "three", "four"}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("Recent[%d] = %q, want %q", i, m.Content, want[i])
		}
	}

	count, err := s.Working().Count(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 4 {
		t.Errorf("Count = %d, want 4", count)
	}
}

func TestMemoryWorkingIncrementAndExpire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Working().Append(ctx, msgAt("alice", "c1", "old", base))
	s.Working().Append(ctx, msgAt("alice", "c1", "new", base.Add(time.Hour)))

	if err := s.Working().IncrementAccess(ctx, "alice", []string{"old"}); err != nil {
		t.Fatalf("IncrementAccess: %v", err)
	}
	m, err := s.Working().Get(ctx, "alice", "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", m.AccessCount)
	}

	expired, err := s.Working().ExpireBefore(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ExpireBefore: %v", err)
	}
	if expired != 1 {
		t.Errorf("ExpireBefore removed %d, want 1", expired)
	}
	if _, err := s.Working().Get(ctx, "alice", "old"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
	if _, err := s.Working().Get(ctx, "alice", "new"); err != nil {
		t.Errorf("newer message should survive: %v", err)
	}
}

func TestMemorySemanticSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	facts := []types.ExtractedFact{
		{ID: "f1", UserID: "alice", Key: "editor", Value: "uses vim", Embedding: []float32{1, 0, 0}, CreatedAt: now},
		{ID: "f2", UserID: "alice", Key: "theme", Value: "dark mode", Embedding: []float32{0.9, 0.1, 0}, CreatedAt: now},
		{ID: "f3", UserID: "alice", Key: "os", Value: "runs linux", Embedding: []float32{0, 1, 0}, CreatedAt: now},
		{ID: "f4", UserID: "bob", Key: "editor", Value: "uses emacs", Embedding: []float32{1, 0, 0}, CreatedAt: now},
	}
	for _, f := range facts {
		if err := s.Semantic().Upsert(ctx, f); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := s.Semantic().Search(ctx, "alice", []float32{1, 0, 0}, 10, 0.7)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search returned %d facts, want 2", len(got))
	}
	if got[0].ID != "f1" {
		t.Errorf("most similar fact = %s, want f1", got[0].ID)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Errorf("results not ordered by similarity: %.3f < %.3f", got[0].Similarity, got[1].Similarity)
	}

	// The orthogonal fact falls below the threshold.
	for _, f := range got {
		if f.ID == "f3" {
			t.Errorf("fact below threshold returned: %s", f.ID)
		}
		if f.UserID != "alice" {
			t.Errorf("cross-user fact returned: %s", f.ID)
		}
	}
}

func TestMemorySemanticConsolidationVisibility(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Semantic().Upsert(ctx, types.ExtractedFact{ID: "f1", UserID: "alice", Key: "k", Value: "v", CreatedAt: now})

	if err := s.Semantic().MarkConsolidated(ctx, "alice", []string{"f1"}, now); err != nil {
		t.Fatalf("MarkConsolidated: %v", err)
	}
	all, err := s.Semantic().All(ctx, "alice")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("consolidated fact still visible, got %d facts", len(all))
	}
	if _, err := s.Semantic().ByKey(ctx, "alice", "k"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ByKey on consolidated fact: %v, want ErrNotFound", err)
	}

	if err := s.Semantic().Unconsolidate(ctx, "alice", []string{"f1"}); err != nil {
		t.Fatalf("Unconsolidate: %v", err)
	}
	all, _ = s.Semantic().All(ctx, "alice")
	if len(all) != 1 {
		t.Errorf("unconsolidated fact not visible again, got %d facts", len(all))
	}
}

func TestMemorySemanticEvictStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	s.Semantic().Upsert(ctx, types.ExtractedFact{ID: "stale", UserID: "alice", Key: "a", Value: "v", CreatedAt: old})
	s.Semantic().Upsert(ctx, types.ExtractedFact{ID: "hot", UserID: "alice", Key: "b", Value: "v", CreatedAt: old, AccessCount: 5})
	s.Semantic().Upsert(ctx, types.ExtractedFact{ID: "fresh", UserID: "alice", Key: "c", Value: "v", CreatedAt: time.Now()})

	evicted, err := s.Semantic().EvictStale(ctx, time.Now().Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("EvictStale: %v", err)
	}
	if evicted != 1 {
		t.Errorf("EvictStale removed %d, want 1", evicted)
	}
	if _, err := s.Semantic().Get(ctx, "alice", "stale"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("stale fact should be gone, got %v", err)
	}
	if _, err := s.Semantic().Get(ctx, "alice", "hot"); err != nil {
		t.Errorf("frequently accessed fact should survive: %v", err)
	}
}

func TestMemoryEpisodicRangeAndByType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := types.EpisodicEvent{
			ID:         string(rune('a' + i)),
			UserID:     "alice",
			EventType:  "deploy",
			Content:    "deployed",
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		}
		if i%2 == 1 {
			ev.EventType = "review"
		}
		if err := s.Episodic().Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Episodic().Range(ctx, "alice", base.Add(time.Hour), base.Add(4*time.Hour), 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Range returned %d events, want 3", len(got))
	}
	// Newest-first.
	if !got[0].OccurredAt.After(got[len(got)-1].OccurredAt) {
		t.Errorf("Range not newest-first: %v .. %v", got[0].OccurredAt, got[len(got)-1].OccurredAt)
	}

	deploys, err := s.Episodic().ByType(ctx, "alice", "deploy", base)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(deploys) != 3 {
		t.Errorf("ByType returned %d deploy events, want 3", len(deploys))
	}
}

func TestMemoryProceduralUsage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := types.ProceduralPattern{ID: "p1", UserID: "alice", Name: "deploy-routine", CreatedAt: time.Now()}
	if err := s.Procedural().Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Touch counts applications; RecordUsage counts reported outcomes.
	if err := s.Procedural().Touch(ctx, "alice", "p1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	s.Procedural().Touch(ctx, "alice", "p1")
	s.Procedural().RecordUsage(ctx, "alice", "p1", true)
	s.Procedural().RecordUsage(ctx, "alice", "p1", false)

	got, err := s.Procedural().Get(ctx, "alice", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UsageCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Errorf("usage = %d/%d/%d, want 2/1/1", got.UsageCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastUsed.IsZero() {
		t.Error("LastUsed not set by Touch")
	}

	if err := s.Procedural().Touch(ctx, "alice", "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Touch on missing pattern = %v, want ErrNotFound", err)
	}
}

func TestMemoryDeleteUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.Working().Append(ctx, msgAt("alice", "c1", "m1", now))
	s.Semantic().Upsert(ctx, types.ExtractedFact{ID: "f1", UserID: "alice", Key: "k", Value: "v", CreatedAt: now})
	s.Episodic().Append(ctx, types.EpisodicEvent{ID: "e1", UserID: "alice", EventType: "t", OccurredAt: now})
	s.Procedural().Save(ctx, types.ProceduralPattern{ID: "p1", UserID: "alice", Name: "n", CreatedAt: now})
	s.Conversations().Create(ctx, types.Conversation{ID: "c1", UserID: "alice", Title: "t", CreatedAt: now})

	s.Working().Append(ctx, msgAt("bob", "c9", "keep", now))

	if n, err := s.Working().DeleteUser(ctx, "alice"); err != nil || n != 1 {
		t.Fatalf("Working.DeleteUser = (%d, %v), want (1, nil)", n, err)
	}
	if n, _ := s.Semantic().DeleteUser(ctx, "alice"); n != 1 {
		t.Errorf("Semantic.DeleteUser = %d, want 1", n)
	}
	if n, _ := s.Episodic().DeleteUser(ctx, "alice"); n != 1 {
		t.Errorf("Episodic.DeleteUser = %d, want 1", n)
	}
	if n, _ := s.Procedural().DeleteUser(ctx, "alice"); n != 1 {
		t.Errorf("Procedural.DeleteUser = %d, want 1", n)
	}
	if n, _ := s.Conversations().DeleteUser(ctx, "alice"); n != 1 {
		t.Errorf("Conversations.DeleteUser = %d, want 1", n)
	}

	// Other users are untouched.
	if _, err := s.Working().Get(ctx, "bob", "keep"); err != nil {
		t.Errorf("bob's message should survive: %v", err)
	}
}
