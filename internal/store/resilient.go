package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Resilient wraps a primary driver with bounded retries and an in-process
// fallback. Only ErrUnavailable is retried: validation errors, not-found,
// and conflicts pass straight through. Once an operation lands on the
// fallback the wrapper is marked degraded; reads and writes keep going to
// the primary first so it picks back up when the outage ends.
type Resilient struct {
	primary  Store
	fallback Store

	retries   int
	base      time.Duration
	opTimeout time.Duration

	degraded     atomic.Bool
	degradedWarn sync.Once
}

// NewResilient wraps primary with retry-then-fallback behavior.
func NewResilient(primary Store, fallback Store, retries int, opTimeout time.Duration) *Resilient {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	if retries < 0 {
		retries = 0
	}
	return &Resilient{
		primary:   primary,
		fallback:  fallback,
		retries:   retries,
		base:      100 * time.Millisecond,
		opTimeout: opTimeout,
	}
}

// Degraded reports whether any operation has fallen back since startup.
func (r *Resilient) Degraded() bool { return r.degraded.Load() }

func (r *Resilient) Working() WorkingStore { return &rWorking{r} }
func (r *Resilient) Semantic() SemanticStore { return &rSemantic{r} }
func (r *Resilient) Episodic() EpisodicStore { return &rEpisodic{r} }
func (r *Resilient) Procedural() ProceduralStore { return &rProcedural{r} }
func (r *Resilient) Conversations() ConversationStore { return &rConversations{r} }

func (r *Resilient) Capabilities() Capabilities { return r.primary.Capabilities() }
func (r *Resilient) Name() string               { return r.primary.Name() + "+fallback" }

func (r *Resilient) Ping(ctx context.Context) error {
	return r.primary.Ping(ctx)
}

func (r *Resilient) Close() error {
	err := r.primary.Close()
	if ferr := r.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

// attempt runs fn against the primary with retries, then against the
// fallback. fn receives a per-attempt deadline when opTimeout is set.
func attempt[T any](r *Resilient, ctx context.Context, op string,
	primary func(context.Context) (T, error),
	fallback func(context.Context) (T, error)) (T, error) {

	var lastErr error
	delay := r.base
	for i := 0; i <= r.retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		actx := ctx
		var cancel context.CancelFunc
		if r.opTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, r.opTimeout)
		}
		out, err := primary(actx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, types.ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		lastErr = err
		logging.Get(logging.CategoryStore).Warn("%s attempt %d failed: %v", op, i+1, err)
	}

	r.degraded.Store(true)
	r.degradedWarn.Do(func() {
		logging.Get(logging.CategoryStore).Error(
			"primary store unavailable, serving from in-process fallback: %v", lastErr)
	})
	out, ferr := fallback(ctx)
	if ferr != nil {
		// The primary's failure is the one worth reporting.
		logging.Get(logging.CategoryStore).Warn("%s fallback also failed: %v", op, ferr)
		var zero T
		return zero, lastErr
	}
	return out, nil
}

// attemptErr is attempt for methods with no value result.
func attemptErr(r *Resilient, ctx context.Context, op string,
	primary func(context.Context) error,
	fallback func(context.Context) error) error {
	_, err := attempt(r, ctx, op,
		func(ctx context.Context) (struct{}, error) { return struct{}{}, primary(ctx) },
		func(ctx context.Context) (struct{}, error) { return struct{}{}, fallback(ctx) })
	return err
}

// --- tier wrappers ---

type rWorking struct{ r *Resilient }

func (w *rWorking) Append(ctx context.Context, msg types.Message) error {
	return attemptErr(w.r, ctx, "working.Append",
		func(ctx context.Context) error { return w.r.primary.Working().Append(ctx, msg) },
		func(ctx context.Context) error { return w.r.fallback.Working().Append(ctx, msg) })
}

func (w *rWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	return attempt(w.r, ctx, "working.Get",
		func(ctx context.Context) (types.Message, error) { return w.r.primary.Working().Get(ctx, userID, id) },
		func(ctx context.Context) (types.Message, error) { return w.r.fallback.Working().Get(ctx, userID, id) })
}

func (w *rWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	return attempt(w.r, ctx, "working.Recent",
		func(ctx context.Context) ([]types.Message, error) {
			return w.r.primary.Working().Recent(ctx, userID, conversationID, n)
		},
		func(ctx context.Context) ([]types.Message, error) {
			return w.r.fallback.Working().Recent(ctx, userID, conversationID, n)
		})
}

func (w *rWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	return attempt(w.r, ctx, "working.All",
		func(ctx context.Context) ([]types.Message, error) { return w.r.primary.Working().All(ctx, userID) },
		func(ctx context.Context) ([]types.Message, error) { return w.r.fallback.Working().All(ctx, userID) })
}

func (w *rWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	return attempt(w.r, ctx, "working.Count",
		func(ctx context.Context) (int, error) { return w.r.primary.Working().Count(ctx, userID, conversationID) },
		func(ctx context.Context) (int, error) { return w.r.fallback.Working().Count(ctx, userID, conversationID) })
}

func (w *rWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	return attemptErr(w.r, ctx, "working.IncrementAccess",
		func(ctx context.Context) error { return w.r.primary.Working().IncrementAccess(ctx, userID, ids) },
		func(ctx context.Context) error { return w.r.fallback.Working().IncrementAccess(ctx, userID, ids) })
}

func (w *rWorking) Delete(ctx context.Context, userID, id string) error {
	return attemptErr(w.r, ctx, "working.Delete",
		func(ctx context.Context) error { return w.r.primary.Working().Delete(ctx, userID, id) },
		func(ctx context.Context) error { return w.r.fallback.Working().Delete(ctx, userID, id) })
}

func (w *rWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	return attempt(w.r, ctx, "working.DeleteUser",
		func(ctx context.Context) (int, error) { return w.r.primary.Working().DeleteUser(ctx, userID) },
		func(ctx context.Context) (int, error) { return w.r.fallback.Working().DeleteUser(ctx, userID) })
}

func (w *rWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return attempt(w.r, ctx, "working.ExpireBefore",
		func(ctx context.Context) (int, error) { return w.r.primary.Working().ExpireBefore(ctx, cutoff) },
		func(ctx context.Context) (int, error) { return w.r.fallback.Working().ExpireBefore(ctx, cutoff) })
}

type rSemantic struct{ r *Resilient }

func (m *rSemantic) Upsert(ctx context.Context, fact types.ExtractedFact) error {
	return attemptErr(m.r, ctx, "semantic.Upsert",
		func(ctx context.Context) error { return m.r.primary.Semantic().Upsert(ctx, fact) },
		func(ctx context.Context) error { return m.r.fallback.Semantic().Upsert(ctx, fact) })
}

func (m *rSemantic) Get(ctx context.Context, userID, id string) (types.ExtractedFact, error) {
	return attempt(m.r, ctx, "semantic.Get",
		func(ctx context.Context) (types.ExtractedFact, error) { return m.r.primary.Semantic().Get(ctx, userID, id) },
		func(ctx context.Context) (types.ExtractedFact, error) { return m.r.fallback.Semantic().Get(ctx, userID, id) })
}

func (m *rSemantic) ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error) {
	return attempt(m.r, ctx, "semantic.ByKey",
		func(ctx context.Context) (types.ExtractedFact, error) {
			return m.r.primary.Semantic().ByKey(ctx, userID, key)
		},
		func(ctx context.Context) (types.ExtractedFact, error) {
			return m.r.fallback.Semantic().ByKey(ctx, userID, key)
		})
}

func (m *rSemantic) All(ctx context.Context, userID string) ([]types.ExtractedFact, error) {
	return attempt(m.r, ctx, "semantic.All",
		func(ctx context.Context) ([]types.ExtractedFact, error) { return m.r.primary.Semantic().All(ctx, userID) },
		func(ctx context.Context) ([]types.ExtractedFact, error) { return m.r.fallback.Semantic().All(ctx, userID) })
}

func (m *rSemantic) Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	return attempt(m.r, ctx, "semantic.Search",
		func(ctx context.Context) ([]types.ExtractedFact, error) {
			return m.r.primary.Semantic().Search(ctx, userID, query, topK, threshold)
		},
		func(ctx context.Context) ([]types.ExtractedFact, error) {
			return m.r.fallback.Semantic().Search(ctx, userID, query, topK, threshold)
		})
}

func (m *rSemantic) SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error) {
	return attempt(m.r, ctx, "semantic.SearchText",
		func(ctx context.Context) ([]types.ExtractedFact, error) {
			return m.r.primary.Semantic().SearchText(ctx, userID, query, topK)
		},
		func(ctx context.Context) ([]types.ExtractedFact, error) {
			return m.r.fallback.Semantic().SearchText(ctx, userID, query, topK)
		})
}

func (m *rSemantic) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	return attemptErr(m.r, ctx, "semantic.IncrementAccess",
		func(ctx context.Context) error { return m.r.primary.Semantic().IncrementAccess(ctx, userID, ids) },
		func(ctx context.Context) error { return m.r.fallback.Semantic().IncrementAccess(ctx, userID, ids) })
}

func (m *rSemantic) MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error {
	return attemptErr(m.r, ctx, "semantic.MarkConsolidated",
		func(ctx context.Context) error { return m.r.primary.Semantic().MarkConsolidated(ctx, userID, ids, at) },
		func(ctx context.Context) error { return m.r.fallback.Semantic().MarkConsolidated(ctx, userID, ids, at) })
}

func (m *rSemantic) Unconsolidate(ctx context.Context, userID string, ids []string) error {
	return attemptErr(m.r, ctx, "semantic.Unconsolidate",
		func(ctx context.Context) error { return m.r.primary.Semantic().Unconsolidate(ctx, userID, ids) },
		func(ctx context.Context) error { return m.r.fallback.Semantic().Unconsolidate(ctx, userID, ids) })
}

func (m *rSemantic) Delete(ctx context.Context, userID, id string) error {
	return attemptErr(m.r, ctx, "semantic.Delete",
		func(ctx context.Context) error { return m.r.primary.Semantic().Delete(ctx, userID, id) },
		func(ctx context.Context) error { return m.r.fallback.Semantic().Delete(ctx, userID, id) })
}

func (m *rSemantic) DeleteUser(ctx context.Context, userID string) (int, error) {
	return attempt(m.r, ctx, "semantic.DeleteUser",
		func(ctx context.Context) (int, error) { return m.r.primary.Semantic().DeleteUser(ctx, userID) },
		func(ctx context.Context) (int, error) { return m.r.fallback.Semantic().DeleteUser(ctx, userID) })
}

func (m *rSemantic) EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	return attempt(m.r, ctx, "semantic.EvictStale",
		func(ctx context.Context) (int, error) { return m.r.primary.Semantic().EvictStale(ctx, cutoff, minAccess) },
		func(ctx context.Context) (int, error) { return m.r.fallback.Semantic().EvictStale(ctx, cutoff, minAccess) })
}

type rEpisodic struct{ r *Resilient }

func (e *rEpisodic) Append(ctx context.Context, ev types.EpisodicEvent) error {
	return attemptErr(e.r, ctx, "episodic.Append",
		func(ctx context.Context) error { return e.r.primary.Episodic().Append(ctx, ev) },
		func(ctx context.Context) error { return e.r.fallback.Episodic().Append(ctx, ev) })
}

func (e *rEpisodic) Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error) {
	return attempt(e.r, ctx, "episodic.Get",
		func(ctx context.Context) (types.EpisodicEvent, error) { return e.r.primary.Episodic().Get(ctx, userID, id) },
		func(ctx context.Context) (types.EpisodicEvent, error) { return e.r.fallback.Episodic().Get(ctx, userID, id) })
}

func (e *rEpisodic) Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	return attempt(e.r, ctx, "episodic.Range",
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.primary.Episodic().Range(ctx, userID, from, to, limit)
		},
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.fallback.Episodic().Range(ctx, userID, from, to, limit)
		})
}

func (e *rEpisodic) Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error) {
	return attempt(e.r, ctx, "episodic.Search",
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.primary.Episodic().Search(ctx, userID, query, topK)
		},
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.fallback.Episodic().Search(ctx, userID, query, topK)
		})
}

func (e *rEpisodic) ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error) {
	return attempt(e.r, ctx, "episodic.ByType",
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.primary.Episodic().ByType(ctx, userID, eventType, since)
		},
		func(ctx context.Context) ([]types.EpisodicEvent, error) {
			return e.r.fallback.Episodic().ByType(ctx, userID, eventType, since)
		})
}

func (e *rEpisodic) Delete(ctx context.Context, userID, id string) error {
	return attemptErr(e.r, ctx, "episodic.Delete",
		func(ctx context.Context) error { return e.r.primary.Episodic().Delete(ctx, userID, id) },
		func(ctx context.Context) error { return e.r.fallback.Episodic().Delete(ctx, userID, id) })
}

func (e *rEpisodic) DeleteUser(ctx context.Context, userID string) (int, error) {
	return attempt(e.r, ctx, "episodic.DeleteUser",
		func(ctx context.Context) (int, error) { return e.r.primary.Episodic().DeleteUser(ctx, userID) },
		func(ctx context.Context) (int, error) { return e.r.fallback.Episodic().DeleteUser(ctx, userID) })
}

type rProcedural struct{ r *Resilient }

func (p *rProcedural) Save(ctx context.Context, pat types.ProceduralPattern) error {
	return attemptErr(p.r, ctx, "procedural.Save",
		func(ctx context.Context) error { return p.r.primary.Procedural().Save(ctx, pat) },
		func(ctx context.Context) error { return p.r.fallback.Procedural().Save(ctx, pat) })
}

func (p *rProcedural) Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error) {
	return attempt(p.r, ctx, "procedural.Get",
		func(ctx context.Context) (types.ProceduralPattern, error) {
			return p.r.primary.Procedural().Get(ctx, userID, id)
		},
		func(ctx context.Context) (types.ProceduralPattern, error) {
			return p.r.fallback.Procedural().Get(ctx, userID, id)
		})
}

func (p *rProcedural) All(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	return attempt(p.r, ctx, "procedural.All",
		func(ctx context.Context) ([]types.ProceduralPattern, error) {
			return p.r.primary.Procedural().All(ctx, userID)
		},
		func(ctx context.Context) ([]types.ProceduralPattern, error) {
			return p.r.fallback.Procedural().All(ctx, userID)
		})
}

func (p *rProcedural) Touch(ctx context.Context, userID, id string) error {
	return attemptErr(p.r, ctx, "procedural.Touch",
		func(ctx context.Context) error { return p.r.primary.Procedural().Touch(ctx, userID, id) },
		func(ctx context.Context) error { return p.r.fallback.Procedural().Touch(ctx, userID, id) })
}

func (p *rProcedural) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	return attemptErr(p.r, ctx, "procedural.RecordUsage",
		func(ctx context.Context) error { return p.r.primary.Procedural().RecordUsage(ctx, userID, id, success) },
		func(ctx context.Context) error { return p.r.fallback.Procedural().RecordUsage(ctx, userID, id, success) })
}

func (p *rProcedural) Delete(ctx context.Context, userID, id string) error {
	return attemptErr(p.r, ctx, "procedural.Delete",
		func(ctx context.Context) error { return p.r.primary.Procedural().Delete(ctx, userID, id) },
		func(ctx context.Context) error { return p.r.fallback.Procedural().Delete(ctx, userID, id) })
}

func (p *rProcedural) DeleteUser(ctx context.Context, userID string) (int, error) {
	return attempt(p.r, ctx, "procedural.DeleteUser",
		func(ctx context.Context) (int, error) { return p.r.primary.Procedural().DeleteUser(ctx, userID) },
		func(ctx context.Context) (int, error) { return p.r.fallback.Procedural().DeleteUser(ctx, userID) })
}

type rConversations struct{ r *Resilient }

func (c *rConversations) Create(ctx context.Context, conv types.Conversation) error {
	return attemptErr(c.r, ctx, "conversations.Create",
		func(ctx context.Context) error { return c.r.primary.Conversations().Create(ctx, conv) },
		func(ctx context.Context) error { return c.r.fallback.Conversations().Create(ctx, conv) })
}

func (c *rConversations) Get(ctx context.Context, userID, id string) (types.Conversation, error) {
	return attempt(c.r, ctx, "conversations.Get",
		func(ctx context.Context) (types.Conversation, error) {
			return c.r.primary.Conversations().Get(ctx, userID, id)
		},
		func(ctx context.Context) (types.Conversation, error) {
			return c.r.fallback.Conversations().Get(ctx, userID, id)
		})
}

func (c *rConversations) All(ctx context.Context, userID string) ([]types.Conversation, error) {
	return attempt(c.r, ctx, "conversations.All",
		func(ctx context.Context) ([]types.Conversation, error) {
			return c.r.primary.Conversations().All(ctx, userID)
		},
		func(ctx context.Context) ([]types.Conversation, error) {
			return c.r.fallback.Conversations().All(ctx, userID)
		})
}

func (c *rConversations) Delete(ctx context.Context, userID, id string) error {
	return attemptErr(c.r, ctx, "conversations.Delete",
		func(ctx context.Context) error { return c.r.primary.Conversations().Delete(ctx, userID, id) },
		func(ctx context.Context) error { return c.r.fallback.Conversations().Delete(ctx, userID, id) })
}

func (c *rConversations) DeleteUser(ctx context.Context, userID string) (int, error) {
	return attempt(c.r, ctx, "conversations.DeleteUser",
		func(ctx context.Context) (int, error) { return c.r.primary.Conversations().DeleteUser(ctx, userID) },
		func(ctx context.Context) (int, error) { return c.r.fallback.Conversations().DeleteUser(ctx, userID) })
}
