package hippocampus

import (
	"context"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Worker drives the pipeline in the background: a periodic tick
// consolidates every active user, and explicit requests (a user crossing
// the message threshold) run sooner through a bounded queue. Failed cycles
// retry with exponential backoff up to the configured attempt count.
type Worker struct {
	pipeline *Pipeline
	cfg      config.ConsolidationConfig

	requests chan string

	mu     sync.Mutex
	active map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker around the pipeline.
func NewWorker(pipeline *Pipeline, cfg config.ConsolidationConfig) *Worker {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &Worker{
		pipeline: pipeline,
		cfg:      cfg,
		requests: make(chan string, capacity),
		active:   make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Track registers a user for periodic consolidation.
func (w *Worker) Track(userID string) {
	w.mu.Lock()
	w.active[userID] = true
	w.mu.Unlock()
}

// Untrack removes a user (after deletion).
func (w *Worker) Untrack(userID string) {
	w.mu.Lock()
	delete(w.active, userID)
	w.mu.Unlock()
}

// Request asks for an out-of-band cycle for the user. Returns false when
// the queue is full; the periodic tick will still cover the user.
func (w *Worker) Request(userID string) bool {
	w.Track(userID)
	select {
	case w.requests <- userID:
		return true
	default:
		logging.Get(logging.CategoryHippocampus).Warn(
			"consolidation queue full, deferring user %s to periodic cycle", userID)
		return false
	}
}

// Start launches the background loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	logging.Hippocampus("consolidation worker started (period=%v)", w.cfg.Period.Std())
}

// Stop shuts the loop down and waits for the in-flight cycle.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()

	period := w.cfg.Period.Std()
	if period <= 0 {
		period = 5 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case userID := <-w.requests:
			w.consolidateWithRetry(userID)
		case <-ticker.C:
			for _, userID := range w.activeUsers() {
				select {
				case <-w.stopCh:
					return
				default:
				}
				w.consolidateWithRetry(userID)
			}
		}
	}
}

func (w *Worker) activeUsers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	users := make([]string, 0, len(w.active))
	for u := range w.active {
		users = append(users, u)
	}
	return users
}

// consolidateWithRetry runs a cycle, retrying transient failures with
// exponential backoff. Rolled-back cycles (ErrConflict) are also retried:
// the next attempt re-selects candidates and skips whatever already moved.
func (w *Worker) consolidateWithRetry(userID string) {
	log := logging.Get(logging.CategoryHippocampus)
	base := w.cfg.RetryBase.Std()
	if base <= 0 {
		base = 5 * time.Second
	}

	var lastErr error
	delay := base
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_, err := w.pipeline.Consolidate(ctx, userID)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if kind := types.ErrorKind(err); kind == "validation" || kind == "not_found" {
			log.Error("consolidation for %s failed permanently: %v", userID, err)
			return
		}
		log.Warn("consolidation attempt %d for %s failed: %v", attempt+1, userID, err)
	}
	log.Error("consolidation for %s gave up after %d attempts: %v", userID, w.cfg.Retries+1, lastErr)
}
