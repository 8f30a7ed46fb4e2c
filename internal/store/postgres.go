package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// PostgresStore is the networked-sql driver, backed by pgx. When the
// pgvector extension is installed, semantic search runs through an HNSW
// index; otherwise it degrades to an in-process scan over stored blobs.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec *Codec

	quantize bool

	vectorExt bool
	vecDims   int
	vecMu     sync.Mutex

	scanWarnOnce sync.Once
}

// NewPostgresStore connects to the database at the given URI and ensures
// the schema.
func NewPostgresStore(ctx context.Context, uri string, opts SQLiteOptions) (*PostgresStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewPostgresStore")
	defer timer.Stop()

	logging.Store("Initializing PostgresStore")

	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.Unavailablef("postgres ping failed: %v", err)
	}

	codec := opts.Codec
	if codec == nil {
		codec, _ = NewCodec(false, "", 0)
	}

	s := &PostgresStore{pool: pool, codec: codec, quantize: opts.Quantize}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.detectVector(ctx)
	if s.vectorExt {
		logging.Store("pgvector extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("pgvector extension not available; semantic search will scan")
	}

	logging.Store("PostgresStore initialization complete")
	return s, nil
}

func (s *PostgresStore) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS working_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content BYTEA NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		tags JSONB,
		importance DOUBLE PRECISION NOT NULL DEFAULT 0,
		entities JSONB,
		access_count INTEGER NOT NULL DEFAULT 0,
		promoted_to TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_working_user_conv_ts
		ON working_messages(user_id, conversation_id, ts);

	CREATE TABLE IF NOT EXISTS semantic_facts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		key TEXT NOT NULL,
		value BYTEA NOT NULL,
		entity_type TEXT,
		importance DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		embedding BYTEA,
		consolidated_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_facts_user_key ON semantic_facts(user_id, key);
	CREATE INDEX IF NOT EXISTS idx_facts_user_live ON semantic_facts(user_id, consolidated_at);

	CREATE TABLE IF NOT EXISTS episodic_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		event_type TEXT NOT NULL,
		content BYTEA NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		decay_factor DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		embedding BYTEA,
		metadata JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_time ON episodic_events(user_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_user_type ON episodic_events(user_id, event_type, occurred_at);

	CREATE TABLE IF NOT EXISTS procedural_patterns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		triggers JSONB NOT NULL,
		instruction_template TEXT NOT NULL,
		confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.6,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used TIMESTAMPTZ,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		embedding BYTEA
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_user ON procedural_patterns(user_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		tags JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", pgErr(err))
	}
	return nil
}

func (s *PostgresStore) detectVector(ctx context.Context) {
	// Best effort: requires privileges the role may not have.
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		logging.StoreDebug("CREATE EXTENSION vector: %v", err)
	}
	var version string
	err := s.pool.QueryRow(ctx,
		"SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version)
	if err != nil {
		s.vectorExt = false
		return
	}
	s.vectorExt = true
	logging.StoreDebug("pgvector version: %s", version)

	// Restore column dimensionality if a previous run added it.
	var dims int
	err = s.pool.QueryRow(ctx, `
		SELECT coalesce(atttypmod, 0) FROM pg_attribute
		WHERE attrelid = 'semantic_facts'::regclass AND attname = 'embedding_vec'`).Scan(&dims)
	if err == nil && dims > 0 {
		s.vecDims = dims
	}
}

// ensureVecColumn adds the vector column and HNSW index on first use, sized
// to the first embedding's dimensionality.
func (s *PostgresStore) ensureVecColumn(ctx context.Context, dims int) error {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	if s.vecDims == dims {
		return nil
	}
	if s.vecDims != 0 {
		return fmt.Errorf("embedding dimensionality changed: column has %d, got %d", s.vecDims, dims)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE semantic_facts ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)", dims)); err != nil {
		return fmt.Errorf("failed to add vector column: %w", pgErr(err))
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_facts_embedding_hnsw
		ON semantic_facts USING hnsw (embedding_vec vector_cosine_ops)`); err != nil {
		return fmt.Errorf("failed to create hnsw index: %w", pgErr(err))
	}
	s.vecDims = dims
	return nil
}

// vectorLiteral renders a pgvector input literal.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

func (s *PostgresStore) Working() WorkingStore            { return &pgWorking{s} }
func (s *PostgresStore) Semantic() SemanticStore          { return &pgSemantic{s} }
func (s *PostgresStore) Episodic() EpisodicStore          { return &pgEpisodic{s} }
func (s *PostgresStore) Procedural() ProceduralStore      { return &pgProcedural{s} }
func (s *PostgresStore) Conversations() ConversationStore { return &pgConversations{s} }

func (s *PostgresStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: true, NativeANN: s.vectorExt, Persistent: true}
}

func (s *PostgresStore) Name() string { return "networked-sql" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.Unavailablef("postgres ping failed: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgErr classifies driver errors into the engine's error kinds so the
// resilient wrapper can tell retryable outages from real failures.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		if pge.Code == "23505" {
			return fmt.Errorf("%w: %s", types.ErrConflict, pge.Detail)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		pgconn.SafeToRetry(err) {
		return types.Unavailablef("postgres: %v", err)
	}
	return err
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
