package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"mnemo/internal/logging"
)

// SQLiteStore is the embedded-file driver. All four tiers live in one
// SQLite database under WAL mode. When the sqlite-vec extension is
// available (build tag sqlite_vec), semantic search uses a vec0 virtual
// table; otherwise it degrades to an exhaustive scan with a one-time
// warning.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	codec  *Codec

	quantize bool

	vectorExt bool
	vecDims   int
	vecMu     sync.Mutex

	scanWarnOnce sync.Once
}

// SQLiteOptions tunes the driver beyond the file path.
type SQLiteOptions struct {
	Codec    *Codec
	Quantize bool
}

// NewSQLiteStore opens (or creates) the database at the given path.
func NewSQLiteStore(path string, opts SQLiteOptions) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing SQLiteStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	codec := opts.Codec
	if codec == nil {
		codec, _ = NewCodec(false, "", 0)
	}

	s := &SQLiteStore{
		db:       db,
		dbPath:   path,
		codec:    codec,
		quantize: opts.Quantize,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
		if err := s.restoreVecTable(); err != nil {
			logging.Get(logging.CategoryStore).Warn("vec0 table restore failed: %v", err)
			s.vectorExt = false
		}
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; semantic search will scan")
	}

	logging.Store("SQLiteStore initialization complete")
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS working_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content BLOB NOT NULL,
		timestamp DATETIME NOT NULL,
		tags TEXT,
		importance REAL NOT NULL DEFAULT 0,
		entities TEXT,
		access_count INTEGER NOT NULL DEFAULT 0,
		promoted_to TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_working_user_conv_ts
		ON working_messages(user_id, conversation_id, timestamp);

	CREATE TABLE IF NOT EXISTS semantic_facts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		entity_type TEXT,
		importance REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME,
		created_at DATETIME NOT NULL,
		embedding BLOB,
		consolidated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_facts_user_key ON semantic_facts(user_id, key);
	CREATE INDEX IF NOT EXISTS idx_facts_user_live ON semantic_facts(user_id, consolidated_at);

	CREATE TABLE IF NOT EXISTS episodic_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		event_type TEXT NOT NULL,
		content BLOB NOT NULL,
		occurred_at DATETIME NOT NULL,
		decay_factor REAL NOT NULL DEFAULT 1.0,
		embedding BLOB,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_time ON episodic_events(user_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_user_type ON episodic_events(user_id, event_type, occurred_at);

	CREATE TABLE IF NOT EXISTS procedural_patterns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		triggers TEXT NOT NULL,
		instruction_template TEXT NOT NULL,
		confidence_threshold REAL NOT NULL DEFAULT 0.6,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used DATETIME,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_user ON procedural_patterns(user_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		tags TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for sqlite-vec by calling vec_version().
func (s *SQLiteStore) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		s.vectorExt = false
		return
	}
	s.vectorExt = true
	logging.StoreDebug("sqlite-vec version: %s", version)
}

// restoreVecTable recreates the vec0 table with the dimensionality recorded
// in meta, if one was ever created.
func (s *SQLiteStore) restoreVecTable() error {
	var dims string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'vec_dims'").Scan(&dims)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	var d int
	if _, err := fmt.Sscanf(dims, "%d", &d); err != nil || d <= 0 {
		return fmt.Errorf("bad vec_dims meta value %q", dims)
	}
	return s.ensureVecTable(d)
}

// ensureVecTable creates the vec0 virtual table on first use, sized to the
// first embedding's dimensionality.
func (s *SQLiteStore) ensureVecTable(dims int) error {
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	if s.vecDims == dims {
		return nil
	}
	if s.vecDims != 0 {
		return fmt.Errorf("embedding dimensionality changed: table has %d, got %d", s.vecDims, dims)
	}
	ddl := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_facts USING vec0(embedding float[%d] distance_metric=cosine)",
		dims)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO meta(key, value) VALUES('vec_dims', ?)",
		fmt.Sprintf("%d", dims)); err != nil {
		return err
	}
	s.vecDims = dims
	return nil
}

func (s *SQLiteStore) Working() WorkingStore            { return &sqliteWorking{s} }
func (s *SQLiteStore) Semantic() SemanticStore          { return &sqliteSemantic{s} }
func (s *SQLiteStore) Episodic() EpisodicStore          { return &sqliteEpisodic{s} }
func (s *SQLiteStore) Procedural() ProceduralStore      { return &sqliteProcedural{s} }
func (s *SQLiteStore) Conversations() ConversationStore { return &sqliteConversations{s} }

func (s *SQLiteStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: true, NativeANN: s.vectorExt, Persistent: true}
}

func (s *SQLiteStore) Name() string { return "embedded-file" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rawFloat32LE serializes a vector the way sqlite-vec expects its blobs:
// bare little-endian float32, no header.
func rawFloat32LE(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
