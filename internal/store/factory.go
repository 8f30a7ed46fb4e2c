package store

import (
	"context"
	"fmt"
	"path/filepath"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// Open builds the configured driver stack: compression codec, the selected
// provider, and the resilient wrapper when fallback is enabled.
func Open(ctx context.Context, workspace string, cfg config.Config) (Store, error) {
	codec, err := NewCodec(cfg.Compression.Enabled, cfg.Compression.Algorithm, cfg.Compression.ThresholdBytes)
	if err != nil {
		return nil, err
	}
	quantize := cfg.Embeddings.QuantizationEnabled || cfg.Embeddings.Precision == "int8"
	opts := SQLiteOptions{Codec: codec, Quantize: quantize}

	var primary Store
	switch cfg.Storage.Provider {
	case "in-process":
		primary = NewMemoryStore()
	case "embedded-file":
		path := cfg.Storage.Connection
		if path == "" {
			path = filepath.Join(workspace, ".mnemo", "memory.db")
		}
		primary, err = NewSQLiteStore(path, opts)
	case "networked-sql":
		primary, err = NewPostgresStore(ctx, cfg.Storage.Connection, opts)
	case "networked-kv":
		primary, err = NewRedisStore(ctx, cfg.Storage.Connection, codec)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
	if err != nil {
		return nil, err
	}

	logging.Boot("Storage provider: %s (ann=%v, persistent=%v)",
		primary.Name(), primary.Capabilities().NativeANN, primary.Capabilities().Persistent)

	// Wrapping the in-process store in itself would be pointless.
	if cfg.Storage.EnableFallback && cfg.Storage.Provider != "in-process" {
		return NewResilient(primary, NewMemoryStore(), cfg.Storage.MaxRetries, cfg.Storage.OpTimeout.Std()), nil
	}
	return primary, nil
}
