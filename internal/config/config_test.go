package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Storage.Provider != def.Storage.Provider {
		t.Errorf("Provider = %q, want default %q", cfg.Storage.Provider, def.Storage.Provider)
	}
	if cfg.Consolidation.Period != def.Consolidation.Period {
		t.Errorf("Period = %v, want default %v", cfg.Consolidation.Period, def.Consolidation.Period)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".mnemo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `{
		"storage": {"provider": "embedded-file"},
		"consolidation": {"period": "90s"},
		"working": {"recent_default": 25}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Provider != "embedded-file" {
		t.Errorf("Provider = %q, want embedded-file", cfg.Storage.Provider)
	}
	if cfg.Consolidation.Period.Std() != 90*time.Second {
		t.Errorf("Period = %v, want 90s", cfg.Consolidation.Period.Std())
	}
	if cfg.Working.RecentDefault != 25 {
		t.Errorf("RecentDefault = %d, want 25", cfg.Working.RecentDefault)
	}
	// Untouched fields keep their defaults.
	if cfg.Heuristics.Dampening != Default().Heuristics.Dampening {
		t.Errorf("Dampening = %v, want default", cfg.Heuristics.Dampening)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".mnemo")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o644)

	if _, err := Load(ws); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MNEMO_STORAGE_PROVIDER", "networked-kv")
	t.Setenv("MNEMO_STORAGE_CONNECTION", "redis://localhost:6380")
	t.Setenv("MNEMO_DEBUG", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Provider != "networked-kv" {
		t.Errorf("Provider = %q, want networked-kv", cfg.Storage.Provider)
	}
	if cfg.Storage.Connection != "redis://localhost:6380" {
		t.Errorf("Connection = %q", cfg.Storage.Connection)
	}
	if !cfg.Logging.DebugMode {
		t.Error("MNEMO_DEBUG did not enable debug mode")
	}
}

func TestValidate(t *testing.T) {
	ok := Default()
	if err := ok.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	bad := Default()
	bad.Storage.Provider = "punchcards"
	if err := bad.Validate(); err == nil {
		t.Error("unknown provider accepted")
	}

	bad = Default()
	bad.Heuristics.Dampening = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero dampening accepted")
	}

	bad = Default()
	bad.Consolidation.ClusterSimilarity = 1.2
	if err := bad.Validate(); err == nil {
		t.Error("out-of-range cluster similarity accepted")
	}
}

func TestDurationJSON(t *testing.T) {
	type holder struct {
		D Duration `json:"d"`
	}

	for _, tt := range []struct {
		in   string
		want time.Duration
	}{
		{`{"d": "15m"}`, 15 * time.Minute},
		{`{"d": "1h30m"}`, 90 * time.Minute},
		{`{"d": 5000000000}`, 5 * time.Second}, // raw nanoseconds
	} {
		var h holder
		if err := json.Unmarshal([]byte(tt.in), &h); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if h.D.Std() != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, h.D.Std(), tt.want)
		}
	}

	out, err := json.Marshal(holder{D: Duration(15 * time.Minute)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var h holder
	if err := json.Unmarshal(out, &h); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if h.D.Std() != 15*time.Minute {
		t.Errorf("round trip = %v, want 15m", h.D.Std())
	}

	var bad holder
	if err := json.Unmarshal([]byte(`{"d": "soon"}`), &bad); err == nil {
		t.Error("expected error for unparseable duration")
	}
}
