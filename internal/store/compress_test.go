package store

import (
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	long := strings.Repeat("the same sentence again and again ", 100)
	tests := []struct {
		name      string
		algorithm string
		text      string
	}{
		{"gzip", "gzip", long},
		{"brotli", "brotli", long},
		{"gzip short", "gzip", "hi"},
		{"brotli empty", "brotli", ""},
		{"unicode", "gzip", "naïve café — 日本語のテキスト"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(true, tt.algorithm, 0)
			if err != nil {
				t.Fatalf("NewCodec: %v", err)
			}
			blob, err := c.Encode(tt.text)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := c.Decode(blob)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.text {
				t.Errorf("round trip lost data: got %d bytes, want %d", len(got), len(tt.text))
			}
		})
	}
}

func TestCodecSelectiveThreshold(t *testing.T) {
	c, err := NewCodec(true, "selective-gzip", 100)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	short, err := c.Encode("below threshold")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if short[0] != blobRaw {
		t.Errorf("short payload marker = 0x%02x, want raw", short[0])
	}

	long, err := c.Encode(strings.Repeat("compressible text ", 50))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if long[0] != blobGzip {
		t.Errorf("long payload marker = 0x%02x, want gzip", long[0])
	}
}

func TestCodecDisabledPassthrough(t *testing.T) {
	c, err := NewCodec(false, "", 0)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	blob, err := c.Encode("plain")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if blob[0] != blobRaw {
		t.Errorf("disabled codec marker = 0x%02x, want raw", blob[0])
	}
	got, err := c.Decode(blob)
	if err != nil || got != "plain" {
		t.Errorf("Decode = (%q, %v), want (plain, nil)", got, err)
	}
}

func TestCodecDecodesForeignBlobs(t *testing.T) {
	// A row written under brotli must stay readable after switching the
	// config to gzip.
	writer, _ := NewCodec(true, "brotli", 0)
	reader, _ := NewCodec(true, "gzip", 0)

	text := strings.Repeat("written under a different setting ", 20)
	blob, err := writer.Encode(text)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := reader.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != text {
		t.Error("cross-algorithm decode lost data")
	}
}

func TestNewCodecRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := NewCodec(true, "zstd", 0); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
