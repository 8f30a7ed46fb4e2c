package store

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Content blob markers. Every persisted free-text payload starts with one
// byte identifying its encoding, so readers work regardless of which
// compression setting wrote the row.
const (
	blobRaw    byte = 0x00
	blobGzip   byte = 0x01
	blobBrotli byte = 0x02
)

// Codec compresses and decompresses free-text payloads. The selective
// variants only compress payloads at or above the threshold, and keep the
// raw form whenever compression does not shrink the payload.
type Codec struct {
	algorithm string
	selective bool
	threshold int
	enabled   bool
}

// NewCodec builds a codec from the configured algorithm name.
// Recognized names: gzip, brotli, selective-gzip, selective-brotli.
func NewCodec(enabled bool, algorithm string, thresholdBytes int) (*Codec, error) {
	if !enabled {
		return &Codec{enabled: false}, nil
	}
	selective := strings.HasPrefix(algorithm, "selective-")
	base := strings.TrimPrefix(algorithm, "selective-")
	switch base {
	case "gzip", "brotli":
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
	if thresholdBytes <= 0 {
		thresholdBytes = 1024
	}
	return &Codec{
		algorithm: base,
		selective: selective,
		threshold: thresholdBytes,
		enabled:   true,
	}, nil
}

// Encode compresses text into a marked blob.
func (c *Codec) Encode(text string) ([]byte, error) {
	raw := []byte(text)
	if !c.enabled || (c.selective && len(raw) < c.threshold) {
		return append([]byte{blobRaw}, raw...), nil
	}

	var buf bytes.Buffer
	var marker byte
	switch c.algorithm {
	case "brotli":
		marker = blobBrotli
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
	default:
		marker = blobGzip
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
	}

	// Keep the raw form when compression doesn't pay for itself.
	if c.selective && buf.Len() >= len(raw) {
		return append([]byte{blobRaw}, raw...), nil
	}
	return append([]byte{marker}, buf.Bytes()...), nil
}

// Decode reverses Encode for any marker, regardless of current settings.
func (c *Codec) Decode(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	payload := blob[1:]
	switch blob[0] {
	case blobRaw:
		return string(payload), nil
	case blobGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("gzip decompress: %w", err)
		}
		return string(out), nil
	case blobBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return "", fmt.Errorf("brotli decompress: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown content marker 0x%02x", blob[0])
	}
}
