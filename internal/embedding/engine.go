// Package embedding provides the external embedding-and-completion
// collaborator used for semantic search, query classification, entity
// extraction, and context-grounded answering.
// Supports multiple backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Provider is the full collaborator contract. Failures from any method must
// be recoverable by callers: the orchestrator logs and falls back to surface
// heuristics rather than propagating collaborator errors.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ClassifyQuery labels a query with one of the planner's query kinds.
	ClassifyQuery(ctx context.Context, text string) (string, error)

	// ExtractEntities pulls named entities out of message content.
	ExtractEntities(ctx context.Context, text string) ([]types.Entity, error)

	// Complete runs a raw completion.
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)

	// AnswerWithContext answers a query grounded in an assembled context.
	AnswerWithContext(ctx context.Context, query, contextText string) (string, error)

	// AnalyzeSentiment returns a polarity score in [-1,1] and a label.
	AnalyzeSentiment(ctx context.Context, text string) (float64, string, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the backend name.
	Name() string
}

// backend is the minimal surface a concrete engine implements; the
// prompt-derived Provider methods are built on top of Complete once.
type backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
	Dimensions() int
	Name() string
}

// Config holds collaborator configuration.
type Config struct {
	// Backend: "ollama" or "genai"
	Backend string

	OllamaEndpoint  string
	OllamaEmbed     string
	OllamaCompleter string

	GenAIAPIKey     string
	GenAIEmbed      string
	GenAICompleter  string
	GenAIDimensions int
}

// New creates a provider based on configuration.
func New(cfg Config) (Provider, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "New")
	defer timer.Stop()

	logging.Embedding("Creating provider with backend=%s", cfg.Backend)

	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case "ollama":
		b, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaEmbed, cfg.OllamaCompleter)
	case "genai":
		b, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIEmbed, cfg.GenAICompleter, cfg.GenAIDimensions)
	default:
		err = fmt.Errorf("unsupported provider backend: %s (use 'ollama' or 'genai')", cfg.Backend)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create provider: %v", err)
		return nil, err
	}

	logging.Embedding("Provider created: name=%s, dimensions=%d", b.Name(), b.Dimensions())
	return &client{backend: b}, nil
}

// client implements the prompt-derived Provider methods over a backend.
type client struct {
	backend
}

var queryKindLabels = []string{
	string(types.QueryContinuation),
	string(types.QueryFactRetrieval),
	string(types.QueryDeepRecall),
	string(types.QueryComplex),
	string(types.QueryProceduralTrigger),
}

func (c *client) ClassifyQuery(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Classify the following query into exactly one of these labels: %s.\n"+
			"Respond with the label only, nothing else.\n\nQuery: %s",
		strings.Join(queryKindLabels, ", "), text)

	resp, err := c.Complete(ctx, prompt, 16)
	if err != nil {
		return "", err
	}

	label := strings.ToLower(strings.TrimSpace(resp))
	label = strings.Trim(label, ".\"'`")
	logging.EmbeddingDebug("ClassifyQuery: %q -> %q", text, label)
	return label, nil
}

func (c *client) ExtractEntities(ctx context.Context, text string) ([]types.Entity, error) {
	prompt := "Extract named entities from the text below. Respond with a JSON array of " +
		`objects like [{"name":"...","type":"person|place|technology|decision|preference|constraint|goal|other"}]. ` +
		"Respond with JSON only.\n\nText: " + text

	resp, err := c.Complete(ctx, prompt, 512)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp)
	// Models sometimes wrap JSON in a code fence
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var entities []types.Entity
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &entities); err != nil {
		return nil, fmt.Errorf("failed to parse entities: %w", err)
	}

	out := entities[:0]
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if e.Type == "" {
			e.Type = types.EntityOther
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *client) AnswerWithContext(ctx context.Context, query, contextText string) (string, error) {
	prompt := fmt.Sprintf(
		"Answer the question using only the memory context below. "+
			"If the context does not contain the answer, say so.\n\n"+
			"Memory context:\n%s\n\nQuestion: %s", contextText, query)
	return c.Complete(ctx, prompt, 1024)
}

func (c *client) AnalyzeSentiment(ctx context.Context, text string) (float64, string, error) {
	prompt := "Rate the sentiment of the text below on a scale from -1.0 (very negative) " +
		"to 1.0 (very positive). Respond with the score followed by one word: " +
		"negative, neutral, or positive. Example: \"0.7 positive\".\n\nText: " + text

	resp, err := c.Complete(ctx, prompt, 16)
	if err != nil {
		return 0, "", err
	}

	fields := strings.Fields(strings.TrimSpace(resp))
	if len(fields) == 0 {
		return 0, "neutral", nil
	}
	score, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "neutral", nil
	}
	if score < -1 {
		score = -1
	} else if score > 1 {
		score = 1
	}
	label := "neutral"
	if len(fields) > 1 {
		label = strings.ToLower(fields[1])
	}
	return score, label, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
