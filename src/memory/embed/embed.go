package embed

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyEmbedding is returned when a provider answers without a vector.
var ErrEmptyEmbedding = errors.New("provider returned no embedding")

// vectorOrErr turns a provider reply into a vector, attributing failures to
// provider and model.
func vectorOrErr(vec []float32, err error, provider, model string) ([]float32, error) {
	if err != nil {
		return nil, goerr.Wrap(err, "embedding request failed", goerr.V("provider", provider), goerr.V("model", model))
	}
	if len(vec) == 0 {
		return nil, goerr.Wrap(ErrEmptyEmbedding, "embedding request", goerr.V("provider", provider), goerr.V("model", model))
	}
	return vec, nil
}

// DummyDimensions is the vector length produced by DummyEmbedder.
const DummyDimensions = 768

// DummyEmbedder hashes bytes into a fixed-length vector. Deterministic, used by
// tests and as the last-resort provider.
type DummyEmbedder struct{}

func (DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text), nil
}

// DummyEmbedding is the vector DummyEmbedder returns for text.
func DummyEmbedding(text string) []float32 {
	vec := make([]float32, DummyDimensions)
	for i, ch := range []byte(strings.ToLower(text)) {
		vec[i%DummyDimensions] += float32(ch) / 255.0
	}
	return vec
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string
	Model    string
}

// AutoEmbedder chooses a provider from cfg, falling back to the environment:
// MEMCTX_EMBED_PROVIDER=openai|gemini|ollama|voyage|fastembed and
// MEMCTX_EMBED_MODEL=<model>. Unknown or unusable providers yield DummyEmbedder.
func AutoEmbedder(cfg Config, logger *log.Logger) Embedder {
	if logger == nil {
		logger = log.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(os.Getenv("MEMCTX_EMBED_PROVIDER")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = strings.TrimSpace(os.Getenv("MEMCTX_EMBED_MODEL"))
	}

	var (
		e   Embedder
		err error
	)
	switch provider {
	case "openai":
		e, err = NewOpenAIEmbedder(model)
	case "google", "gemini", "vertex", "vertexai":
		e, err = NewGeminiEmbedder(context.Background(), model)
	case "ollama":
		e, err = NewOllamaEmbedder(model)
	case "voyage", "claude", "anthropic":
		e, err = NewVoyageEmbedder(model)
	case "fastembed":
		e, err = NewFastEmbedder(defaultFastEmbedOptions())
	case "", "dummy":
		return DummyEmbedder{}
	default:
		err = errors.New("unknown embedding provider")
	}
	if err != nil {
		logger.Warn("falling back to dummy embedder", "provider", provider, "err", err)
		return DummyEmbedder{}
	}
	return e
}
