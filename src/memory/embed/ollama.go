package embed

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	ollama "github.com/ollama/ollama/api"
)

const ollamaTimeout = time.Minute

// OllamaEmbedder uses a local Ollama server located through OLLAMA_HOST.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

func NewOllamaEmbedder(model string) (Embedder, error) {
	cli, err := ollama.ClientFromEnvironment()
	if err != nil {
		return nil, goerr.Wrap(err, "ollama client from environment")
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{client: cli, model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, ollamaTimeout)
	defer cancel()
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{Model: e.model, Input: text})
	var vec []float32
	if err == nil && res != nil && len(res.Embeddings) > 0 {
		vec = res.Embeddings[0]
	}
	return vectorOrErr(vec, err, "ollama", e.model)
}
