package embed

import (
	"context"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

// GeminiEmbedder uses the Generative Language API with GOOGLE_API_KEY or
// GEMINI_API_KEY.
type GeminiEmbedder struct {
	client *genai.Client
	model  *genai.EmbeddingModel
	name   string
}

func NewGeminiEmbedder(ctx context.Context, model string) (Embedder, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, goerr.New("gemini embedder needs GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	cli, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, goerr.Wrap(err, "gemini client")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	em := cli.EmbeddingModel(model)
	em.TaskType = genai.TaskTypeRetrievalQuery
	return &GeminiEmbedder{client: cli, model: em, name: model}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.model.EmbedContent(ctx, genai.Text(text))
	var vec []float32
	if err == nil && resp != nil && resp.Embedding != nil {
		vec = resp.Embedding.Values
	}
	return vectorOrErr(vec, err, "gemini", e.name)
}

func (e *GeminiEmbedder) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}
