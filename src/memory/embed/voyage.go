package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	voyageEndpoint = "https://api.voyageai.com/v1/embeddings"
	voyageTimeout  = time.Minute
)

// VoyageEmbedder calls the Voyage AI embeddings endpoint with VOYAGE_API_KEY.
// Queries are embedded with input_type "query" unless MEMCTX_EMBED_INPUT_TYPE
// says otherwise.
type VoyageEmbedder struct {
	client    *http.Client
	apiKey    string
	model     string
	inputType string
	endpoint  string
}

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewVoyageEmbedder(model string) (Embedder, error) {
	apiKey := os.Getenv("VOYAGE_API_KEY")
	if apiKey == "" {
		return nil, goerr.New("voyage embedder needs VOYAGE_API_KEY")
	}
	v := &VoyageEmbedder{
		client:    &http.Client{Timeout: voyageTimeout},
		apiKey:    apiKey,
		model:     model,
		inputType: os.Getenv("MEMCTX_EMBED_INPUT_TYPE"),
		endpoint:  os.Getenv("VOYAGE_API_BASE"),
	}
	if v.model == "" {
		v.model = "voyage-3.5"
	}
	if v.inputType == "" {
		v.inputType = "query"
	}
	if v.endpoint == "" {
		v.endpoint = voyageEndpoint
	}
	return v, nil
}

func (v *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.request(ctx, text)
	return vectorOrErr(vec, err, "voyage", v.model)
}

func (v *VoyageEmbedder) request(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(voyageRequest{Input: []string{text}, Model: v.model, InputType: v.inputType})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, goerr.New("voyage returned an error status",
			goerr.V("status", resp.StatusCode), goerr.V("body", string(msg)))
	}
	var out voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, goerr.Wrap(err, "decode voyage response")
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return out.Data[0].Embedding, nil
}
