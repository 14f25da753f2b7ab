//go:build fastembed

package embed

import (
	"context"
	"os"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"github.com/m-mizutani/goerr/v2"
)

// FastEmbedOptions configures the local ONNX embedder.
type FastEmbedOptions struct {
	Model     fastembed.EmbeddingModel
	CacheDir  string
	MaxLength int
}

func defaultFastEmbedOptions() *FastEmbedOptions {
	return &FastEmbedOptions{
		Model:    fastembed.BGESmallENV15,
		CacheDir: os.Getenv("MEMCTX_FASTEMBED_CACHE"),
	}
}

// FastEmbedder runs bge models in-process. The ONNX session is not safe for
// concurrent use, so calls are serialized.
type FastEmbedder struct {
	mu    sync.Mutex
	m     *fastembed.FlagEmbedding
	model string
}

func NewFastEmbedder(opt *FastEmbedOptions) (Embedder, error) {
	if opt == nil {
		opt = defaultFastEmbedOptions()
	}
	m, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     opt.Model,
		CacheDir:  opt.CacheDir,
		MaxLength: opt.MaxLength,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "load fastembed model", goerr.V("model", opt.Model))
	}
	return &FastEmbedder{m: m, model: string(opt.Model)}, nil
}

func (e *FastEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vec, err := e.m.QueryEmbed(text)
	return vectorOrErr(vec, err, "fastembed", e.model)
}

func (e *FastEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m != nil {
		e.m.Destroy()
		e.m = nil
	}
	return nil
}
