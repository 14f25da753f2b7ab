//go:build !fastembed

package embed

import (
	"errors"
)

// FastEmbedOptions is empty without the fastembed build tag.
type FastEmbedOptions struct{}

func defaultFastEmbedOptions() *FastEmbedOptions { return nil }

// NewFastEmbedder reports that local ONNX embeddings were not compiled in.
func NewFastEmbedder(*FastEmbedOptions) (Embedder, error) {
	return nil, errors.New("fastembed support not included; rebuild with -tags fastembed")
}
