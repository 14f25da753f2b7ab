package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
)

// Compressor rewrites text so that it costs at most targetTokens.
type Compressor interface {
	Compress(ctx context.Context, text string, targetTokens int) (string, error)
}

// HeuristicCompressor keeps whole leading sentences that fit the target and
// falls back to a hard cut when even the first sentence is too long.
type HeuristicCompressor struct{}

func (HeuristicCompressor) Compress(_ context.Context, text string, targetTokens int) (string, error) {
	text = strings.TrimSpace(text)
	if targetTokens <= 0 || EstimateTokens(text) <= targetTokens {
		return text, nil
	}
	limit := targetTokens * runesPerToken
	var b strings.Builder
	for _, sentence := range splitSentences(text) {
		next := sentence
		if b.Len() > 0 {
			next = " " + sentence
		}
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(next) > limit {
			break
		}
		b.WriteString(next)
	}
	if b.Len() > 0 {
		return b.String(), nil
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit-1])) + "…", nil
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// AnthropicCompressor summarizes through the Messages API. Errors, empty
// replies and over-long replies fall back to the heuristic compressor.
type AnthropicCompressor struct {
	Client   *anthropic.Client
	Model    string
	Fallback Compressor
	logger   *log.Logger
}

// NewAnthropicCompressor builds a compressor for model using apiKey.
func NewAnthropicCompressor(apiKey, model string, logger *log.Logger) *AnthropicCompressor {
	cl := anthropic.NewClient(anthropicopt.WithAPIKey(apiKey))
	if logger == nil {
		logger = log.Default()
	}
	return &AnthropicCompressor{Client: &cl, Model: model, Fallback: HeuristicCompressor{}, logger: logger}
}

func (a *AnthropicCompressor) Compress(ctx context.Context, text string, targetTokens int) (string, error) {
	if EstimateTokens(text) <= targetTokens {
		return text, nil
	}
	summary, err := a.summarize(ctx, text, targetTokens)
	if err != nil {
		a.logger.Warn("llm compression failed, using heuristic", "err", err)
		return a.fallback().Compress(ctx, text, targetTokens)
	}
	if summary == "" {
		return a.fallback().Compress(ctx, text, targetTokens)
	}
	if EstimateTokens(summary) > targetTokens {
		return a.fallback().Compress(ctx, summary, targetTokens)
	}
	return summary, nil
}

func (a *AnthropicCompressor) summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	prompt := fmt.Sprintf("Rewrite the following note in at most %d words. Keep names, numbers and decisions. Reply with the rewrite only.\n\n%s",
		targetTokens*3/4, text)
	msg, err := a.Client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(targetTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", goerr.Wrap(err, "anthropic messages", goerr.V("model", a.Model))
	}
	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (a *AnthropicCompressor) fallback() Compressor {
	if a.Fallback == nil {
		return HeuristicCompressor{}
	}
	return a.Fallback
}
