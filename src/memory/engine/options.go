package engine

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Strategy selects which memories win when the token budget cannot hold all of them.
type Strategy string

const (
	StrategyImportance Strategy = "importance"
	StrategyRecency    Strategy = "recency"
	StrategyHybrid     Strategy = "hybrid"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImportance, StrategyRecency, StrategyHybrid:
		return true
	}
	return false
}

// SearchConfig is the ranking policy for one search. Weights are gains and
// need not sum to 1.
type SearchConfig struct {
	VectorWeight         float64 `json:"vectorWeight"`
	KeywordWeight        float64 `json:"keywordWeight"`
	MaxResults           int     `json:"maxResults"`
	MinVectorSimilarity  float64 `json:"minVectorSimilarity"`
	UseTemporalWeighting bool    `json:"useTemporalWeighting"`
	TemporalDecayFactor  float64 `json:"temporalDecayFactor"`
}

// DefaultSearchConfig returns the conservative policy used when no plan applies.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		VectorWeight:         0.7,
		KeywordWeight:        0.3,
		MaxResults:           10,
		MinVectorSimilarity:  0.3,
		UseTemporalWeighting: false,
		TemporalDecayFactor:  0.01,
	}
}

func (c SearchConfig) Validate() error {
	switch {
	case c.VectorWeight < 0 || c.KeywordWeight < 0:
		return goerr.Wrap(ErrInvalidInput, "weights must be non-negative",
			goerr.V("vectorWeight", c.VectorWeight), goerr.V("keywordWeight", c.KeywordWeight))
	case c.MaxResults <= 0:
		return goerr.Wrap(ErrInvalidInput, "maxResults must be positive", goerr.V("maxResults", c.MaxResults))
	case c.MinVectorSimilarity < 0:
		return goerr.Wrap(ErrInvalidInput, "minVectorSimilarity must be non-negative", goerr.V("minVectorSimilarity", c.MinVectorSimilarity))
	case c.TemporalDecayFactor <= 0:
		return goerr.Wrap(ErrInvalidInput, "temporalDecayFactor must be positive", goerr.V("temporalDecayFactor", c.TemporalDecayFactor))
	}
	return nil
}

// ContextConfig bounds and shapes context assembly.
type ContextConfig struct {
	MaxTokens             int      `json:"maxTokens"`
	Strategy              Strategy `json:"strategy"`
	Compression           bool     `json:"compression"`
	CompressionThreshold  int      `json:"compressionThreshold"`
	CompressionTarget     int      `json:"compressionTarget"`
	RelationshipExpansion bool     `json:"relationshipExpansion"`
	ExpansionSeeds        int      `json:"expansionSeeds"`
}

// DefaultContextConfig returns a small budget with every optional capability off.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxTokens:            2000,
		Strategy:             StrategyHybrid,
		CompressionThreshold: 200,
		CompressionTarget:    100,
		ExpansionSeeds:       3,
	}
}

func (c ContextConfig) Validate() error {
	switch {
	case c.MaxTokens <= 0:
		return goerr.Wrap(ErrInvalidInput, "maxTokens must be positive", goerr.V("maxTokens", c.MaxTokens))
	case !c.Strategy.Valid():
		return goerr.Wrap(ErrInvalidInput, "unknown strategy", goerr.V("strategy", c.Strategy))
	case c.Compression && (c.CompressionTarget <= 0 || c.CompressionThreshold < c.CompressionTarget):
		return goerr.Wrap(ErrInvalidInput, "compression target must be positive and not above the threshold",
			goerr.V("threshold", c.CompressionThreshold), goerr.V("target", c.CompressionTarget))
	case c.RelationshipExpansion && c.ExpansionSeeds <= 0:
		return goerr.Wrap(ErrInvalidInput, "expansionSeeds must be positive", goerr.V("expansionSeeds", c.ExpansionSeeds))
	}
	return nil
}

// ConfigOverride carries per-call adjustments. Nil fields keep the resolved value.
type ConfigOverride struct {
	VectorWeight          *float64  `json:"vectorWeight,omitempty"`
	KeywordWeight         *float64  `json:"keywordWeight,omitempty"`
	MaxResults            *int      `json:"maxResults,omitempty"`
	MinVectorSimilarity   *float64  `json:"minVectorSimilarity,omitempty"`
	UseTemporalWeighting  *bool     `json:"useTemporalWeighting,omitempty"`
	TemporalDecayFactor   *float64  `json:"temporalDecayFactor,omitempty"`
	MaxTokens             *int      `json:"maxTokens,omitempty"`
	Strategy              *Strategy `json:"strategy,omitempty"`
	Compression           *bool     `json:"compression,omitempty"`
	RelationshipExpansion *bool     `json:"relationshipExpansion,omitempty"`
}

// Apply merges the override onto the resolved configs and validates the result.
func (o *ConfigOverride) Apply(sc SearchConfig, cc ContextConfig) (SearchConfig, ContextConfig, error) {
	if o != nil {
		setIf(&sc.VectorWeight, o.VectorWeight)
		setIf(&sc.KeywordWeight, o.KeywordWeight)
		setIf(&sc.MaxResults, o.MaxResults)
		setIf(&sc.MinVectorSimilarity, o.MinVectorSimilarity)
		setIf(&sc.UseTemporalWeighting, o.UseTemporalWeighting)
		setIf(&sc.TemporalDecayFactor, o.TemporalDecayFactor)
		setIf(&cc.MaxTokens, o.MaxTokens)
		setIf(&cc.Strategy, o.Strategy)
		setIf(&cc.Compression, o.Compression)
		setIf(&cc.RelationshipExpansion, o.RelationshipExpansion)
	}
	if err := sc.Validate(); err != nil {
		return sc, cc, err
	}
	if err := cc.Validate(); err != nil {
		return sc, cc, err
	}
	return sc, cc, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Options tunes the orchestrator itself rather than ranking policy.
type Options struct {
	// ChannelTimeout bounds each retrieval channel; zero leaves only the caller's deadline.
	ChannelTimeout time.Duration
	// CandidateMultiplier scales MaxResults into the per-channel fetch size.
	CandidateMultiplier int
	// RelatedConcurrency bounds parallel neighbor lookups.
	RelatedConcurrency int
	// EmbedConcurrency bounds in-flight embedding calls across requests.
	EmbedConcurrency int
	// ImportanceStep is applied per helpful/irrelevant mark on amendment.
	ImportanceStep float64
	Clock          func() time.Time
}

// DefaultOptions returns the recommended orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		ChannelTimeout:      2 * time.Second,
		CandidateMultiplier: 3,
		RelatedConcurrency:  8,
		EmbedConcurrency:    16,
		ImportanceStep:      0.1,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.CandidateMultiplier <= 0 {
		o.CandidateMultiplier = defaults.CandidateMultiplier
	}
	if o.RelatedConcurrency <= 0 {
		o.RelatedConcurrency = defaults.RelatedConcurrency
	}
	if o.EmbedConcurrency <= 0 {
		o.EmbedConcurrency = defaults.EmbedConcurrency
	}
	if o.ImportanceStep <= 0 {
		o.ImportanceStep = defaults.ImportanceStep
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
