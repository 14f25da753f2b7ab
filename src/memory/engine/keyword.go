package engine

import (
	"context"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// Hit is one channel's result: a record and that channel's score in [0,1].
type Hit struct {
	Record model.MemoryRecord
	Score  float64
}

// KeywordChannel retrieves lexically matching memories.
type KeywordChannel interface {
	Score(ctx context.Context, query, organizationID, userID string, limit int) ([]Hit, error)
}

// KeywordScorer scores memories by the fraction of distinct query terms their
// content contains.
type KeywordScorer struct {
	store store.MemoryStore
}

func NewKeywordScorer(s store.MemoryStore) *KeywordScorer {
	return &KeywordScorer{store: s}
}

// Score tokenizes query and returns matching records. A query without usable
// terms returns nothing and never reaches the store.
func (k *KeywordScorer) Score(ctx context.Context, query, organizationID, userID string, limit int) ([]Hit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	recs, err := k.store.QueryByKeyword(ctx, terms, organizationID, userID, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "keyword query", goerr.V("org", organizationID))
	}
	hits := make([]Hit, 0, len(recs))
	for _, rec := range recs {
		if !rec.VisibleTo(organizationID, userID) {
			continue
		}
		score := KeywordOverlap(rec.Content, terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: score})
	}
	return hits, nil
}

// KeywordOverlap is the fraction of terms found in content, case-insensitively.
// It grows with every additional matched term and stays within [0,1].
func KeywordOverlap(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// Tokenize lower-cases query, splits on anything that is not a letter or digit,
// drops stop words and tokens shorter than three runes, and de-duplicates
// while preserving first-seen order.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "its": true, "let": true, "may": true, "who": true,
	"did": true, "get": true, "got": true, "him": true, "his": true,
	"how": true, "now": true, "see": true, "way": true, "too": true,
	"that": true, "with": true, "have": true, "this": true, "will": true,
	"your": true, "from": true, "they": true, "been": true, "said": true,
	"each": true, "which": true, "their": true, "what": true, "about": true,
	"would": true, "there": true, "when": true, "make": true, "like": true,
	"just": true, "know": true, "take": true, "could": true, "than": true,
	"only": true, "into": true, "over": true, "such": true, "also": true,
	"some": true, "them": true, "then": true, "these": true, "where": true,
	"much": true, "should": true, "does": true, "any": true, "were": true,
}
