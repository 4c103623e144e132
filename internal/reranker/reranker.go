// Package reranker reorders search hits by lexical overlap with the
// query, blended with the vector similarity score. It sharpens results
// when the query shares exact terms with a container payload that the
// embedding space smears.
package reranker

import (
	"context"
	"sort"
	"strings"
)

// Document is one search hit to rerank.
type Document struct {
	ID      string
	Content string
	Score   float32
}

// Scored pairs a document with its blended rank score.
type Scored struct {
	Document
	LexicalScore float32
	OriginalRank int
}

// Reranker reorders documents by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error)
}

// Lexical blends term overlap with the original similarity score,
// half weight each.
type Lexical struct{}

// NewLexical returns a Lexical reranker.
func NewLexical() *Lexical {
	return &Lexical{}
}

// Rerank reorders docs and returns at most topK of them.
func (r *Lexical) Rerank(_ context.Context, query string, docs []Document, topK int) ([]Scored, error) {
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []Scored{}, nil
	}

	queryTokens := tokenize(query)

	type ranked struct {
		doc      Scored
		combined float32
	}
	out := make([]ranked, len(docs))
	for i, doc := range docs {
		overlap := termOverlap(queryTokens, tokenize(doc.Content))
		out[i] = ranked{
			doc: Scored{
				Document:     doc,
				LexicalScore: overlap,
				OriginalRank: i,
			},
			combined: 0.5*doc.Score + 0.5*overlap,
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].combined > out[b].combined
	})

	result := make([]Scored, topK)
	for i := 0; i < topK; i++ {
		result[i] = out[i].doc
	}
	return result, nil
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,;:!?\"'()[]{}")
		if len(t) > 1 {
			tokens[t] = true
		}
	}
	return tokens
}

// termOverlap is the fraction of query terms present in the document.
func termOverlap(query, doc map[string]bool) float32 {
	if len(query) == 0 {
		return 0
	}
	var hits int
	for t := range query {
		if doc[t] {
			hits++
		}
	}
	return float32(hits) / float32(len(query))
}
