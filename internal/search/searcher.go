// Package search is the boundary to the tool-discovery collaborator used by
// smart routing. The hub treats it as a black box: a query goes in, scored
// (server, tool) hits come out. The default implementation is an in-process
// keyword scorer so smart routing works without an external vector store.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Hit is one scored match returned by a Searcher.
type Hit struct {
	Server string
	Tool   string
	Score  float64
}

// Document is one indexed tool.
type Document struct {
	Server      string
	Tool        string
	Description string
}

// Searcher resolves a query to scored tool hits within a universe of
// upstream names. A nil universe means all indexed servers.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, universe []string) ([]Hit, error)
}

// Indexer accepts catalog refreshes.
type Indexer interface {
	Index(docs []Document)
}

// KeywordSearcher scores by term overlap between the query and the tool's
// name and description. It is deliberately simple, and it is the searcher the
// application wires into the hub.
type KeywordSearcher struct {
	mu   sync.RWMutex
	docs []Document
}

// NewKeywordSearcher returns an empty index.
func NewKeywordSearcher() *KeywordSearcher {
	return &KeywordSearcher{}
}

// Index replaces the indexed documents.
func (s *KeywordSearcher) Index(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make([]Document, len(docs))
	copy(s.docs, docs)
}

// Search ranks documents by term overlap. Hits score in [0,1].
func (s *KeywordSearcher) Search(ctx context.Context, query string, limit int, universe []string) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var allowed map[string]bool
	if universe != nil {
		allowed = make(map[string]bool, len(universe))
		for _, u := range universe {
			allowed[u] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, doc := range s.docs {
		if allowed != nil && !allowed[doc.Server] {
			continue
		}
		score := overlap(terms, tokenize(doc.Tool+" "+doc.Description))
		if score > 0 {
			hits = append(hits, Hit{Server: doc.Server, Tool: doc.Tool, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// overlap returns the fraction of query terms present in the document terms.
func overlap(query, doc []string) float64 {
	if len(query) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(doc))
	for _, t := range doc {
		docSet[t] = true
	}
	matched := 0
	for _, t := range query {
		if docSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
