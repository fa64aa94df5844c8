package knowledge

import (
	"sort"
	"strings"
	"unicode"
)

// recallOverfetch is how many candidates per requested lesson are pulled
// from the backend before reranking.
const recallOverfetch = 3

// Vector similarity and term overlap weigh equally in the combined score.
const (
	similarityWeight = 0.5
	overlapWeight    = 0.5
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "into": {}, "are": {}, "was": {}, "will": {}, "should": {},
	"can": {}, "which": {}, "when": {}, "then": {}, "than": {}, "its": {},
	"all": {}, "any": {}, "each": {}, "per": {}, "not": {}, "use": {},
}

// rerank orders hits by similarity combined with how many query terms
// appear in text(hit), and keeps the best k. Ties keep backend order.
func rerank(query string, hits []Hit, k int, text func(Hit) string) []Hit {
	terms := tokenize(query)
	if len(terms) == 0 || len(hits) < 2 {
		return limit(hits, k)
	}

	type scored struct {
		hit      Hit
		combined float32
	}
	ranked := make([]scored, len(hits))
	for i, h := range hits {
		ranked[i] = scored{
			hit:      h,
			combined: similarityWeight*h.Score + overlapWeight*termOverlap(terms, tokenize(text(h))),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].combined > ranked[j].combined
	})

	out := make([]Hit, len(ranked))
	for i, r := range ranked {
		out[i] = r.hit
	}
	return limit(out, k)
}

func limit(hits []Hit, k int) []Hit {
	if k > 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}

// tokenize lowercases text and keeps distinct words longer than two
// characters that are not stopwords. Underscores split identifiers.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// termOverlap is the fraction of query terms present in doc.
func termOverlap(query, doc []string) float32 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(doc))
	for _, t := range doc {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range query {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return float32(n) / float32(len(query))
}
