package store

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Query/index term normalisation. The same rules run at ingest (chunk_terms
// rows) and at query time so lexical matching is stable regardless of the
// storage backend: lowercase, split on non-alphanumeric, keep terms of
// length >= 3, drop stopwords, no stemming.

const minTermLength = 3

//nolint:gochecknoglobals // fixed stopword table, read-only after init
var stopwords = map[string]struct{}{}

//nolint:gochecknoinits // builds the stopword lookup from the flat list once
func init() {
	for _, w := range stopwordList {
		stopwords[w] = struct{}{}
	}
}

//nolint:gochecknoglobals // fixed stopword table, read-only after init
var stopwordList = []string{
	"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
	"had", "her", "was", "one", "our", "out", "day", "get", "has", "him",
	"his", "how", "man", "new", "now", "old", "see", "two", "way", "who",
	"did", "its", "let", "put", "say", "she", "too", "use", "that", "with",
	"have", "this", "will", "your", "from", "they", "know", "want", "been",
	"good", "much", "some", "time", "very", "when", "come", "here", "just",
	"like", "long", "make", "many", "more", "only", "over", "such", "take",
	"than", "them", "well", "were", "what", "about", "after", "again",
	"below", "could", "every", "first", "found", "great", "house", "large",
	"never", "other", "place", "right", "small", "sound", "still", "their",
	"there", "these", "thing", "think", "those", "three", "under", "water",
	"where", "which", "while", "would", "write", "should", "into", "also",
	"does", "doesn", "don", "isn", "being", "because",
}

// NormalizeTerms applies the normalisation rules and returns the unique
// terms in first-occurrence order.
func NormalizeTerms(text string) []string {
	fields := splitAlnum(strings.ToLower(text))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minTermLength {
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

// termCounts returns the term frequency map used for SimHash weighting.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, f := range splitAlnum(strings.ToLower(text)) {
		if len(f) < minTermLength {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		counts[f]++
	}
	return counts
}

func splitAlnum(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SimHash64 computes a 64-bit similarity hash over the normalised terms of
// text. Near-duplicate texts land within a small Hamming distance, which the
// ACB builder uses for cross-phrasing dedupe.
func SimHash64(text string) uint64 {
	counts := termCounts(text)
	if len(counts) == 0 {
		return 0
	}

	var weights [64]int
	for term, n := range counts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit] += n
			} else {
				weights[bit] -= n
			}
		}
	}

	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}
