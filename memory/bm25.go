package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// bm25K1 and bm25B are the standard Robertson/Sparck-Jones BM25 tuning
// constants (k1 controls term-frequency saturation, b controls length
// normalization strength).
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// tokenize lowercases s and splits it on runs of non-alphanumeric
// characters, matching the "content + tags + category tokens" corpus spec
// §4.5 describes for long-term memory search.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// searchableText concatenates the fields BM25 scores an entry against.
func searchableText(e MemoryEntry) string {
	var b strings.Builder
	b.WriteString(e.Content)
	b.WriteString(" ")
	b.WriteString(strings.Join(e.Tags, " "))
	b.WriteString(" ")
	b.WriteString(strings.ReplaceAll(e.Category, "/", " "))
	return b.String()
}

// bm25Document is a tokenized, length-cached corpus member.
type bm25Document struct {
	entry  MemoryEntry
	terms  []string
	tf     map[string]int
	length int
}

func newBM25Document(e MemoryEntry) bm25Document {
	terms := tokenize(searchableText(e))
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	return bm25Document{entry: e, terms: terms, tf: tf, length: len(terms)}
}

// BM25Rank scores every entry against query and returns them sorted by
// descending score, entries scoring zero excluded. This is a plain
// in-memory implementation of Okapi BM25; the pack carries no search/IR
// library, so the formula is implemented directly rather than imported
// (see DESIGN.md).
func BM25Rank(entries []MemoryEntry, query string) []ScoredEntry {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(entries) == 0 {
		return nil
	}

	docs := make([]bm25Document, len(entries))
	var totalLength int
	docFreq := make(map[string]int)
	for i, e := range entries {
		docs[i] = newBM25Document(e)
		totalLength += docs[i].length
		seen := make(map[string]bool, len(docs[i].tf))
		for t := range docs[i].tf {
			if !seen[t] {
				docFreq[t]++
				seen[t] = true
			}
		}
	}
	n := float64(len(docs))
	avgDocLength := float64(totalLength) / n

	idf := make(map[string]float64, len(docFreq))
	uniqueQueryTerms := make(map[string]bool, len(queryTerms))
	for _, t := range queryTerms {
		if uniqueQueryTerms[t] {
			continue
		}
		uniqueQueryTerms[t] = true
		nq := float64(docFreq[t])
		idf[t] = math.Log((n-nq+0.5)/(nq+0.5) + 1)
	}

	var scored []ScoredEntry
	for _, doc := range docs {
		var score float64
		docLen := float64(doc.length)
		for t := range uniqueQueryTerms {
			f := float64(doc.tf[t])
			if f == 0 {
				continue
			}
			numerator := f * (bm25K1 + 1)
			denominator := f + bm25K1*(1-bm25B+bm25B*docLen/avgDocLength)
			score += idf[t] * numerator / denominator
		}
		if score > 0 {
			scored = append(scored, ScoredEntry{Entry: doc.entry, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}
