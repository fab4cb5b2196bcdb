package features

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// DefaultMaxFeatures is the embedding width used when none is configured.
const DefaultMaxFeatures = 100

// TextVectorizer produces TF-IDF embeddings from a vocabulary that
// accumulates across calls. Its fitted state is shared by every caller:
// FitTransform takes the write lock, so concurrent extraction is serialized,
// while Transform only reads the current state.
type TextVectorizer struct {
	maxFeatures int

	mu        sync.RWMutex
	vocab     map[string]int // term -> column
	docFreq   []int          // column -> documents containing term
	documents int
}

// NewTextVectorizer creates a vectorizer with at most maxFeatures columns.
// If maxFeatures <= 0, DefaultMaxFeatures is used.
func NewTextVectorizer(maxFeatures int) *TextVectorizer {
	if maxFeatures <= 0 {
		maxFeatures = DefaultMaxFeatures
	}
	return &TextVectorizer{
		maxFeatures: maxFeatures,
		vocab:       make(map[string]int),
		docFreq:     make([]int, 0, maxFeatures),
	}
}

// Width returns the length of every produced embedding.
func (v *TextVectorizer) Width() int {
	return v.maxFeatures
}

// FitTransform adds text to the fitted state and returns its embedding.
func (v *TextVectorizer) FitTransform(text string) []float64 {
	terms := tokenize(text)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.documents++
	seen := make(map[int]bool, len(terms))
	for _, term := range terms {
		col, ok := v.vocab[term]
		if !ok {
			if len(v.vocab) >= v.maxFeatures {
				continue
			}
			col = len(v.vocab)
			v.vocab[term] = col
			v.docFreq = append(v.docFreq, 0)
		}
		if !seen[col] {
			seen[col] = true
			v.docFreq[col]++
		}
	}
	return v.embed(terms)
}

// Transform returns the embedding of text without changing the fitted state.
func (v *TextVectorizer) Transform(text string) []float64 {
	terms := tokenize(text)

	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.embed(terms)
}

// VocabularySize returns the number of fitted terms.
func (v *TextVectorizer) VocabularySize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vocab)
}

// embed must be called with v.mu held.
func (v *TextVectorizer) embed(terms []string) []float64 {
	vec := make([]float64, v.maxFeatures)
	if len(terms) == 0 {
		return vec
	}

	for _, term := range terms {
		if col, ok := v.vocab[term]; ok {
			vec[col]++
		}
	}

	// Smoothed idf: ln((1+n)/(1+df)) + 1.
	var norm float64
	for col, tf := range vec {
		if tf == 0 {
			continue
		}
		idf := math.Log(float64(1+v.documents)/float64(1+v.docFreq[col])) + 1
		vec[col] = tf * idf
		norm += vec[col] * vec[col]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// tokenize lowercases text and splits it on anything that is not a letter or digit.
// Single-character tokens are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
