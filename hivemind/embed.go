package hivemind

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dim is the embedding dimensionality shared by every index.
const Dim = 384

// Embed maps text onto a Dim-dimensional unit vector using feature hashing
// over word unigrams, bigrams and character trigrams. The embedding is
// deterministic: identical text always produces the identical vector, which
// gives exact recall a distance of zero while keeping near-duplicate text
// nearby.
func Embed(text string) []float32 {
	vec := make([]float32, Dim)
	tokens := tokenize(strings.ToLower(text))
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % Dim)
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	return normalize(vec)
}

func tokenize(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	tokens := make([]string, 0, len(words)*3)
	for i, w := range words {
		tokens = append(tokens, w)
		if i > 0 {
			tokens = append(tokens, words[i-1]+"_"+w)
		}
		for j := 0; j+3 <= len(w); j++ {
			tokens = append(tokens, "#"+w[j:j+3])
		}
	}
	return tokens
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Cosine returns the cosine similarity of two unit vectors.
func Cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
