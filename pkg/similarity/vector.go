// Package similarity provides vector similarity and encoding utilities.
package similarity

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Cosine returns the cosine similarity between two vectors of equal length.
// Returns 0 for zero-length or mismatched vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize scales v to unit length in place and returns it.
// A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// WeightedMean returns normalize((a*n + b) / (n+1)), the running-mean update
// of a centroid a over n samples with a new contribution b.
func WeightedMean(a []float32, n int, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("vector width mismatch: %d != %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	fn := float64(n)
	for i := range a {
		out[i] = float32((float64(a[i])*fn + float64(b[i])) / (fn + 1))
	}
	return Normalize(out), nil
}

// DistanceToSimilarity converts a cosine distance to a similarity score.
func DistanceToSimilarity(distance float64) float64 {
	return 1 - distance
}

// Encode serializes a vector to its canonical binary form:
// little-endian IEEE-754 float32 values, no header.
func Encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// Decode deserializes a vector from its canonical binary form.
// dim must match the encoded width exactly.
func Decode(data []byte, dim int) ([]float32, error) {
	if len(data) != 4*dim {
		return nil, fmt.Errorf("vector payload is %d bytes, want %d for dim %d", len(data), 4*dim, dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
