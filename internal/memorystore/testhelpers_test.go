package memorystore

import (
	"context"
	"errors"
	"math"
)

// hashEmbedder returns deterministic unit vectors derived from the text.
type hashEmbedder struct {
	size int
	err  error
}

func (e *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *hashEmbedder) vector(text string) []float32 {
	size := e.size
	if size == 0 {
		size = 16
	}
	v := make([]float32, size)
	for i, c := range text {
		v[(i+int(c))%size] += float32(c%7 + 1)
	}
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}

var errEmbedder = errors.New("embedder offline")
