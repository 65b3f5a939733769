package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// deterministic is a zero-dependency embedding provider: it hashes byte
// 3-grams of the input text via FNV-64a into a fixed-dimension vector,
// optionally L2-normalized. It needs no live embedding backend. The
// engine does not construct it: goreason.New always embeds through the
// configured llm.Provider, and EmbedWithFallback's zero vector is the
// only local substitute on that path.
type deterministic struct {
	dim       int
	normalize bool
}

// NewDeterministic returns a local, reproducible embedding provider.
func NewDeterministic(dim int, normalize bool) Provider {
	if dim <= 0 {
		dim = 768
	}
	return &deterministic{dim: dim, normalize: normalize}
}

func (d *deterministic) Dimensions() int { return d.dim }

func (d *deterministic) HealthCheck(ctx context.Context) error { return nil }

func (d *deterministic) Embed(ctx context.Context, text string) ([]float32, error) {
	return d.vector(text), nil
}

func (d *deterministic) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.vector(t)
	}
	return out, nil
}

func (d *deterministic) vector(text string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(text)
	if len(b) < 3 {
		d.add(v, text, 1.0)
		return d.finish(v)
	}
	for i := 0; i+3 <= len(b); i++ {
		gram := string(b[i : i+3])
		d.add(v, gram, 1.0)
	}
	return d.finish(v)
}

func (d *deterministic) add(v []float32, gram string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(gram))
	sum := h.Sum64()
	idx := int(sum % uint64(len(v)))
	sign := 1.0
	if (sum>>1)%2 == 1 {
		sign = -1.0
	}
	v[idx] += float32(sign * weight)
}

func (d *deterministic) finish(v []float32) []float32 {
	if !d.normalize {
		return v
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
	return v
}
