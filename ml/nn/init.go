package nn

import (
	"math"
	"math/rand/v2"

	"github.com/KaiHe-better/PathLLM/ml"
)

// Constructors allocate freshly initialized parameters: xavier-uniform
// projection weights, zero biases, unit norm gains. Checkpoints overwrite
// whatever they name afterwards. Callers pass a seeded rng so repeated
// construction yields identical parameters.

func NewLinear(ctx ml.Context, rng *rand.Rand, in, out int, bias bool) *Linear {
	m := &Linear{Weight: xavierUniform(ctx, rng, out, in)}
	if bias {
		m.Bias = ctx.Zeros(ml.DTypeF32, out)
	}

	return m
}

// NewLayerNorm starts at the identity transform, weight one and bias zero.
func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	weight := make([]float32, dim)
	for i := range weight {
		weight[i] = 1
	}

	return &LayerNorm{
		Weight: ctx.FromFloats(weight, dim),
		Bias:   ctx.Zeros(ml.DTypeF32, dim),
	}
}

func NewLayerScale(ctx ml.Context, dim int, value float32) *LayerScale {
	gamma := make([]float32, dim)
	for i := range gamma {
		gamma[i] = value
	}

	return &LayerScale{Gamma: ctx.FromFloats(gamma, dim)}
}

func NewMlp(ctx ml.Context, rng *rand.Rand, dim, hidden int) *Mlp {
	return &Mlp{
		FC1: NewLinear(ctx, rng, dim, hidden, true),
		FC2: NewLinear(ctx, rng, hidden, dim, true),
	}
}

func NewMultiheadAttention(ctx ml.Context, rng *rand.Rand, dim, heads int) *MultiheadAttention {
	return &MultiheadAttention{
		InProjWeight: xavierUniform(ctx, rng, 3*dim, dim),
		InProjBias:   ctx.Zeros(ml.DTypeF32, 3*dim),
		Output:       NewLinear(ctx, rng, dim, dim, true),
		heads:        heads,
	}
}

// xavierUniform draws a [out, in] weight from U(-a, a) with
// a = sqrt(6/(in+out)).
func xavierUniform(ctx ml.Context, rng *rand.Rand, out, in int) ml.Tensor {
	limit := float32(math.Sqrt(6 / float64(in+out)))

	data := make([]float32, out*in)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}

	return ctx.FromFloats(data, out, in)
}
