package nn

import (
	"fmt"
	"math"

	"github.com/KaiHe-better/PathLLM/ml"
)

// MultiheadAttention mirrors the packed projection layout torch uses:
// a single [3*dim, dim] input projection covering query, key and value,
// and a separate output projection.
type MultiheadAttention struct {
	InProjWeight ml.Tensor `weight:"in_proj_weight"`
	InProjBias   ml.Tensor `weight:"in_proj_bias"`
	Output       *Linear   `weight:"out_proj"`

	heads int
}

// Forward attends query over key/value, all shaped [batch, seq, dim].
// mask is additive and broadcast onto the [batch, heads, qlen, klen]
// score tensor, so masked positions carry -Inf.
func (sa *MultiheadAttention) Forward(ctx ml.Context, query, key, value, mask ml.Tensor) ml.Tensor {
	out, _ := sa.forward(ctx, query, key, value, mask)
	return out
}

// ForwardWeights additionally returns the attention probabilities
// averaged over heads, [batch, qlen, klen].
func (sa *MultiheadAttention) ForwardWeights(ctx ml.Context, query, key, value, mask ml.Tensor) (ml.Tensor, ml.Tensor) {
	out, probs := sa.forward(ctx, query, key, value, mask)

	avg := probs.Slice(ctx, 1, 0, 1)
	for h := 1; h < sa.heads; h++ {
		avg = avg.Add(ctx, probs.Slice(ctx, 1, h, h+1))
	}
	avg = avg.Scale(ctx, 1/float64(sa.heads))

	return out, avg.Reshape(ctx, probs.Dim(0), probs.Dim(2), probs.Dim(3))
}

func (sa *MultiheadAttention) forward(ctx ml.Context, query, key, value, mask ml.Tensor) (ml.Tensor, ml.Tensor) {
	dim := query.Dim(2)
	if sa.InProjWeight.Dim(0) != 3*dim || sa.InProjWeight.Dim(1) != dim {
		panic(fmt.Errorf("attention: packed projection is %dx%d, want %dx%d", sa.InProjWeight.Dim(0), sa.InProjWeight.Dim(1), 3*dim, dim))
	}

	q := query.MatmulT(ctx, sa.InProjWeight.Slice(ctx, 0, 0, dim))
	k := key.MatmulT(ctx, sa.InProjWeight.Slice(ctx, 0, dim, 2*dim))
	v := value.MatmulT(ctx, sa.InProjWeight.Slice(ctx, 0, 2*dim, 3*dim))

	if sa.InProjBias != nil {
		q = q.Add(ctx, sa.InProjBias.Slice(ctx, 0, 0, dim))
		k = k.Add(ctx, sa.InProjBias.Slice(ctx, 0, dim, 2*dim))
		v = v.Add(ctx, sa.InProjBias.Slice(ctx, 0, 2*dim, 3*dim))
	}

	out, probs := attention(ctx, q, k, v, sa.heads, mask)
	return sa.Output.Forward(ctx, out), probs
}

// Attention computes scaled dot product attention for [batch, seq, dim]
// projections split into heads. mask may be nil.
func Attention(ctx ml.Context, query, key, value ml.Tensor, heads int, mask ml.Tensor) ml.Tensor {
	out, _ := attention(ctx, query, key, value, heads, mask)
	return out
}

// attention also returns the probabilities [batch, heads, qlen, klen].
func attention(ctx ml.Context, query, key, value ml.Tensor, heads int, mask ml.Tensor) (ml.Tensor, ml.Tensor) {
	batch, qlen, dim := query.Dim(0), query.Dim(1), query.Dim(2)
	klen := key.Dim(1)

	if key.Dim(0) != batch || value.Dim(0) != batch || value.Dim(1) != klen {
		panic(fmt.Errorf("attention: operands do not line up"))
	}
	if heads < 1 || dim%heads != 0 {
		panic(fmt.Errorf("attention: dim %d is not divisible by %d heads", dim, heads))
	}

	headDim := dim / heads
	q := query.Reshape(ctx, batch, qlen, heads, headDim).Transpose(ctx, 0, 2, 1, 3)
	k := key.Reshape(ctx, batch, klen, heads, headDim).Transpose(ctx, 0, 2, 1, 3)
	v := value.Reshape(ctx, batch, klen, heads, headDim).Transpose(ctx, 0, 2, 1, 3)

	scores := q.MatmulT(ctx, k).Scale(ctx, 1/math.Sqrt(float64(headDim)))
	if mask != nil {
		scores = scores.Add(ctx, mask)
	}

	probs := scores.Softmax(ctx)
	out := probs.Matmul(ctx, v)
	return out.Transpose(ctx, 0, 2, 1, 3).Reshape(ctx, batch, qlen, dim), probs
}
