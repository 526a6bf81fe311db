package gigapath

import (
	"math"
	"math/rand/v2"

	"github.com/KaiHe-better/PathLLM/ml"
	"github.com/KaiHe-better/PathLLM/ml/nn"
)

const layerScaleInit = 1e-5

// TransformerBlock is the self-fusion stage: attention and feed forward
// sublayers, each gated by a LayerScale and stochastic depth on its
// residual branch.
type TransformerBlock struct {
	Attention   *nn.MultiheadAttention `weight:"attention"`
	Norm1       *nn.LayerNorm          `weight:"norm1"`
	LayerScale1 *nn.LayerScale         `weight:"layerscale1"`
	Ffn         *nn.Mlp                `weight:"ffn"`
	Norm2       *nn.LayerNorm          `weight:"norm2"`
	LayerScale2 *nn.LayerScale         `weight:"layerscale2"`

	dropPath *nn.DropPath
	preNorm  bool
	eps      float32
	training bool
}

func newTransformerBlock(ctx ml.Context, rng *rand.Rand, opts Options) *TransformerBlock {
	return &TransformerBlock{
		Attention:   nn.NewMultiheadAttention(ctx, rng, opts.Dim, opts.Heads),
		Norm1:       nn.NewLayerNorm(ctx, opts.Dim),
		LayerScale1: nn.NewLayerScale(ctx, opts.Dim, layerScaleInit),
		Ffn:         nn.NewMlp(ctx, rng, opts.Dim, opts.FeedForward),
		Norm2:       nn.NewLayerNorm(ctx, opts.Dim),
		LayerScale2: nn.NewLayerScale(ctx, opts.Dim, layerScaleInit),
		dropPath:    &nn.DropPath{P: opts.DropPath},
		preNorm:     opts.PreNorm,
		eps:         opts.Eps,
		training:    opts.Training,
	}
}

// Forward runs the block over x [batch, seq, dim]. attendMask is
// [batch, seq] where nonzero keeps a position and zero drops it, or
// nil to attend everywhere. The polarity is inverted here into the
// additive mask the attention primitive wants.
func (b *TransformerBlock) Forward(ctx ml.Context, x, attendMask ml.Tensor) ml.Tensor {
	var mask ml.Tensor
	if attendMask != nil {
		mask = keyMask(ctx, attendMask, true)
	}

	if b.preNorm {
		norm := b.Norm1.Forward(ctx, x, b.eps)
		attn := b.Attention.Forward(ctx, norm, norm, norm, mask)
		x = x.Add(ctx, b.dropPath.Forward(ctx, b.LayerScale1.Forward(ctx, attn), b.training))

		norm = b.Norm2.Forward(ctx, x, b.eps)
		ffn := b.Ffn.Forward(ctx, norm)

		return x.Add(ctx, b.dropPath.Forward(ctx, b.LayerScale2.Forward(ctx, ffn), b.training))
	}

	attn := b.Attention.Forward(ctx, x, x, x, mask)
	x = x.Add(ctx, b.dropPath.Forward(ctx, b.LayerScale1.Forward(ctx, b.Norm1.Forward(ctx, attn, b.eps)), b.training))

	ffn := b.Ffn.Forward(ctx, x)

	return x.Add(ctx, b.dropPath.Forward(ctx, b.LayerScale2.Forward(ctx, b.Norm2.Forward(ctx, ffn, b.eps)), b.training))
}

// CrossAttention is the cross-fusion stage: queries read from context
// tokens, then residual and norm. No LayerScale on this path.
type CrossAttention struct {
	Attention *nn.MultiheadAttention `weight:"attn"`
	Norm      *nn.LayerNorm          `weight:"norm"`

	dropout  *nn.Dropout
	eps      float32
	training bool
}

func newCrossAttention(ctx ml.Context, rng *rand.Rand, opts Options) *CrossAttention {
	return &CrossAttention{
		Attention: nn.NewMultiheadAttention(ctx, rng, opts.Dim, opts.Heads),
		Norm:      nn.NewLayerNorm(ctx, opts.Dim),
		dropout:   &nn.Dropout{P: opts.Dropout},
		eps:       opts.Eps,
		training:  opts.Training,
	}
}

// Forward attends query [batch, queries, dim] over key/value [batch,
// keys, dim]. padMask is [batch, keys] with nonzero marking padded
// keys to exclude, passed through in that polarity, or nil.
func (ca *CrossAttention) Forward(ctx ml.Context, query, key, value, padMask ml.Tensor) ml.Tensor {
	out, _ := ca.forward(ctx, query, key, value, padMask, false)
	return out
}

// ForwardWeights additionally returns the head-averaged attention
// weights [batch, queries, keys] for inspection.
func (ca *CrossAttention) ForwardWeights(ctx ml.Context, query, key, value, padMask ml.Tensor) (ml.Tensor, ml.Tensor) {
	return ca.forward(ctx, query, key, value, padMask, true)
}

func (ca *CrossAttention) forward(ctx ml.Context, query, key, value, padMask ml.Tensor, withWeights bool) (ml.Tensor, ml.Tensor) {
	var mask ml.Tensor
	if padMask != nil {
		mask = keyMask(ctx, padMask, false)
	}

	var attn, weights ml.Tensor
	if withWeights {
		attn, weights = ca.Attention.ForwardWeights(ctx, query, key, value, mask)
	} else {
		attn = ca.Attention.Forward(ctx, query, key, value, mask)
	}

	out := ca.Norm.Forward(ctx, query.Add(ctx, ca.dropout.Forward(ctx, attn, ca.training)), ca.eps)

	return out, weights
}

// keyMask turns a per-key indicator [batch, keys] into an additive
// [batch, 1, 1, keys] mask that broadcasts over heads and queries.
// With attend set, nonzero values keep a key; otherwise nonzero values
// drop it.
func keyMask(ctx ml.Context, indicator ml.Tensor, attend bool) ml.Tensor {
	neg := float32(math.Inf(-1))

	values := indicator.Floats()
	mask := make([]float32, len(values))
	for i, v := range values {
		if (v != 0) != attend {
			mask[i] = neg
		}
	}

	return ctx.FromFloats(mask, indicator.Dim(0), 1, 1, indicator.Dim(1))
}

// fusionAttendMask prepends an all-ones block to the instruction mask
// so query positions always attend, giving [batch, queries+instructions].
func fusionAttendMask(ctx ml.Context, instructionMask ml.Tensor, queries int) ml.Tensor {
	batch := instructionMask.Dim(0)

	ones := make([]float32, batch*queries)
	for i := range ones {
		ones[i] = 1
	}

	return ctx.FromFloats(ones, batch, queries).Concat(ctx, instructionMask, 1)
}
