// Package longnet implements the segmented dilated attention encoder
// that contextualizes tile sequences before fusion. Attention never
// spans a segment boundary, and within a segment each head only visits
// the positions congruent to its own offset, which keeps cost linear
// in sequence length for the fixed schedule of segment sizes.
package longnet

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"

	"github.com/KaiHe-better/PathLLM/ml"
	"github.com/KaiHe-better/PathLLM/ml/nn"
)

var (
	// DefaultSegments is the stock segment schedule. Pretraining on
	// whole slides replaces it with OptimalSegmentLengths.
	DefaultSegments = []int{512, 1024, 2048, 4096, 8192}

	// DefaultDilations pairs with DefaultSegments, one ratio per
	// segment size.
	DefaultDilations = []int{1, 2, 4, 8, 16}
)

type Options struct {
	Depth    int
	Dim      int
	Heads    int
	MlpRatio float64
	Eps      float32

	// Segments and Dilations must have equal length. Empty means the
	// defaults.
	Segments  []int
	Dilations []int

	// DropPath is the stochastic depth rate of the deepest layer.
	// Shallower layers scale it linearly, as in the reference
	// schedules. Only active while Training is set.
	DropPath float32
	Training bool
}

var namePattern = regexp.MustCompile(`^LongNet_(\d+)_layers_(\d+)_dim(?:_mlp([0-9.]+))?$`)

// ParseName decodes an architecture name such as
// "LongNet_12_layers_768_dim" or "LongNet_2_layers_512_dim_mlp4" into
// options carrying the default schedule.
func ParseName(name string) (Options, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Options{}, fmt.Errorf("longnet: cannot parse architecture name %q", name)
	}

	depth, err := strconv.Atoi(m[1])
	if err != nil {
		return Options{}, fmt.Errorf("longnet: bad depth in %q: %w", name, err)
	}

	dim, err := strconv.Atoi(m[2])
	if err != nil {
		return Options{}, fmt.Errorf("longnet: bad dim in %q: %w", name, err)
	}

	opts := Options{
		Depth:     depth,
		Dim:       dim,
		Heads:     8,
		MlpRatio:  4,
		Eps:       1e-5,
		Segments:  slices.Clone(DefaultSegments),
		Dilations: slices.Clone(DefaultDilations),
	}

	if m[3] != "" {
		ratio, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return Options{}, fmt.Errorf("longnet: bad mlp ratio in %q: %w", name, err)
		}

		opts.MlpRatio = ratio
	}

	return opts, nil
}

// OptimalSegmentLengths spaces five segment sizes log-uniformly between
// 512 and the longest possible tile sequence, (maxSize/tileSize)^2.
// Fractions truncate, matching the reference schedule.
func OptimalSegmentLengths(maxSize, tileSize int) []int {
	side := maxSize / tileSize
	lo, hi := math.Log2(512), math.Log2(float64(side)*float64(side))

	segments := make([]int, 5)
	for i := range segments {
		segments[i] = int(math.Exp2(lo + (hi-lo)*float64(i)/4))
	}

	return segments
}

// Encoder is a stack of pre-norm layers with a closing LayerNorm.
type Encoder struct {
	Layers []*Layer      `weight:"layers"`
	Norm   *nn.LayerNorm `weight:"layer_norm"`

	eps float32
}

type Layer struct {
	Attention     *Attention    `weight:"self_attn"`
	AttentionNorm *nn.LayerNorm `weight:"self_attn_layer_norm"`
	Mlp           *nn.Mlp
	FinalNorm     *nn.LayerNorm `weight:"final_layer_norm"`

	dropPath *nn.DropPath
	eps      float32
	training bool
}

// Attention keeps the four separate projections its checkpoints store.
type Attention struct {
	Query  *nn.Linear `weight:"q_proj"`
	Key    *nn.Linear `weight:"k_proj"`
	Value  *nn.Linear `weight:"v_proj"`
	Output *nn.Linear `weight:"out_proj"`

	heads     int
	segments  []int
	dilations []int
}

// FromName builds a freshly initialized encoder from its architecture
// name.
func FromName(ctx ml.Context, rng *rand.Rand, name string) (*Encoder, error) {
	opts, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	return New(ctx, rng, opts), nil
}

// New builds a freshly initialized encoder. Zero option values fall
// back to the reference defaults.
func New(ctx ml.Context, rng *rand.Rand, opts Options) *Encoder {
	if opts.Heads <= 0 {
		opts.Heads = 8
	}

	if opts.MlpRatio <= 0 {
		opts.MlpRatio = 4
	}

	if opts.Eps <= 0 {
		opts.Eps = 1e-5
	}

	if len(opts.Segments) == 0 {
		opts.Segments = slices.Clone(DefaultSegments)
		opts.Dilations = slices.Clone(DefaultDilations)
	}

	if len(opts.Segments) != len(opts.Dilations) {
		panic(fmt.Errorf("longnet: %d segment sizes but %d dilations", len(opts.Segments), len(opts.Dilations)))
	}

	if opts.Dim%opts.Heads != 0 {
		panic(fmt.Errorf("longnet: dim %d is not divisible by %d heads", opts.Dim, opts.Heads))
	}

	enc := &Encoder{
		Norm: nn.NewLayerNorm(ctx, opts.Dim),
		eps:  opts.Eps,
	}

	hidden := int(float64(opts.Dim) * opts.MlpRatio)
	for i := range opts.Depth {
		var rate float32
		if opts.Depth > 1 {
			rate = opts.DropPath * float32(i) / float32(opts.Depth-1)
		}

		enc.Layers = append(enc.Layers, &Layer{
			Attention: &Attention{
				Query:     nn.NewLinear(ctx, rng, opts.Dim, opts.Dim, true),
				Key:       nn.NewLinear(ctx, rng, opts.Dim, opts.Dim, true),
				Value:     nn.NewLinear(ctx, rng, opts.Dim, opts.Dim, true),
				Output:    nn.NewLinear(ctx, rng, opts.Dim, opts.Dim, true),
				heads:     opts.Heads,
				segments:  opts.Segments,
				dilations: opts.Dilations,
			},
			AttentionNorm: nn.NewLayerNorm(ctx, opts.Dim),
			Mlp:           nn.NewMlp(ctx, rng, opts.Dim, hidden),
			FinalNorm:     nn.NewLayerNorm(ctx, opts.Dim),
			dropPath:      &nn.DropPath{P: rate},
			eps:           opts.Eps,
			training:      opts.Training,
		})
	}

	return enc
}

// Forward encodes tokens [batch, length, dim]. padding is [batch,
// length] with nonzero marking tokens to exclude from attention, or
// nil. The output keeps the input shape.
func (e *Encoder) Forward(ctx ml.Context, tokens, padding ml.Tensor) ml.Tensor {
	x := tokens
	for _, layer := range e.Layers {
		x = layer.Forward(ctx, x, padding)
	}

	return e.Norm.Forward(ctx, x, e.eps)
}

func (l *Layer) Forward(ctx ml.Context, x, padding ml.Tensor) ml.Tensor {
	residual := x
	x = l.AttentionNorm.Forward(ctx, x, l.eps)
	x = l.Attention.Forward(ctx, x, padding)
	x = l.dropPath.Forward(ctx, x, l.training)
	x = residual.Add(ctx, x)

	residual = x
	x = l.FinalNorm.Forward(ctx, x, l.eps)
	x = l.Mlp.Forward(ctx, x)
	x = l.dropPath.Forward(ctx, x, l.training)

	return residual.Add(ctx, x)
}

// Forward runs every (segment, dilation) pattern over x and averages
// their outputs. A position a pattern's heads skip contributes zero to
// the average for those head channels, mirroring the scatter semantics
// of the reference kernels.
func (sa *Attention) Forward(ctx ml.Context, x, padding ml.Tensor) ml.Tensor {
	batch, length := x.Dim(0), x.Dim(1)

	var padded []float32
	if padding != nil {
		if padding.Dim(0) != batch || padding.Dim(1) != length {
			panic(fmt.Errorf("longnet: padding mask is [%d, %d], want [%d, %d]", padding.Dim(0), padding.Dim(1), batch, length))
		}

		padded = padding.Floats()
	}

	q := sa.Query.Forward(ctx, x)
	k := sa.Key.Forward(ctx, x)
	v := sa.Value.Forward(ctx, x)

	var sum ml.Tensor
	for p := range sa.segments {
		w, r := sa.segments[p], sa.dilations[p]

		var out ml.Tensor
		for start := 0; start < length; start += w {
			stop := min(start+w, length)
			m := stop - start

			qs := q.Slice(ctx, 1, start, stop)
			ks := k.Slice(ctx, 1, start, stop)
			vs := v.Slice(ctx, 1, start, stop)

			seg := nn.Attention(ctx, qs, ks, vs, sa.heads, sa.segmentMask(ctx, padded, batch, length, start, m, r))
			if out == nil {
				out = seg
			} else {
				out = out.Concat(ctx, seg, 1)
			}
		}

		if sum == nil {
			sum = out
		} else {
			sum = sum.Add(ctx, out)
		}
	}

	return sa.Output.Forward(ctx, sum.Scale(ctx, 1/float64(len(sa.segments))))
}

// segmentMask builds the additive [batch, heads, m, m] mask for one
// segment: head h keeps within-segment positions congruent to h mod r
// and drops padded keys.
func (sa *Attention) segmentMask(ctx ml.Context, padded []float32, batch, length, start, m, r int) ml.Tensor {
	neg := float32(math.Inf(-1))

	mask := make([]float32, batch*sa.heads*m*m)
	for n := range batch {
		for h := range sa.heads {
			for i := range m {
				row := ((n*sa.heads+h)*m + i) * m
				for j := range m {
					if i%r != h%r || j%r != h%r || (padded != nil && padded[n*length+start+j] != 0) {
						mask[row+j] = neg
					}
				}
			}
		}
	}

	return ctx.FromFloats(mask, batch, sa.heads, m, m)
}
