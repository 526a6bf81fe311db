// Package gigapath implements the GigaPath slide encoder: whole-slide
// tile embeddings are fused with task query and instruction vectors
// through stacked context encoding, self attention and cross attention
// layers.
package gigapath

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/KaiHe-better/PathLLM/fs"
	"github.com/KaiHe-better/PathLLM/longnet"
	"github.com/KaiHe-better/PathLLM/ml"
	"github.com/KaiHe-better/PathLLM/model"
	"github.com/KaiHe-better/PathLLM/model/input"
)

type Options struct {
	Dim          int
	EncoderDepth int
	Grids        int
	TileSize     int
	Layers       int
	Heads        int
	FeedForward  int
	MlpRatio     float64
	Dropout      float32
	DropPath     float32
	Eps          float32

	// MaxSlideSize switches the context encoders to the optimal
	// segment schedule for slides up to this edge length. Zero keeps
	// the stock schedule.
	MaxSlideSize int

	PreNorm  bool
	Training bool
}

func optionsFromConfig(c fs.Config) Options {
	return Options{
		Dim:          int(c.Uint("embedding_length", 512)),
		EncoderDepth: int(c.Uint("encoder.block_count", 12)),
		Grids:        int(c.Uint("grid_count", 1000)),
		TileSize:     int(c.Uint("tile_size", 256)),
		Layers:       int(c.Uint("fusion.block_count", 2)),
		Heads:        int(c.Uint("attention.head_count", 8)),
		FeedForward:  int(c.Uint("feed_forward_length", 2048)),
		MlpRatio:     float64(c.Float("encoder.mlp_ratio", 4)),
		Dropout:      c.Float("dropout", 0.25),
		DropPath:     c.Float("drop_path_rate", 0.1),
		Eps:          c.Float("layer_norm_epsilon", 1e-5),
		MaxSlideSize: int(c.Uint("slide.max_size", 0)),
		PreNorm:      c.Bool("fusion.pre_norm", true),
		Training:     c.Bool("training", false),
	}
}

// Model fuses tile embeddings with query and instruction vectors. Each
// fusion layer keeps its own context encoder, self-fusion block and
// cross-fusion block; no weights are shared across layers.
type Model struct {
	model.Base

	// PosEmbed is the [Grids², Dim] sin-cos table, built once in the
	// constructor and read-only afterwards.
	PosEmbed ml.Tensor `weight:"pos_embed"`

	Encoders    []*longnet.Encoder  `weight:"encoder_wsi"`
	SelfFusion  []*TransformerBlock `weight:"self_attention"`
	CrossFusion []*CrossAttention   `weight:"cross_attention"`

	Options
}

// New builds a model from the configuration, falling back to the stock
// GigaPath hyperparameters for keys the config omits.
func New(ctx ml.Context, c fs.Config) (*Model, error) {
	return newModel(ctx, optionsFromConfig(c))
}

func newModel(ctx ml.Context, opts Options) (*Model, error) {
	switch {
	case opts.Dim < 4 || opts.Dim%4 != 0:
		return nil, fmt.Errorf("gigapath: embedding dim %d is not divisible by 4", opts.Dim)
	case opts.Heads < 1 || opts.Dim%opts.Heads != 0:
		return nil, fmt.Errorf("gigapath: embedding dim %d is not divisible by %d heads", opts.Dim, opts.Heads)
	case opts.Grids < 1:
		return nil, fmt.Errorf("gigapath: grid count %d is not positive", opts.Grids)
	case opts.Layers < 1:
		return nil, fmt.Errorf("gigapath: fusion layer count %d is not positive", opts.Layers)
	case opts.TileSize < 1:
		return nil, fmt.Errorf("gigapath: tile size %d is not positive", opts.TileSize)
	}

	encOpts := longnet.Options{
		Depth:    opts.EncoderDepth,
		Dim:      opts.Dim,
		Heads:    opts.Heads,
		MlpRatio: opts.MlpRatio,
		Eps:      opts.Eps,
		DropPath: opts.DropPath,
		Training: opts.Training,
	}
	if opts.MaxSlideSize > 0 {
		encOpts.Segments = longnet.OptimalSegmentLengths(opts.MaxSlideSize, opts.TileSize)
		encOpts.Dilations = longnet.DefaultDilations
	}

	// construction is deterministic: a fixed seed means two models
	// built from the same options share their initialization
	rng := rand.New(rand.NewPCG(2, 0))

	m := &Model{
		PosEmbed: ctx.FromFloats(sincosPosEmbed(opts.Grids, opts.Dim), opts.Grids*opts.Grids, opts.Dim),
		Options:  opts,
	}

	for range opts.Layers {
		m.Encoders = append(m.Encoders, longnet.New(ctx, rng, encOpts))
		m.SelfFusion = append(m.SelfFusion, newTransformerBlock(ctx, rng, opts))
		m.CrossFusion = append(m.CrossFusion, newCrossAttention(ctx, rng, opts))
	}

	return m, nil
}

func init() {
	model.Register("gigapath_slide_enc2l512d", func(ctx ml.Context, c fs.Config) (model.Model, error) {
		opts := optionsFromConfig(c)
		opts.Dim = 512
		opts.EncoderDepth = 2
		opts.MlpRatio = 4
		opts.Eps = 1e-6

		return newModel(ctx, opts)
	})
}

// Forward fuses one batch and returns the query representations
// [batch, queries, Dim] in BF16.
func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	if err := m.validate(batch); err != nil {
		return nil, err
	}

	patchSize := batch.PatchSize
	if patchSize == 0 {
		patchSize = float32(m.TileSize)
	}

	pos, err := coordsToPos(ctx, batch.Coords, patchSize, m.Grids)
	if err != nil {
		return nil, err
	}

	context := batch.Context.Add(ctx, m.PosEmbed.Rows(ctx, pos))

	query := batch.Query
	queries := query.Dim(1)

	var selfMask ml.Tensor
	if batch.InstructionMask != nil {
		selfMask = fusionAttendMask(ctx, batch.InstructionMask, queries)
	}

	for i := range m.Layers {
		context = m.Encoders[i].Forward(ctx, context, batch.ContextPadding)

		combined := query
		if batch.Instructions != nil {
			combined = query.Concat(ctx, batch.Instructions, 1)
		}

		fused := m.SelfFusion[i].Forward(ctx, combined, selfMask)
		query = fused.Slice(ctx, 1, 0, queries)

		query = m.CrossFusion[i].Forward(ctx, query, context, context, batch.ContextPadding)
	}

	return query.Cast(ctx, ml.DTypeBF16), nil
}

func (m *Model) validate(batch input.Batch) error {
	query, context, coords := batch.Query, batch.Context, batch.Coords
	if query == nil || context == nil || coords == nil {
		return errors.New("batch needs query, context and coords tensors")
	}

	if len(query.Shape()) != 3 || query.Dim(2) != m.Dim {
		return fmt.Errorf("query is %v, want [batch, queries, %d]", query.Shape(), m.Dim)
	}

	n := query.Dim(0)
	if len(context.Shape()) != 3 || context.Dim(0) != n || context.Dim(2) != m.Dim {
		return fmt.Errorf("context is %v, want [%d, tiles, %d]", context.Shape(), n, m.Dim)
	}

	if len(coords.Shape()) != 3 || coords.Dim(0) != n || coords.Dim(1) != context.Dim(1) || coords.Dim(2) != 2 {
		return fmt.Errorf("coords is %v, want [%d, %d, 2]", coords.Shape(), n, context.Dim(1))
	}

	if ins := batch.Instructions; ins != nil {
		if len(ins.Shape()) != 3 || ins.Dim(0) != n || ins.Dim(2) != m.Dim {
			return fmt.Errorf("instructions are %v, want [%d, instructions, %d]", ins.Shape(), n, m.Dim)
		}
	}

	if mask := batch.InstructionMask; mask != nil {
		if batch.Instructions == nil {
			return errors.New("instruction mask without instructions")
		}

		if len(mask.Shape()) != 2 || mask.Dim(0) != n || mask.Dim(1) != batch.Instructions.Dim(1) {
			return fmt.Errorf("instruction mask is %v, want [%d, %d]", mask.Shape(), n, batch.Instructions.Dim(1))
		}
	}

	if pad := batch.ContextPadding; pad != nil {
		if len(pad.Shape()) != 2 || pad.Dim(0) != n || pad.Dim(1) != context.Dim(1) {
			return fmt.Errorf("context padding mask is %v, want [%d, %d]", pad.Shape(), n, context.Dim(1))
		}
	}

	return nil
}
