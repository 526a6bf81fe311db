package input

import "github.com/KaiHe-better/PathLLM/ml"

// Batch contains the inputs for one slide encoder forward pass. All
// tensors are dense float32 unless noted otherwise.
type Batch struct {
	// Query holds the learnable or upstream query embeddings,
	// shape [batch, queries, dim].
	Query ml.Tensor

	// Context holds tile embeddings for the slide, shape
	// [batch, tiles, dim]. Row i pairs with Coords row i.
	Context ml.Tensor

	// Coords holds the tile coordinates in slide pixel space,
	// shape [batch, tiles, 2], ordered (row, column).
	Coords ml.Tensor

	// PatchSize is the tile edge length in the same units as
	// Coords. Coordinates divide by it to recover grid cells.
	PatchSize float32

	// Instructions optionally prepends instruction embeddings to
	// the fusion queries, shape [batch, instructions, dim]. Nil
	// means no instructions.
	Instructions ml.Tensor

	// InstructionMask optionally masks instruction positions
	// during self fusion, shape [batch, instructions]. Nonzero
	// means attend. Nil means attend to all instructions. Query
	// positions always attend.
	InstructionMask ml.Tensor

	// ContextPadding optionally marks padded tiles, shape
	// [batch, tiles]. Nonzero means the tile is padding and is
	// excluded from attention. Nil means every tile is real.
	ContextPadding ml.Tensor
}
