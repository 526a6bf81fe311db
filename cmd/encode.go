package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KaiHe-better/PathLLM/envconfig"
	"github.com/KaiHe-better/PathLLM/fs"
	"github.com/KaiHe-better/PathLLM/ml"
	_ "github.com/KaiHe-better/PathLLM/ml/backend"
	"github.com/KaiHe-better/PathLLM/model"
	"github.com/KaiHe-better/PathLLM/model/input"
	_ "github.com/KaiHe-better/PathLLM/model/models"
	"github.com/KaiHe-better/PathLLM/progress"
)

// slideFile is the JSON layout the encode command consumes: one slide,
// row-major float matrices, optional masks.
type slideFile struct {
	Queries         [][]float32 `json:"queries"`
	Tiles           [][]float32 `json:"tiles"`
	Coords          [][]float32 `json:"coords"`
	Instructions    [][]float32 `json:"instructions,omitempty"`
	InstructionMask []float32   `json:"instruction_mask,omitempty"`
	ContextPadding  []float32   `json:"context_padding,omitempty"`
	PatchSize       float32     `json:"patch_size,omitempty"`
}

type encodeResponse struct {
	Architecture  string        `json:"architecture"`
	Embeddings    [][]float32   `json:"embeddings"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
	LoadDuration  time.Duration `json:"load_duration,omitempty"`
}

func encodeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "encode SLIDE",
		Short: "Fuse a slide's tile embeddings into its query vectors",
		Args:  cobra.ExactArgs(1),
		RunE:  encodeHandler,
	}

	c.Flags().String("arch", "gigapath_slide_enc2l512d", "Registered model architecture")
	c.Flags().String("checkpoint", "", "Pretrained checkpoint (path or hf_hub: reference)")
	c.Flags().Uint32("grid", 1000, "Grid cells per slide edge")
	c.Flags().StringP("output", "o", "", "Write the result to this file instead of stdout")

	return c
}

func encodeHandler(cmd *cobra.Command, args []string) error {
	slide, err := readSlide(args[0])
	if err != nil {
		return err
	}

	arch, _ := cmd.Flags().GetString("arch")
	pretrained, _ := cmd.Flags().GetString("checkpoint")
	grid, _ := cmd.Flags().GetUint32("grid")

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("loading model")
	p.Add(spinner)

	start := time.Now()

	m, _, err := model.New(
		fs.KV{"general.architecture": arch, "grid_count": grid},
		pretrained,
		ml.BackendParams{NumThreads: envconfig.NumThreads},
	)
	if err != nil {
		return err
	}

	loadDuration := time.Since(start)
	spinner.SetMessage("encoding slide")

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	batch, err := slide.batch(ctx)
	if err != nil {
		return err
	}

	out, err := model.Forward(ctx, m, batch)
	if err != nil {
		return err
	}

	p.StopAndClear()

	resp := encodeResponse{
		Architecture:  arch,
		Embeddings:    rows(out),
		TotalDuration: time.Since(start),
		LoadDuration:  loadDuration,
	}

	w := cmd.OutOrStdout()
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()

		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func readSlide(path string) (*slideFile, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var slide slideFile
	if err := json.Unmarshal(bts, &slide); err != nil {
		return nil, fmt.Errorf("slide %s: %w", path, err)
	}

	return &slide, nil
}

// batch assembles the forward inputs, each matrix a single-slide batch.
func (s *slideFile) batch(ctx ml.Context) (input.Batch, error) {
	var batch input.Batch
	if len(s.Queries) == 0 || len(s.Queries[0]) == 0 {
		return batch, errors.New("slide has no queries")
	}

	dim := len(s.Queries[0])

	var err error
	if batch.Query, err = matrix(ctx, s.Queries, dim, "query"); err != nil {
		return batch, err
	}

	if batch.Context, err = matrix(ctx, s.Tiles, dim, "tile"); err != nil {
		return batch, err
	}

	if batch.Coords, err = matrix(ctx, s.Coords, 2, "coordinate"); err != nil {
		return batch, err
	}

	if len(s.Instructions) > 0 {
		if batch.Instructions, err = matrix(ctx, s.Instructions, dim, "instruction"); err != nil {
			return batch, err
		}
	}

	if len(s.InstructionMask) > 0 {
		batch.InstructionMask = ctx.FromFloats(s.InstructionMask, 1, len(s.InstructionMask))
	}

	if len(s.ContextPadding) > 0 {
		batch.ContextPadding = ctx.FromFloats(s.ContextPadding, 1, len(s.ContextPadding))
	}

	batch.PatchSize = s.PatchSize

	return batch, nil
}

func matrix(ctx ml.Context, rows [][]float32, width int, name string) (ml.Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("slide has no %ss", name)
	}

	flat := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%s %d has %d values, want %d", name, i, len(row), width)
		}

		flat = append(flat, row...)
	}

	return ctx.FromFloats(flat, 1, len(rows), width), nil
}

// rows splits the fused [1, Q, D] block back into per-query vectors.
func rows(t ml.Tensor) [][]float32 {
	queries, dim := t.Dim(1), t.Dim(2)
	flat := t.Floats()

	out := make([][]float32, queries)
	for i := range out {
		out[i] = flat[i*dim : (i+1)*dim]
	}

	return out
}
