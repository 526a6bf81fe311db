package gigapath

import (
	"fmt"
	"math"

	"github.com/KaiHe-better/PathLLM/ml"
)

// sincosPosEmbed fills a [grids*grids, dim] position table with the
// fixed 2D sin-cos layout slide encoders inherit from MAE: the first
// half of the channels encodes a cell's second coordinate, the second
// half its first, each as a sin block followed by a cos block. The
// table never trains; checkpoints may still overwrite it with the
// identical buffer they saved.
func sincosPosEmbed(grids, dim int) []float32 {
	if dim%4 != 0 {
		panic(fmt.Errorf("gigapath: embedding dim %d is not divisible by 4", dim))
	}

	quarter := dim / 4
	omega := make([]float64, quarter)
	for k := range omega {
		omega[k] = 1 / math.Pow(10000, float64(k)/float64(quarter))
	}

	table := make([]float32, grids*grids*dim)
	for i := range grids {
		for j := range grids {
			row := (i*grids + j) * dim
			for k, w := range omega {
				table[row+k] = float32(math.Sin(float64(j) * w))
				table[row+quarter+k] = float32(math.Cos(float64(j) * w))
				table[row+2*quarter+k] = float32(math.Sin(float64(i) * w))
				table[row+3*quarter+k] = float32(math.Cos(float64(i) * w))
			}
		}
	}

	return table
}

// coordsToPos quantizes physical coordinates [batch, length, 2] to
// grid cells by floor division against patchSize and flattens them to
// [batch, length] table indices. A cell outside the grid is an error,
// never clamped.
func coordsToPos(ctx ml.Context, coords ml.Tensor, patchSize float32, grids int) (ml.Tensor, error) {
	batch, length := coords.Dim(0), coords.Dim(1)
	data := coords.Floats()

	pos := make([]int32, batch*length)
	for i := range pos {
		r := int(math.Floor(float64(data[2*i] / patchSize)))
		c := int(math.Floor(float64(data[2*i+1] / patchSize)))
		if r < 0 || r >= grids || c < 0 || c >= grids {
			return nil, fmt.Errorf("coordinate (%g, %g) quantizes to cell (%d, %d), outside the %dx%d grid",
				data[2*i], data[2*i+1], r, c, grids, grids)
		}

		pos[i] = int32(r*grids + c)
	}

	return ctx.FromInts(pos, batch, length), nil
}
