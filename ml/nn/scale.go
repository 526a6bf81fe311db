package nn

import (
	"github.com/KaiHe-better/PathLLM/ml"
)

// LayerScale multiplies channels by a learned per channel gamma.
type LayerScale struct {
	Gamma ml.Tensor `weight:"gamma"`
}

func (m *LayerScale) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if m == nil || m.Gamma == nil {
		return t
	}

	return t.Mul(ctx, m.Gamma)
}
