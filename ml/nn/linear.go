package nn

import (
	"github.com/KaiHe-better/PathLLM/ml"
)

// Linear keeps its weight in the [out, in] layout slide encoder
// checkpoints store, so applying it is a transposed matmul.
type Linear struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.MatmulT(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
