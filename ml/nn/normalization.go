package nn

import (
	"github.com/KaiHe-better/PathLLM/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
