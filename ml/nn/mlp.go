package nn

import (
	"github.com/KaiHe-better/PathLLM/ml"
)

// Mlp is the two layer feed forward block with GELU in between.
type Mlp struct {
	FC1 *Linear `weight:"fc1"`
	FC2 *Linear `weight:"fc2"`
}

func (m *Mlp) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.FC2.Forward(ctx, m.FC1.Forward(ctx, t).GELU(ctx))
}
