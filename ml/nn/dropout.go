package nn

import (
	"math/rand/v2"

	"github.com/KaiHe-better/PathLLM/ml"
)

// Dropout zeroes a fraction of its input and rescales the survivors by
// 1/(1-p). Outside of training it is the identity, which keeps forward
// passes deterministic.
type Dropout struct {
	P float32
}

func (m *Dropout) Forward(ctx ml.Context, t ml.Tensor, training bool) ml.Tensor {
	if m == nil || m.P <= 0 || !training {
		return t
	}

	data := t.Floats()
	kept := make([]float32, len(data))
	scale := 1 / (1 - m.P)
	for i, v := range data {
		if rand.Float32() >= m.P {
			kept[i] = v * scale
		}
	}

	return ctx.FromFloats(kept, t.Shape()...)
}

// DropPath drops whole residual branches per sample, stochastic depth.
// Outside of training it is the identity.
type DropPath struct {
	P float32
}

func (m *DropPath) Forward(ctx ml.Context, t ml.Tensor, training bool) ml.Tensor {
	if m == nil || m.P <= 0 || !training {
		return t
	}

	shape := t.Shape()
	data := t.Floats()
	out := make([]float32, len(data))

	n := shape[0]
	if n == 0 {
		return t
	}

	per := len(data) / n
	scale := 1 / (1 - m.P)
	for i := 0; i < n; i++ {
		if rand.Float32() < m.P {
			continue
		}

		for j := i * per; j < (i+1)*per; j++ {
			out[j] = data[j] * scale
		}
	}

	return ctx.FromFloats(out, shape...)
}
