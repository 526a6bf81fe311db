package cpu

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/KaiHe-better/PathLLM/ml"
)

type Tensor struct {
	dtype ml.DType
	shape []int

	data []float32 // f32
	ints []int32   // i32
	f16  []uint16  // f16 bits
	bf16 []byte    // bf16, two bytes per element
}

func newTensor(dtype ml.DType, shape []int) *Tensor {
	n := numElements(shape)

	t := &Tensor{dtype: dtype, shape: append([]int(nil), shape...)}
	switch dtype {
	case ml.DTypeF32:
		t.data = make([]float32, n)
	case ml.DTypeI32:
		t.ints = make([]int32, n)
	case ml.DTypeF16:
		t.f16 = make([]uint16, n)
	case ml.DTypeBF16:
		t.bf16 = make([]byte, 2*n)
	default:
		panic("cpu: unsupported dtype")
	}

	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("cpu: negative dimension")
		}

		n *= d
	}

	return n
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	switch t.dtype {
	case ml.DTypeF32:
		return t.data
	case ml.DTypeF16:
		f32s := make([]float32, len(t.f16))
		for i, b := range t.f16 {
			f32s[i] = float16.Frombits(b).Float32()
		}

		return f32s
	case ml.DTypeBF16:
		return bfloat16.DecodeFloat32(t.bf16)
	default:
		return nil
	}
}

func (t *Tensor) Ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		return nil
	}

	return t.ints
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	var f32s []float32
	if t.dtype == ml.DTypeI32 {
		f32s = make([]float32, len(t.ints))
		for i, v := range t.ints {
			f32s[i] = float32(v)
		}
	} else {
		f32s = t.Floats()
	}

	out := newTensor(dtype, t.shape)
	switch dtype {
	case ml.DTypeF32:
		copy(out.data, f32s)
	case ml.DTypeF16:
		for i, v := range f32s {
			out.f16[i] = float16.Fromfloat32(v).Bits()
		}
	case ml.DTypeBF16:
		out.bf16 = bfloat16.EncodeFloat32(f32s)
	case ml.DTypeI32:
		for i, v := range f32s {
			out.ints[i] = int32(v)
		}
	default:
		panic("cpu: unsupported dtype")
	}

	return out
}

// f32 ensures a kernel operand carries float32 data.
func f32(t ml.Tensor) *Tensor {
	c, ok := t.(*Tensor)
	if !ok {
		panic("cpu: tensor from another backend")
	}

	if c.dtype != ml.DTypeF32 {
		panic("cpu: op requires an f32 tensor")
	}

	return c
}
