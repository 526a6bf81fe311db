// Package cpu is a pure Go compute backend. Tensors are dense, row major
// and float32 unless stated otherwise. Every operation computes eagerly
// and leaves its operands untouched, so a tensor can be reused freely
// after it has been consumed. Kernels fan out over batch rows with
// errgroup but keep the accumulation order inside a row fixed, which
// makes repeated runs on the same inputs bitwise identical.
package cpu

import (
	"runtime"

	"github.com/KaiHe-better/PathLLM/ml"
)

type Backend struct {
	threads int
}

func New(params ml.BackendParams) (ml.Backend, error) {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	return &Backend{threads: threads}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) NewContext() ml.Context {
	return &Context{threads: b.threads}
}

type Context struct {
	threads int
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic("cpu: data length does not match shape")
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.ints) {
		panic("cpu: data length does not match shape")
	}

	copy(t.ints, s)
	return t
}

func (c *Context) Close() {}
