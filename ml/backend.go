package ml

import (
	"fmt"
	"strings"

	"github.com/KaiHe-better/PathLLM/envconfig"
)

// Backend is a compute engine. It creates Contexts, which own the tensors
// built during a forward pass.
type Backend interface {
	NewContext() Context
}

// BackendParams controls how a backend schedules work.
type BackendParams struct {
	// NumThreads is the upper bound on concurrent kernel goroutines.
	// Zero means runtime.NumCPU.
	NumThreads int
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(params BackendParams) (Backend, error) {
	requested := strings.ToLower(envconfig.Backend)
	if backend, ok := backends[requested]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", requested)
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Close()
}

// Tensor is a dense row-major tensor. Operations are eager: each call
// computes and returns a new tensor owned by ctx. Slices returned by
// Floats and Ints share the tensor's backing store and must not be
// modified.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Matmul multiplies the trailing two axes, [..., m, k] by [..., k, p].
	// A rank-2 t2 is shared across the leading axes of t.
	Matmul(ctx Context, t2 Tensor) Tensor

	// MatmulT is Matmul with t2 transposed on its trailing two axes,
	// [..., m, k] by [..., p, k]. Projection weights stay in their
	// stored [out, in] layout this way.
	MatmulT(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	GELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Transpose(ctx Context, order ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of a [r, c] table by integer index, giving
	// shape(t2) + [c].
	Rows(ctx Context, t2 Tensor) Tensor

	// Slice takes the half-open interval [start, stop) along dim.
	Slice(ctx Context, dim, start, stop int) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to floating point types.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32, DTypeF16, DTypeBF16:
		return dump(t, t.Floats(), opts[0], func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		})
	case DTypeI32:
		return dump(t, t.Ints(), opts[0], func(i int32) string {
			return fmt.Sprintf("%d", i)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](t Tensor, s S, opts DumpOptions, fn func(E) string) string {
	if s == nil {
		return "<nil>"
	}

	shape := t.Shape()

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, fn(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}
