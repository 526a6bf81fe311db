package cpu

import (
	"math"
	"slices"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/KaiHe-better/PathLLM/ml"
)

// parallel splits n independent rows across the context's thread budget.
// Rows never overlap, so the write pattern is race free and the result
// does not depend on scheduling.
func parallel(ctx ml.Context, n int, f func(lo, hi int)) {
	threads := ctx.(*Context).threads
	chunk := (n + threads - 1) / threads
	if chunk < 1 {
		chunk = 1
	}

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			f(lo, hi)
			return nil
		})
	}

	g.Wait()
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

func broadcastShape(a, b []int) []int {
	rank := max(len(a), len(b))
	shape := make([]int, rank)
	for i := range shape {
		ad, bd := 1, 1
		if i >= rank-len(a) {
			ad = a[i-(rank-len(a))]
		}
		if i >= rank-len(b) {
			bd = b[i-(rank-len(b))]
		}

		switch {
		case ad == bd:
			shape[i] = ad
		case ad == 1:
			shape[i] = bd
		case bd == 1:
			shape[i] = ad
		default:
			panic("cpu: shapes do not broadcast")
		}
	}

	return shape
}

// broadcastStrides maps axes of src onto dst, zeroing the stride of any
// axis src repeats along.
func broadcastStrides(src, dst []int) []int {
	strides := make([]int, len(dst))
	stride := 1
	for i := len(src) - 1; i >= 0; i-- {
		d := len(dst) - len(src) + i
		if src[i] == dst[d] {
			strides[d] = stride
		}

		stride *= src[i]
	}

	return strides
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x * y })
}

func (t *Tensor) binary(ctx ml.Context, t2 ml.Tensor, f func(x, y float32) float32) ml.Tensor {
	a, b := f32(t), f32(t2)

	shape := broadcastShape(a.shape, b.shape)
	out := newTensor(ml.DTypeF32, shape)

	switch {
	case slices.Equal(a.shape, b.shape):
		for i := range out.data {
			out.data[i] = f(a.data[i], b.data[i])
		}
	case slices.Equal(a.shape, shape) && len(b.shape) == 1 && b.shape[0] == shape[len(shape)-1]:
		// rowwise vector, the bias add case
		n := b.shape[0]
		for i := range out.data {
			out.data[i] = f(a.data[i], b.data[i%n])
		}
	default:
		as := broadcastStrides(a.shape, shape)
		bs := broadcastStrides(b.shape, shape)

		coord := make([]int, len(shape))
		for i := range out.data {
			var ai, bi int
			for d, c := range coord {
				ai += c * as[d]
				bi += c * bs[d]
			}

			out.data[i] = f(a.data[ai], b.data[bi])

			for d := len(coord) - 1; d >= 0; d-- {
				coord[d]++
				if coord[d] < shape[d] {
					break
				}
				coord[d] = 0
			}
		}
	}

	return out
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return matmul(ctx, t, t2, blas.NoTrans)
}

func (t *Tensor) MatmulT(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return matmul(ctx, t, t2, blas.Trans)
}

func matmul(ctx ml.Context, t, t2 ml.Tensor, tB blas.Transpose) ml.Tensor {
	a, b := f32(t), f32(t2)
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic("cpu: matmul operands need at least two axes")
	}

	m, k := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]

	bk, p := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if tB == blas.Trans {
		bk, p = p, bk
	}
	if bk != k {
		panic("cpu: matmul inner dimensions do not match")
	}

	shared := len(b.shape) == 2
	if !shared && !slices.Equal(a.shape[:len(a.shape)-2], b.shape[:len(b.shape)-2]) {
		panic("cpu: matmul batch dimensions do not match")
	}

	outShape := append(append([]int(nil), a.shape[:len(a.shape)-2]...), m, p)
	out := newTensor(ml.DTypeF32, outShape)
	if m == 0 || p == 0 || k == 0 {
		return out
	}

	batch := numElements(a.shape[:len(a.shape)-2])
	parallel(ctx, batch, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			av := blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[i*m*k : (i+1)*m*k]}

			boff := 0
			if !shared {
				boff = i * k * p
			}

			var bv blas32.General
			if tB == blas.Trans {
				bv = blas32.General{Rows: p, Cols: k, Stride: k, Data: b.data[boff : boff+k*p]}
			} else {
				bv = blas32.General{Rows: k, Cols: p, Stride: p, Data: b.data[boff : boff+k*p]}
			}

			cv := blas32.General{Rows: m, Cols: p, Stride: p, Data: out.data[i*m*p : (i+1)*m*p]}
			blas32.Gemm(blas.NoTrans, tB, 1, av, bv, 0, cv)
		}
	})

	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	a := f32(t)
	out := newTensor(ml.DTypeF32, a.shape)

	n := a.shape[len(a.shape)-1]
	if n == 0 {
		return out
	}

	parallel(ctx, len(a.data)/n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := a.data[r*n : (r+1)*n]
			dst := out.data[r*n : (r+1)*n]

			maxv := math32.Inf(-1)
			for _, v := range row {
				maxv = max(maxv, v)
			}

			// a fully masked row stays zero rather than dividing
			// zero by zero
			if math32.IsInf(maxv, -1) {
				continue
			}

			var sum float32
			for i, v := range row {
				e := math32.Exp(v - maxv)
				dst[i] = e
				sum += e
			}

			for i := range dst {
				dst[i] /= sum
			}
		}
	})

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	a := f32(t)
	out := newTensor(ml.DTypeF32, a.shape)

	n := a.shape[len(a.shape)-1]
	if n == 0 {
		return out
	}

	var w, b []float32
	if weight != nil {
		w = f32(weight).data
		if len(w) != n {
			panic("cpu: layernorm weight does not match the last axis")
		}
	}
	if bias != nil {
		b = f32(bias).data
		if len(b) != n {
			panic("cpu: layernorm bias does not match the last axis")
		}
	}

	parallel(ctx, len(a.data)/n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := a.data[r*n : (r+1)*n]
			dst := out.data[r*n : (r+1)*n]

			var mean float32
			for _, v := range row {
				mean += v
			}
			mean /= float32(n)

			var variance float32
			for _, v := range row {
				d := v - mean
				variance += d * d
			}
			variance /= float32(n)

			scale := 1 / math32.Sqrt(variance+eps)
			for i, v := range row {
				y := (v - mean) * scale
				if w != nil {
					y *= w[i]
				}
				if b != nil {
					y += b[i]
				}

				dst[i] = y
			}
		}
	})

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	a := f32(t)
	out := newTensor(ml.DTypeF32, a.shape)

	f := float32(s)
	for i, v := range a.data {
		out.data[i] = v * f
	}

	return out
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	a := f32(t)
	out := newTensor(ml.DTypeF32, a.shape)

	for i, v := range a.data {
		out.data[i] = 0.5 * v * (1 + float32(math.Erf(float64(v)/math.Sqrt2)))
	}

	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numElements(shape) != numElements(t.shape) {
		panic("cpu: reshape changes the element count")
	}

	out := *t
	out.shape = append([]int(nil), shape...)
	return &out
}

func (t *Tensor) Transpose(ctx ml.Context, order ...int) ml.Tensor {
	a := f32(t)
	rank := len(a.shape)
	if len(order) != rank {
		panic("cpu: transpose needs a full axis order")
	}

	seen := make([]bool, rank)
	shape := make([]int, rank)
	for i, d := range order {
		if d < 0 || d >= rank || seen[d] {
			panic("cpu: invalid axis order")
		}

		seen[d] = true
		shape[i] = a.shape[d]
	}

	src := rowMajorStrides(a.shape)
	strides := make([]int, rank)
	for i, d := range order {
		strides[i] = src[d]
	}

	out := newTensor(ml.DTypeF32, shape)
	coord := make([]int, rank)
	si := 0
	for i := range out.data {
		out.data[i] = a.data[si]

		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			si += strides[d]
			if coord[d] < shape[d] {
				break
			}

			si -= coord[d] * strides[d]
			coord[d] = 0
		}
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	a, b := f32(t), f32(t2)
	if len(a.shape) != len(b.shape) {
		panic("cpu: concat operands have different ranks")
	}
	if dim < 0 || dim >= len(a.shape) {
		panic("cpu: concat dimension out of range")
	}
	for d := range a.shape {
		if d != dim && a.shape[d] != b.shape[d] {
			panic("cpu: concat operands do not line up")
		}
	}

	shape := append([]int(nil), a.shape...)
	shape[dim] += b.shape[dim]
	out := newTensor(ml.DTypeF32, shape)

	outer := numElements(a.shape[:dim])
	ainner := numElements(a.shape[dim:])
	binner := numElements(b.shape[dim:])
	for i := 0; i < outer; i++ {
		copy(out.data[i*(ainner+binner):], a.data[i*ainner:(i+1)*ainner])
		copy(out.data[i*(ainner+binner)+ainner:], b.data[i*binner:(i+1)*binner])
	}

	return out
}

func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a := f32(t)
	if len(a.shape) != 2 {
		panic("cpu: rows needs a 2d table")
	}

	idx, ok := t2.(*Tensor)
	if !ok || idx.dtype != ml.DTypeI32 {
		panic("cpu: rows needs i32 indices")
	}

	rows, cols := a.shape[0], a.shape[1]
	shape := append(append([]int(nil), idx.shape...), cols)
	out := newTensor(ml.DTypeF32, shape)
	for i, ix := range idx.ints {
		if ix < 0 || int(ix) >= rows {
			panic("cpu: row index out of range")
		}

		copy(out.data[i*cols:(i+1)*cols], a.data[int(ix)*cols:(int(ix)+1)*cols])
	}

	return out
}

func (t *Tensor) Slice(ctx ml.Context, dim, start, stop int) ml.Tensor {
	a := f32(t)
	if dim < 0 || dim >= len(a.shape) {
		panic("cpu: slice dimension out of range")
	}
	if start < 0 || stop < start || stop > a.shape[dim] {
		panic("cpu: slice bounds out of range")
	}

	shape := append([]int(nil), a.shape...)
	shape[dim] = stop - start
	out := newTensor(ml.DTypeF32, shape)

	outer := numElements(a.shape[:dim])
	inner := numElements(a.shape[dim+1:])
	for i := 0; i < outer; i++ {
		src := a.data[(i*a.shape[dim]+start)*inner : (i*a.shape[dim]+stop)*inner]
		copy(out.data[i*(stop-start)*inner:], src)
	}

	return out
}
