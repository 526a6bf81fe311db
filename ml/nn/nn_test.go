package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLinear(t *testing.T) {
	ctx := newTestContext(t)

	m := &Linear{
		Weight: ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		Bias:   ctx.FromFloats([]float32{10, 20}, 2),
	}

	out := m.Forward(ctx, ctx.FromFloats([]float32{1, 1, 1}, 1, 1, 3))
	compareFloats(t, "linear", out.Floats(), []float32{16, 35}, 1e-6)

	m.Bias = nil
	out = m.Forward(ctx, ctx.FromFloats([]float32{1, 1, 1}, 1, 1, 3))
	compareFloats(t, "linear without bias", out.Floats(), []float32{6, 15}, 1e-6)
}

func TestLayerNorm(t *testing.T) {
	ctx := newTestContext(t)

	plain := NewLayerNorm(ctx, 4)
	x := ctx.FromFloats([]float32{1, 2, 3, 10}, 1, 1, 4)

	normed := plain.Forward(ctx, x, 1e-5)

	var mean, varsum float64
	for _, v := range normed.Floats() {
		mean += float64(v)
	}
	mean /= 4

	for _, v := range normed.Floats() {
		varsum += (float64(v) - mean) * (float64(v) - mean)
	}

	if math.Abs(mean) > 1e-5 {
		t.Errorf("normalized mean is %f, want 0", mean)
	}

	if v := varsum / 4; math.Abs(v-1) > 1e-3 {
		t.Errorf("normalized variance is %f, want 1", v)
	}

	// affine parameters apply after normalization
	affine := &LayerNorm{
		Weight: ctx.FromFloats([]float32{2, 2, 2, 2}, 4),
		Bias:   ctx.FromFloats([]float32{1, 1, 1, 1}, 4),
	}

	got := affine.Forward(ctx, x, 1e-5).Floats()
	want := make([]float32, 4)
	for i, v := range normed.Floats() {
		want[i] = 2*v + 1
	}

	compareFloats(t, "affine layernorm", got, want, 1e-5)
}

func TestMlp(t *testing.T) {
	ctx := newTestContext(t)

	eye := identity(ctx, 2)
	m := &Mlp{
		FC1: &Linear{Weight: eye},
		FC2: &Linear{Weight: eye},
	}

	// identity linears reduce the block to its activation
	x := ctx.FromFloats([]float32{-1, 2}, 1, 1, 2)
	got := m.Forward(ctx, x)
	want := x.GELU(ctx)

	compareFloats(t, "mlp", got.Floats(), want.Floats(), 1e-6)
}

func TestLayerScale(t *testing.T) {
	ctx := newTestContext(t)

	m := &LayerScale{Gamma: ctx.FromFloats([]float32{2, 0.5}, 2)}
	out := m.Forward(ctx, ctx.FromFloats([]float32{3, 4}, 1, 1, 2))
	compareFloats(t, "layerscale", out.Floats(), []float32{6, 2}, 1e-6)

	var missing *LayerScale
	x := ctx.FromFloats([]float32{3, 4}, 1, 1, 2)
	if missing.Forward(ctx, x) != x {
		t.Error("nil layerscale is not the identity")
	}
}

func TestDropout(t *testing.T) {
	ctx := newTestContext(t)
	m := &Dropout{P: 0.5}

	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(i + 1)
	}
	x := ctx.FromFloats(data, 1, 64)

	if m.Forward(ctx, x, false) != x {
		t.Error("dropout is not the identity at inference")
	}

	out := m.Forward(ctx, x, true).Floats()

	var zeros int
	for i, v := range out {
		if v == 0 {
			zeros++
		} else if math.Abs(float64(v)-2*float64(data[i])) > 1e-6 {
			t.Fatalf("survivor %d is %f, want %f", i, v, 2*data[i])
		}
	}

	if zeros == 0 || zeros == len(out) {
		t.Errorf("dropped %d of %d values", zeros, len(out))
	}
}

func TestDropPath(t *testing.T) {
	ctx := newTestContext(t)
	m := &DropPath{P: 0.5}

	data := make([]float32, 128)
	for i := range data {
		data[i] = float32(i + 1)
	}
	x := ctx.FromFloats(data, 64, 1, 2)

	if m.Forward(ctx, x, false) != x {
		t.Error("droppath is not the identity at inference")
	}

	out := m.Forward(ctx, x, true).Floats()

	var dropped int
	for i := 0; i < 64; i++ {
		a, b := out[2*i], out[2*i+1]
		switch {
		case a == 0 && b == 0:
			dropped++
		case a == 2*data[2*i] && b == 2*data[2*i+1]:
		default:
			t.Fatalf("sample %d is partially dropped: %f %f", i, a, b)
		}
	}

	if dropped == 0 || dropped == 64 {
		t.Errorf("dropped %d of 64 samples", dropped)
	}
}

func TestConstructors(t *testing.T) {
	ctx := newTestContext(t)

	a := NewLinear(ctx, rand.New(rand.NewPCG(1, 2)), 4, 3, true)
	b := NewLinear(ctx, rand.New(rand.NewPCG(1, 2)), 4, 3, true)

	if diff := cmp.Diff(a.Weight.Floats(), b.Weight.Floats()); diff != "" {
		t.Errorf("same seed produced different weights:\n%s", diff)
	}

	if diff := cmp.Diff([]int{3, 4}, a.Weight.Shape()); diff != "" {
		t.Errorf("unexpected weight shape (-want +got):\n%s", diff)
	}

	limit := math.Sqrt(6.0 / 7)
	for i, v := range a.Weight.Floats() {
		if math.Abs(float64(v)) > limit {
			t.Errorf("weight %d is %f, outside the xavier bound %f", i, v, limit)
		}
	}

	for _, v := range a.Bias.Floats() {
		if v != 0 {
			t.Fatal("bias is not zero initialized")
		}
	}

	norm := NewLayerNorm(ctx, 3)
	compareFloats(t, "norm weight", norm.Weight.Floats(), []float32{1, 1, 1}, 0)
	compareFloats(t, "norm bias", norm.Bias.Floats(), []float32{0, 0, 0}, 0)

	scale := NewLayerScale(ctx, 2, 1e-5)
	compareFloats(t, "gamma", scale.Gamma.Floats(), []float32{1e-5, 1e-5}, 0)

	sa := NewMultiheadAttention(ctx, rand.New(rand.NewPCG(3, 4)), 4, 2)
	if diff := cmp.Diff([]int{12, 4}, sa.InProjWeight.Shape()); diff != "" {
		t.Errorf("unexpected packed shape (-want +got):\n%s", diff)
	}
	if sa.heads != 2 {
		t.Errorf("heads is %d, want 2", sa.heads)
	}

	mlp := NewMlp(ctx, rand.New(rand.NewPCG(5, 6)), 4, 16)
	if diff := cmp.Diff([]int{16, 4}, mlp.FC1.Weight.Shape()); diff != "" {
		t.Errorf("unexpected fc1 shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 16}, mlp.FC2.Weight.Shape()); diff != "" {
		t.Errorf("unexpected fc2 shape (-want +got):\n%s", diff)
	}
}
