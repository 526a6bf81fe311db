package longnet

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KaiHe-better/PathLLM/ml"
	_ "github.com/KaiHe-better/PathLLM/ml/backend"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()

	b, err := ml.NewBackend(ml.BackendParams{NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}

	return b.NewContext()
}

func testOptions() Options {
	return Options{
		Depth:     2,
		Dim:       8,
		Heads:     2,
		MlpRatio:  2,
		Eps:       1e-5,
		Segments:  []int{4, 8},
		Dilations: []int{1, 2},
	}
}

func randomFloats(r *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = r.Float32()*2 - 1
	}

	return s
}

func checkFinite(t *testing.T, s []float32) {
	t.Helper()

	for i, v := range s {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value %d is %f", i, v)
		}
	}
}

func TestParseName(t *testing.T) {
	cases := []struct {
		name    string
		want    Options
		wantErr bool
	}{
		{
			name: "LongNet_12_layers_1024_dim",
			want: Options{
				Depth:     12,
				Dim:       1024,
				Heads:     8,
				MlpRatio:  4,
				Eps:       1e-5,
				Segments:  DefaultSegments,
				Dilations: DefaultDilations,
			},
		},
		{
			name: "LongNet_2_layers_512_dim_mlp2",
			want: Options{
				Depth:     2,
				Dim:       512,
				Heads:     8,
				MlpRatio:  2,
				Eps:       1e-5,
				Segments:  DefaultSegments,
				Dilations: DefaultDilations,
			},
		},
		{name: "LongNet_12_layers", wantErr: true},
		{name: "vit_base_patch16", wantErr: true},
		{name: "LongNet_x_layers_y_dim", wantErr: true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseName(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}

				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseName() returned unexpected options (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOptimalSegmentLengths(t *testing.T) {
	cases := []struct {
		maxSize, tileSize int
		want              []int
	}{
		{262144, 256, []int{512, 3444, 23170, 155871, 1048576}},
		{131072, 256, []int{512, 2435, 11585, 55108, 262144}},
	}

	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, OptimalSegmentLengths(tt.maxSize, tt.tileSize)); diff != "" {
			t.Errorf("OptimalSegmentLengths(%d, %d) (-want +got):\n%s", tt.maxSize, tt.tileSize, diff)
		}
	}
}

func TestFromName(t *testing.T) {
	ctx := newTestContext(t)

	enc, err := FromName(ctx, rand.New(rand.NewPCG(1, 2)), "LongNet_3_layers_16_dim")
	if err != nil {
		t.Fatal(err)
	}

	if len(enc.Layers) != 3 {
		t.Errorf("expected 3 layers, got %d", len(enc.Layers))
	}

	if _, err := FromName(ctx, rand.New(rand.NewPCG(1, 2)), "not_a_longnet"); err == nil {
		t.Error("expected error for unknown name")
	}
}

func TestEncoderShape(t *testing.T) {
	ctx := newTestContext(t)
	enc := New(ctx, rand.New(rand.NewPCG(1, 2)), testOptions())

	r := rand.New(rand.NewPCG(3, 4))

	// covers length below, at, just past and at multiples of the
	// smallest segment size
	for _, length := range []int{1, 3, 4, 5, 8, 16} {
		x := ctx.FromFloats(randomFloats(r, length*8), 1, length, 8)

		out := enc.Forward(ctx, x, nil)
		if diff := cmp.Diff([]int{1, length, 8}, out.Shape()); diff != "" {
			t.Errorf("length %d: unexpected shape (-want +got):\n%s", length, diff)
		}

		checkFinite(t, out.Floats())
	}
}

func TestEncoderDeterminism(t *testing.T) {
	ctx := newTestContext(t)

	x := randomFloats(rand.New(rand.NewPCG(3, 4)), 5*8)

	var runs [][]float32
	for range 2 {
		enc := New(ctx, rand.New(rand.NewPCG(1, 2)), testOptions())
		out := enc.Forward(ctx, ctx.FromFloats(x, 1, 5, 8), nil)
		runs = append(runs, out.Floats())
	}

	if diff := cmp.Diff(runs[0], runs[1]); diff != "" {
		t.Errorf("same seed and input gave different outputs (-first +second):\n%s", diff)
	}
}

func TestEncoderPaddingIsolation(t *testing.T) {
	ctx := newTestContext(t)

	opts := testOptions()
	opts.Segments = []int{8, 8}

	enc := New(ctx, rand.New(rand.NewPCG(1, 2)), opts)

	valid := randomFloats(rand.New(rand.NewPCG(3, 4)), 4*8)

	// same four tokens, then two padded tokens with junk content
	padded := make([]float32, 6*8)
	copy(padded, valid)
	for i := 4 * 8; i < len(padded); i++ {
		padded[i] = 9
	}

	out4 := enc.Forward(ctx, ctx.FromFloats(valid, 1, 4, 8), nil)
	out6 := enc.Forward(ctx,
		ctx.FromFloats(padded, 1, 6, 8),
		ctx.FromFloats([]float32{0, 0, 0, 0, 1, 1}, 1, 6))

	checkFinite(t, out6.Floats())

	got := out6.Slice(ctx, 1, 0, 4).Floats()
	want := out4.Floats()
	for i := range want {
		if math.Abs(float64(got[i])-float64(want[i])) > 1e-5 {
			t.Fatalf("value %d: got %f, want %f", i, got[i], want[i])
		}
	}
}
