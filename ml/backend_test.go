package ml_test

import (
	"strings"
	"testing"

	"github.com/KaiHe-better/PathLLM/envconfig"
	"github.com/KaiHe-better/PathLLM/ml"
	_ "github.com/KaiHe-better/PathLLM/ml/backend"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()

	b, err := ml.NewBackend(ml.BackendParams{NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { b.NewContext().Close() })
	return b.NewContext()
}

func TestNewBackend(t *testing.T) {
	b, err := ml.NewBackend(ml.BackendParams{})
	if err != nil {
		t.Fatal(err)
	}

	if b == nil {
		t.Fatal("expected a backend")
	}
}

func TestNewBackendUnknown(t *testing.T) {
	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("PATHLLM_BACKEND", "tpu")
	envconfig.LoadConfig()

	if _, err := ml.NewBackend(ml.BackendParams{}); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestRegisterBackendDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()

	f := func(ml.BackendParams) (ml.Backend, error) { return nil, nil }
	ml.RegisterBackend("duplicate", f)
	ml.RegisterBackend("duplicate", f)
}

func TestDump(t *testing.T) {
	ctx := newTestContext(t)

	cases := []struct {
		name string
		t    ml.Tensor
		opts []ml.DumpOptions
		want string
	}{
		{
			name: "f32",
			t:    ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
			want: "[[1.0000, 2.0000, 3.0000],\n [4.0000, 5.0000, 6.0000]]",
		},
		{
			name: "i32 elided",
			t:    ctx.FromInts([]int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10),
			want: "[0, 1, 2, ..., 7, 8, 9]",
		},
		{
			name: "precision",
			t:    ctx.FromFloats([]float32{0.125}, 1),
			opts: []ml.DumpOptions{{Items: 3, Precision: 2}},
			want: "[0.12]",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := ml.Dump(tt.t, tt.opts...); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestDumpBF16(t *testing.T) {
	ctx := newTestContext(t)

	x := ctx.FromFloats([]float32{1, 2}, 2).Cast(ctx, ml.DTypeBF16)
	if got := ml.Dump(x); !strings.HasPrefix(got, "[1.0000") {
		t.Errorf("got %s", got)
	}
}

func TestDTypeString(t *testing.T) {
	cases := map[ml.DType]string{
		ml.DTypeF32:  "f32",
		ml.DTypeF16:  "f16",
		ml.DTypeBF16: "bf16",
		ml.DTypeI32:  "i32",
	}

	for dtype, want := range cases {
		if got := dtype.String(); got != want {
			t.Errorf("%d: got %s, want %s", dtype, got, want)
		}
	}
}
