package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/KaiHe-better/PathLLM/envconfig"
)

func float32Tensor(shape []int, data []float32) *pytorch.Tensor {
	return &pytorch.Tensor{
		Source: &pytorch.FloatStorage{BaseStorage: pytorch.BaseStorage{Size: len(data)}, Data: data},
		Size:   shape,
	}
}

func TestDecodeStateDict(t *testing.T) {
	d := types.NewDict()
	d.Set("pos_embed", float32Tensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6}))
	d.Set("norm.weight", float32Tensor([]int{3}, []float32{1, 1, 1}))

	st, err := decodeState(d)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"pos_embed", "norm.weight"}, st.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}

	e, ok := st.Get("pos_embed")
	if !ok {
		t.Fatal("pos_embed missing")
	}

	if diff := cmp.Diff(Entry{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}}, e); diff != "" {
		t.Errorf("unexpected entry (-want +got):\n%s", diff)
	}

	if e.Elements() != 6 {
		t.Errorf("expected 6 elements, got %d", e.Elements())
	}
}

func TestDecodeStateOrderedDict(t *testing.T) {
	d := types.NewOrderedDict()
	d.Set("a.weight", float32Tensor([]int{2}, []float32{1, 2}))
	d.Set("a.bias", float32Tensor([]int{2}, []float32{3, 4}))

	st, err := decodeState(d)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a.weight", "a.bias"}, st.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestDecodeStateModelEnvelope(t *testing.T) {
	inner := types.NewOrderedDict()
	inner.Set("fc1.weight", float32Tensor([]int{1, 2}, []float32{5, 6}))

	outer := types.NewDict()
	outer.Set("model", inner)
	outer.Set("epoch", 12)

	st, err := decodeState(outer)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"fc1.weight"}, st.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

// A tensor that happens to be named "model" is not an envelope.
func TestDecodeStateModelTensor(t *testing.T) {
	d := types.NewDict()
	d.Set("model", float32Tensor([]int{1}, []float32{7}))

	st, err := decodeState(d)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"model"}, st.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestDecodeStateSkipsNonTensors(t *testing.T) {
	d := types.NewDict()
	d.Set("steps", 1000)
	d.Set("w", float32Tensor([]int{1}, []float32{1}))
	d.Set("arch", "gigapath_slide_enc2l512d")

	st, err := decodeState(d)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"w"}, st.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestDecodeStateRejectsUnknownLayout(t *testing.T) {
	if _, err := decodeState([]any{"not", "a", "dict"}); err == nil {
		t.Fatal("expected layout error")
	}
}

func TestConvertStorages(t *testing.T) {
	cases := []struct {
		name   string
		tensor *pytorch.Tensor
		want   []float32
	}{
		{
			name: "half",
			tensor: &pytorch.Tensor{
				Source: &pytorch.HalfStorage{BaseStorage: pytorch.BaseStorage{Size: 2}, Data: []float32{0.5, -1.5}},
				Size:   []int{2},
			},
			want: []float32{0.5, -1.5},
		},
		{
			name: "bfloat16",
			tensor: &pytorch.Tensor{
				Source: &pytorch.BFloat16Storage{BaseStorage: pytorch.BaseStorage{Size: 2}, Data: []float32{2, 4}},
				Size:   []int{2},
			},
			want: []float32{2, 4},
		},
		{
			name: "double",
			tensor: &pytorch.Tensor{
				Source: &pytorch.DoubleStorage{BaseStorage: pytorch.BaseStorage{Size: 2}, Data: []float64{1.25, 2.5}},
				Size:   []int{2},
			},
			want: []float32{1.25, 2.5},
		},
		{
			name: "offset view",
			tensor: &pytorch.Tensor{
				Source:        &pytorch.FloatStorage{BaseStorage: pytorch.BaseStorage{Size: 6}, Data: []float32{9, 9, 1, 2, 3, 4}},
				StorageOffset: 2,
				Size:          []int{2, 2},
			},
			want: []float32{1, 2, 3, 4},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			e, err := convert(tt.tensor)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, e.Data); diff != "" {
				t.Errorf("unexpected data (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConvertErrors(t *testing.T) {
	if _, err := convert(&pytorch.Tensor{
		Source: &pytorch.IntStorage{BaseStorage: pytorch.BaseStorage{Size: 1}, Data: []int32{1}},
		Size:   []int{1},
	}); err == nil {
		t.Error("expected unsupported storage error")
	}

	if _, err := convert(&pytorch.Tensor{
		Source:        &pytorch.FloatStorage{BaseStorage: pytorch.BaseStorage{Size: 2}, Data: []float32{1, 2}},
		StorageOffset: 1,
		Size:          []int{2},
	}); err == nil {
		t.Error("expected out of bounds error")
	}
}

func TestResolve(t *testing.T) {
	want := filepath.Join(envconfig.Models, "slide_encoder.pth")
	if got := Resolve("hf_hub:prov-gigapath/prov-gigapath"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	if got := Resolve("testdata/slide_encoder.pth"); got != "testdata/slide_encoder.pth" {
		t.Errorf("expected path to pass through, got %s", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.pth")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
