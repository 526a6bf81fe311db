// Package checkpoint reads PyTorch .pth/.pt archives into an ordered
// name-to-tensor state that can be applied onto a constructed model.
// Storage is decoded to float32 regardless of the saved dtype.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/KaiHe-better/PathLLM/envconfig"
	"github.com/KaiHe-better/PathLLM/logutil"
)

// Entry is one tensor from a checkpoint.
type Entry struct {
	Shape []int
	Data  []float32
}

func (e Entry) Elements() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}

	return n
}

// State holds checkpoint tensors in file order.
type State struct {
	entries *linkedhashmap.Map[string, Entry]
}

// NewState returns an empty state. Load fills one from an archive;
// tests and converters can assemble their own.
func NewState() *State {
	return &State{entries: linkedhashmap.New[string, Entry]()}
}

// Put adds or replaces an entry, keeping insertion order.
func (s *State) Put(name string, e Entry) {
	s.entries.Put(name, e)
}

func (s *State) Get(name string) (Entry, bool) {
	return s.entries.Get(name)
}

func (s *State) Names() []string {
	return s.entries.Keys()
}

func (s *State) Len() int {
	return s.entries.Size()
}

// Resolve maps a model hub identifier such as
// "hf_hub:prov-gigapath/prov-gigapath" to its local cache path.
// Plain filesystem paths pass through unchanged. Downloading the
// checkpoint into the cache is the caller's concern.
func Resolve(pretrained string) string {
	if _, ok := strings.CutPrefix(pretrained, "hf_hub:"); ok {
		return filepath.Join(envconfig.Models, "slide_encoder.pth")
	}

	return pretrained
}

// Load reads a PyTorch checkpoint. Archives that wrap the state dict in
// a {"model": ...} envelope and bare state dicts both load.
func Load(path string) (*State, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	st, err := decodeState(obj)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	return st, nil
}

func decodeState(obj any) (*State, error) {
	if inner, ok := dictValue(obj, "model"); ok {
		switch inner.(type) {
		case *types.Dict, *types.OrderedDict:
			obj = inner
		}
	}

	st := NewState()

	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("tensor name is %T, not string", key)
		}

		t, ok := value.(*pytorch.Tensor)
		if !ok {
			// optimizer state, scalar metadata and the like
			logutil.Trace("skipping non-tensor entry", "name", name, "type", fmt.Sprintf("%T", value))
			return nil
		}

		e, err := convert(t)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}

		logutil.Trace("read tensor", "name", name, "shape", e.Shape)
		st.Put(name, e)
		return nil
	}

	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := add(k, d.MustGet(k)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint layout %T", obj)
	}

	return st, nil
}

// convert decodes a pickled tensor to float32, honoring the view's
// storage offset. Tensors are assumed contiguous, which holds for
// anything torch.save wrote from a state dict.
func convert(t *pytorch.Tensor) (Entry, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}

	var f32s []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	case *pytorch.DoubleStorage:
		f32s = make([]float32, len(s.Data))
		for i, v := range s.Data {
			f32s[i] = float32(v)
		}
	default:
		return Entry{}, fmt.Errorf("unsupported storage type %T", s)
	}

	if t.StorageOffset < 0 || t.StorageOffset+n > len(f32s) {
		return Entry{}, fmt.Errorf("storage holds %d elements, view wants [%d, %d)", len(f32s), t.StorageOffset, t.StorageOffset+n)
	}

	e := Entry{
		Shape: append([]int(nil), t.Size...),
		Data:  make([]float32, n),
	}
	copy(e.Data, f32s[t.StorageOffset:t.StorageOffset+n])

	return e, nil
}

func dictValue(obj any, key string) (any, bool) {
	switch d := obj.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		if e, ok := d.Map[key]; ok {
			return e.Value, true
		}
	}

	return nil, false
}
