package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/KaiHe-better/PathLLM/checkpoint"
	"github.com/KaiHe-better/PathLLM/fs"
	"github.com/KaiHe-better/PathLLM/ml"
	_ "github.com/KaiHe-better/PathLLM/ml/backend"
	"github.com/KaiHe-better/PathLLM/model/input"
)

// Model implements a specific encoder architecture, defining the forward
// pass and any architecture-specific configuration
type Model interface {
	Forward(ml.Context, input.Batch) (ml.Tensor, error)

	Backend() ml.Backend
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

var models = make(map[string]func(ml.Context, fs.Config) (Model, error))

// Register registers a model constructor for the given architecture.
// Constructors allocate and initialize every parameter; pretrained
// weights are applied on top afterwards.
func Register(name string, f func(ml.Context, fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// LoadReport describes how a checkpoint lined up with the model it was
// applied to. Either list being non-empty is not an error.
type LoadReport struct {
	// Missing names parameters the checkpoint did not provide. They
	// keep their constructed initialization.
	Missing []string

	// Unexpected names checkpoint tensors no parameter claimed, in
	// checkpoint order.
	Unexpected []string
}

// New initializes the registered architecture named by the configuration
// and applies the pretrained checkpoint on top. An empty pretrained path
// or a path that does not exist leaves the model randomly initialized,
// matching how upstream slide encoders hand out their weights.
func New(kv fs.Config, pretrained string, params ml.BackendParams) (Model, *LoadReport, error) {
	b, err := ml.NewBackend(params)
	if err != nil {
		return nil, nil, err
	}

	arch := kv.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	ctx := b.NewContext()
	m, err := f(ctx, kv)
	if err != nil {
		return nil, nil, err
	}

	var st *checkpoint.State
	if pretrained != "" {
		path := checkpoint.Resolve(pretrained)
		if _, err := os.Stat(path); err != nil {
			slog.Warn("pretrained checkpoint not found, keeping random initialization", "path", path)
		} else {
			st, err = checkpoint.Load(path)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	report, err := populate(ctx, Base{b: b}, m, st)
	if err != nil {
		return nil, nil, err
	}

	if len(report.Missing) > 0 {
		slog.Warn("checkpoint is missing tensors", "count", len(report.Missing), "names", report.Missing)
	}

	if len(report.Unexpected) > 0 {
		slog.Warn("checkpoint has unexpected tensors", "count", len(report.Unexpected), "names", report.Unexpected)
	}

	return m, report, nil
}

// Apply overwrites model parameters with the checkpoint tensors that
// name them. Parameters keep their constructed shape; a checkpoint
// tensor only needs to carry the same number of elements, which lets a
// stored [1, n, d] positional table land in an [n, d] parameter.
func Apply(ctx ml.Context, m Model, st *checkpoint.State) (*LoadReport, error) {
	return populate(ctx, Base{b: m.Backend()}, m, st)
}

func populate(ctx ml.Context, base Base, m Model, st *checkpoint.State) (*LoadReport, error) {
	a := applier{ctx: ctx, st: st, used: make(map[string]bool)}

	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("model must be a non-nil pointer, got %T", m)
	}

	if err := a.apply(base, v.Elem()); err != nil {
		return nil, err
	}

	report := &LoadReport{Missing: a.missing}
	if st != nil {
		for _, name := range st.Names() {
			if !a.used[name] {
				report.Unexpected = append(report.Unexpected, name)
			}
		}
	}

	return report, nil
}

type applier struct {
	ctx     ml.Context
	st      *checkpoint.State
	used    map[string]bool
	missing []string
}

func (a *applier) apply(base Base, v reflect.Value, tags ...Tag) error {
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return nil
	}

	for i := range t.NumField() {
		tt := t.Field(i).Type
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		// make a copy
		tagsCopy := tags
		if tag := t.Field(i).Tag.Get("weight"); tag != "" {
			tagsCopy = append(tagsCopy, ParseTags(tag))
		}

		switch {
		case tt == reflect.TypeOf((*Base)(nil)).Elem():
			vv.Set(reflect.ValueOf(base))
		case tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem():
			if err := a.applyTensor(vv, tagsCopy); err != nil {
				return err
			}
		case tt.Kind() == reflect.Pointer:
			if !vv.IsNil() {
				if err := a.apply(base, vv.Elem(), tagsCopy...); err != nil {
					return err
				}
			}
		case tt.Kind() == reflect.Interface:
			if !vv.IsNil() && vv.Elem().Kind() == reflect.Pointer && !vv.Elem().IsNil() {
				if err := a.apply(base, vv.Elem().Elem(), tagsCopy...); err != nil {
					return err
				}
			}
		case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
			for i := range vv.Len() {
				vvv := vv.Index(i)
				tagsIndex := append(tagsCopy, Tag{Name: strconv.Itoa(i)})
				switch vvv.Kind() {
				case reflect.Pointer:
					if !vvv.IsNil() {
						if err := a.apply(base, vvv.Elem(), tagsIndex...); err != nil {
							return err
						}
					}
				case reflect.Struct:
					if err := a.apply(base, vvv, tagsIndex...); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func (a *applier) applyTensor(v reflect.Value, tags []Tag) error {
	if a.st == nil || len(tags) == 0 {
		return nil
	}

	var fn func(tags []Tag) [][]string
	fn = func(tags []Tag) (values [][]string) {
		if len(tags) < 1 {
			return nil
		}

		values = [][]string{{tags[0].Name}}
		for _, alt := range tags[0].Alternate {
			values = append(values, []string{alt})
		}

		for i, value := range values {
			for _, rest := range fn(tags[1:]) {
				value = append(value, rest...)
			}

			values[i] = value
		}

		return values
	}

	names := fn(tags)

	var entry checkpoint.Entry
	var found string
	for _, name := range names {
		joined := strings.Join(name, ".")
		if e, ok := a.st.Get(joined); ok {
			entry, found = e, joined
			break
		}
	}

	if found == "" {
		a.missing = append(a.missing, strings.Join(names[0], "."))
		return nil
	}

	a.used[found] = true

	shape := entry.Shape
	if !v.IsNil() {
		shape = v.Interface().(ml.Tensor).Shape()
		if n := mul(shape); n != entry.Elements() {
			return fmt.Errorf("tensor %s: checkpoint shape %v does not fit model shape %v", found, entry.Shape, shape)
		}
	}

	slog.Debug("applied tensor", "name", found, "shape", shape)
	v.Set(reflect.ValueOf(a.ctx.FromFloats(entry.Data, shape...)))

	return nil
}

func mul(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

// Forward runs one batch through the model. Shape checks beyond the
// bare minimum are the model's job so errors carry its context.
func Forward(ctx ml.Context, m Model, batch input.Batch) (ml.Tensor, error) {
	if batch.Query == nil || batch.Context == nil || batch.Coords == nil {
		return nil, errors.New("batch needs query, context and coords tensors")
	}

	return m.Forward(ctx, batch)
}
