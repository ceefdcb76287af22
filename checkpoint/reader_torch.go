package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/jmorganca/advanced-controlnet/ml"
)

// ReadTorch reads a pickled PyTorch state dict. Nested dictionaries are
// flattened with dotted names; entries that are not tensors are kept as
// markers without data.
func ReadTorch(path string) (*StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	d, ok := pt.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("unsupported pickle root %T", pt)
	}

	sd := NewStateDict()
	if err := readTorchDict(sd, "", d); err != nil {
		return nil, err
	}

	return sd, nil
}

func readTorchDict(sd *StateDict, prefix string, d *types.Dict) error {
	for _, k := range d.Keys() {
		key, ok := k.(string)
		if !ok {
			continue
		}

		name := prefix + key
		switch v := d.MustGet(k).(type) {
		case *types.Dict:
			if err := readTorchDict(sd, name+".", v); err != nil {
				return err
			}
		case *pytorch.Tensor:
			t, err := torchTensor(name, v)
			if err != nil {
				return err
			}
			sd.Set(t)
		default:
			sd.Set(&Tensor{Name: name, DType: ml.DTypeOther})
		}
	}

	return nil
}

func torchTensor(name string, pt *pytorch.Tensor) (*Tensor, error) {
	shape := make([]int, len(pt.Size))
	copy(shape, pt.Size)

	t := &Tensor{Name: name, Shape: shape}
	n, offset := t.Elements(), pt.StorageOffset

	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		t.DType = ml.DTypeF32
		t.load = func() ([]float32, error) { return window(s.Data, offset, n) }
	case *pytorch.HalfStorage:
		t.DType = ml.DTypeF16
		t.load = func() ([]float32, error) { return window(s.Data, offset, n) }
	case *pytorch.BFloat16Storage:
		t.DType = ml.DTypeBF16
		t.load = func() ([]float32, error) { return window(s.Data, offset, n) }
	case *pytorch.DoubleStorage:
		t.DType = ml.DTypeF32
		t.load = func() ([]float32, error) {
			f64s, err := window(s.Data, offset, n)
			if err != nil {
				return nil, err
			}

			f32s := make([]float32, len(f64s))
			for i, v := range f64s {
				f32s[i] = float32(v)
			}
			return f32s, nil
		}
	default:
		return nil, fmt.Errorf("%s: unsupported storage %T", name, pt.Source)
	}

	return t, nil
}

// window returns the n contiguous elements of s starting at offset.
func window[T any](s []T, offset, n int) ([]T, error) {
	if offset < 0 || offset+n > len(s) {
		return nil, fmt.Errorf("storage has %d elements, need %d at offset %d", len(s), n, offset)
	}

	out := make([]T, n)
	copy(out, s[offset:offset+n])
	return out, nil
}
