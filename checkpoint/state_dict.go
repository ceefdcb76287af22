// Package checkpoint reads ControlNet and T2I-Adapter checkpoints, detects
// which kind of network they hold and builds controllers from them.
package checkpoint

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/jmorganca/advanced-controlnet/ml"
)

// Tensor is a named checkpoint tensor. Its data is read on first use.
type Tensor struct {
	Name  string
	DType ml.DType
	Shape []int

	load func() ([]float32, error)
	data []float32
}

// Floats returns the tensor data widened to float32.
func (t *Tensor) Floats() ([]float32, error) {
	if t.data != nil {
		return t.data, nil
	}

	if t.load == nil {
		return nil, fmt.Errorf("%s: tensor has no data", t.Name)
	}

	data, err := t.load()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.Name, err)
	}

	if n := t.Elements(); len(data) != n {
		return nil, fmt.Errorf("%s: expected %d elements, got %d", t.Name, n, len(data))
	}

	t.data = data
	return data, nil
}

// Elements is the number of elements described by Shape. Scalars and
// non-tensor entries have zero elements.
func (t *Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}

	return ml.Elements(t.Shape...)
}

// Size is the stored size in bytes.
func (t *Tensor) Size() uint64 {
	if t.DType.IsHalf() {
		return uint64(t.Elements()) * 2
	}

	return uint64(t.Elements()) * 4
}

// Dim returns dimension n of the shape, or 0 when out of range.
func (t *Tensor) Dim(n int) int {
	if n < 0 || n >= len(t.Shape) {
		return 0
	}

	return t.Shape[n]
}

// StateDict maps parameter names to tensors.
type StateDict struct {
	tensors map[string]*Tensor
}

func NewStateDict(tensors ...*Tensor) *StateDict {
	sd := &StateDict{tensors: make(map[string]*Tensor, len(tensors))}
	for _, t := range tensors {
		sd.Set(t)
	}

	return sd
}

// Set adds t, replacing any tensor with the same name.
func (sd *StateDict) Set(t *Tensor) {
	sd.tensors[t.Name] = t
}

func (sd *StateDict) Get(name string) (*Tensor, bool) {
	t, ok := sd.tensors[name]
	return t, ok
}

func (sd *StateDict) Has(name string) bool {
	_, ok := sd.tensors[name]
	return ok
}

func (sd *StateDict) Delete(name string) {
	delete(sd.tensors, name)
}

func (sd *StateDict) Len() int {
	return len(sd.tensors)
}

// Keys returns every tensor name in sorted order.
func (sd *StateDict) Keys() []string {
	keys := maps.Keys(sd.tensors)
	slices.Sort(keys)
	return keys
}

// Shape returns the shape of the named tensor, or nil if it is absent.
func (sd *StateDict) Shape(name string) []int {
	if t, ok := sd.tensors[name]; ok {
		return t.Shape
	}

	return nil
}

// Size is the stored size of every tensor in bytes.
func (sd *StateDict) Size() uint64 {
	var n uint64
	for _, t := range sd.tensors {
		n += t.Size()
	}

	return n
}

// Sub returns the tensors whose names start with prefix, with the prefix
// removed. The tensors are shared with sd.
func (sd *StateDict) Sub(prefix string) *StateDict {
	sub := NewStateDict()
	for name, t := range sd.tensors {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			c := *t
			c.Name = rest
			sub.Set(&c)
		}
	}

	return sub
}

// HasPrefix reports whether any tensor name starts with prefix.
func (sd *StateDict) HasPrefix(prefix string) bool {
	for name := range sd.tensors {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

// Rename moves the tensor at from to to. It reports whether from existed.
func (sd *StateDict) Rename(from, to string) bool {
	t, ok := sd.tensors[from]
	if !ok {
		return false
	}

	delete(sd.tensors, from)
	c := *t
	c.Name = to
	sd.Set(&c)
	return true
}
