package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/jmorganca/advanced-controlnet/ml"
)

// Context creates host tensors backed by dense float32 storage.
type Context struct {
	device   ml.DeviceID
	autocast bool
}

func NewContext() *Context {
	return &Context{device: ml.CPU}
}

func (c *Context) Device() ml.DeviceID {
	return c.device
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return &Tensor{
		d:     tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32)),
		dtype: dtype,
	}
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("cpu: tensor shape must have at least one dimension")
	}

	if n := ml.Elements(shape...); n != len(s) {
		return nil, fmt.Errorf("cpu: %d values do not fill shape %v (%d elements)", len(s), shape, n)
	}

	return fromFloats(slices.Clone(s), ml.DTypeF32, shape...), nil
}

func (c *Context) Autocast(enabled bool) func() {
	prev := c.autocast
	c.autocast = enabled
	return func() { c.autocast = prev }
}

func (c *Context) AutocastEnabled() bool {
	return c.autocast
}

func (c *Context) Close() error {
	return nil
}

func fromFloats(s []float32, dtype ml.DType, shape ...int) *Tensor {
	return &Tensor{
		d:     tensor.New(tensor.WithShape(shape...), tensor.WithBacking(s)),
		dtype: dtype,
	}
}

type Tensor struct {
	d     *tensor.Dense
	dtype ml.DType
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", t.dtype.String()),
		slog.Any("shape", t.Shape()),
	)
}

func (t *Tensor) Dim(n int) int {
	shape := t.d.Shape()
	if n < 0 || n >= len(shape) {
		return 0
	}

	return shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// data returns the backing slice without copying.
func (t *Tensor) data() []float32 {
	switch v := t.d.Data().(type) {
	case []float32:
		return v
	case float32:
		return []float32{v}
	default:
		return nil
	}
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data())
}

func (t *Tensor) Bytes() []byte {
	f32s := t.data()
	switch t.dtype {
	case ml.DTypeF16:
		b := make([]byte, 2*len(f32s))
		for i, v := range f32s {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(f32s)
	case ml.DTypeI32:
		i32s := make([]int32, len(f32s))
		for i, v := range f32s {
			i32s[i] = int32(v)
		}
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, i32s); err != nil {
			panic(err)
		}
		return buf.Bytes()
	default:
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, f32s); err != nil {
			panic(err)
		}
		return buf.Bytes()
	}
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) (ml.Tensor, error) {
	other, ok := t2.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("cpu: cannot add %T", t2)
	}

	if !slices.Equal(t.Shape(), other.Shape()) {
		return nil, fmt.Errorf("cpu: add shape mismatch %v != %v", t.Shape(), other.Shape())
	}

	sum, err := tensor.Add(t.d, other.d)
	if err != nil {
		return nil, err
	}

	return &Tensor{d: sum.(*tensor.Dense), dtype: t.dtype}, nil
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	scaled, err := tensor.Mul(t.d, float32(s))
	if err != nil {
		panic(err)
	}

	return &Tensor{d: scaled.(*tensor.Dense), dtype: t.dtype}
}

func (t *Tensor) ScaleRows(ctx ml.Context, factors []float32) (ml.Tensor, error) {
	rows := t.Dim(0)
	if len(factors) != rows {
		return nil, fmt.Errorf("cpu: %d row factors for %d rows", len(factors), rows)
	}

	s := t.Floats()
	if rows == 0 {
		return fromFloats(s, t.dtype, t.Shape()...), nil
	}

	stride := len(s) / rows
	for r, f := range factors {
		for i := r * stride; i < (r+1)*stride; i++ {
			s[i] *= f
		}
	}

	return fromFloats(s, t.dtype, t.Shape()...), nil
}

func (t *Tensor) Mean(ctx ml.Context, dims ...int) ml.Tensor {
	shape := t.Shape()
	out := slices.Clone(shape)
	count := 1
	for _, d := range dims {
		count *= shape[d]
		out[d] = 1
	}

	src := t.data()
	dst := make([]float32, ml.Elements(out...))
	sums := make([]float64, len(dst))

	index := make([]int, len(shape))
	for _, v := range src {
		var o int
		for i := range shape {
			o *= out[i]
			if out[i] != 1 {
				o += index[i]
			}
		}
		sums[o] += float64(v)

		// advance the multi-dimensional index
		for i := len(index) - 1; i >= 0; i-- {
			index[i]++
			if index[i] < shape[i] {
				break
			}
			index[i] = 0
		}
	}

	for i, v := range sums {
		dst[i] = float32(v / float64(count))
	}

	return fromFloats(dst, t.dtype, out...)
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) (ml.Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("cpu: invalid repeat count %d", n)
	}

	if n == 1 {
		return fromFloats(t.Floats(), t.dtype, t.Shape()...), nil
	}

	others := make([]tensor.Tensor, n-1)
	for i := range others {
		others[i] = t.d
	}

	tiled, err := tensor.Concat(dim, t.d, others...)
	if err != nil {
		return nil, err
	}

	return &Tensor{d: tiled.(*tensor.Dense), dtype: t.dtype}, nil
}

func (t *Tensor) Slice(ctx ml.Context, dim, start, end int) (ml.Tensor, error) {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		return nil, fmt.Errorf("cpu: slice dimension %d out of range for shape %v", dim, shape)
	}

	if start < 0 || end > shape[dim] || start >= end {
		return nil, fmt.Errorf("cpu: invalid slice [%d:%d] of dimension %d (%d)", start, end, dim, shape[dim])
	}

	outer := ml.Elements(shape[:dim]...)
	inner := ml.Elements(shape[dim+1:]...)

	src := t.data()
	dst := make([]float32, 0, outer*(end-start)*inner)
	for o := range outer {
		base := o * shape[dim] * inner
		dst = append(dst, src[base+start*inner:base+end*inner]...)
	}

	out := slices.Clone(shape)
	out[dim] = end - start
	return fromFloats(dst, t.dtype, out...), nil
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) (ml.Tensor, error) {
	other, ok := t2.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("cpu: cannot concat %T", t2)
	}

	joined, err := tensor.Concat(dim, t.d, other.d)
	if err != nil {
		return nil, err
	}

	return &Tensor{d: joined.(*tensor.Dense), dtype: t.dtype}, nil
}

// Cast rounds every element to the precision of dtype. Storage stays
// float32 so results can be combined with tensors of any type.
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	s := t.Floats()
	switch dtype {
	case ml.DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		s = bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s))
	case ml.DTypeI32:
		for i, v := range s {
			s[i] = float32(math.Trunc(float64(v)))
		}
	}

	return fromFloats(s, dtype, t.Shape()...)
}
