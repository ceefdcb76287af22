package cpu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/advanced-controlnet/ml"
)

func arange(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i)
	}
	return s
}

func TestFromFloatSlice(t *testing.T) {
	ctx := NewContext()

	_, err := ctx.FromFloatSlice([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)

	_, err = ctx.FromFloatSlice([]float32{1})
	require.Error(t, err)

	src := []float32{1, 2, 3, 4}
	x, err := ctx.FromFloatSlice(src, 2, 2)
	require.NoError(t, err)
	src[0] = 100
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Floats(), "input slice must be copied")
	assert.Equal(t, []int{2, 2}, x.Shape())
	assert.Equal(t, 0, x.Dim(5))
}

func TestAddScale(t *testing.T) {
	ctx := NewContext()
	a, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)
	b, err := ctx.FromFloatSlice([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	require.NoError(t, err)

	sum, err := a.Add(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4, 5}, sum.Floats())
	assert.Equal(t, []float32{1, 2, 3, 4}, a.Floats())

	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, a.Scale(ctx, 0.5).Floats())

	c, err := ctx.FromFloatSlice([]float32{1, 1}, 1, 1, 1, 2)
	require.NoError(t, err)
	_, err = a.Add(ctx, c)
	require.Error(t, err)
}

func TestScaleRows(t *testing.T) {
	ctx := NewContext()
	x, err := ctx.FromFloatSlice(arange(8), 4, 2)
	require.NoError(t, err)

	y, err := x.ScaleRows(ctx, []float32{0, 1, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2, 3, 8, 10, 0, 0}, y.Floats())

	_, err = x.ScaleRows(ctx, []float32{1})
	require.Error(t, err)
}

func TestMean(t *testing.T) {
	ctx := NewContext()
	x, err := ctx.FromFloatSlice(arange(8), 1, 2, 2, 2)
	require.NoError(t, err)

	spatial := x.Mean(ctx, 2, 3)
	assert.Equal(t, []int{1, 2, 1, 1}, spatial.Shape())
	assert.Equal(t, []float32{1.5, 5.5}, spatial.Floats())

	channels := x.Mean(ctx, 1)
	assert.Equal(t, []int{1, 1, 2, 2}, channels.Shape())
	assert.Equal(t, []float32{2, 3, 4, 5}, channels.Floats())
}

func TestRepeat(t *testing.T) {
	ctx := NewContext()
	x, err := ctx.FromFloatSlice([]float32{1, 2}, 1, 2)
	require.NoError(t, err)

	y, err := x.Repeat(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, y.Shape())
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2}, y.Floats())

	z, err := x.Repeat(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, z.Shape())
	assert.Equal(t, []float32{1, 2, 1, 2}, z.Floats())

	_, err = x.Repeat(ctx, 0, 0)
	require.Error(t, err)
}

func TestSliceConcat(t *testing.T) {
	ctx := NewContext()
	x, err := ctx.FromFloatSlice(arange(12), 3, 2, 2)
	require.NoError(t, err)

	first, err := x.Slice(ctx, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, first.Shape())
	assert.Equal(t, []float32{0, 1, 2, 3}, first.Floats())

	cols, err := x.Slice(ctx, 2, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, cols.Shape())
	assert.Equal(t, []float32{1, 3, 5, 7, 9, 11}, cols.Floats())

	joined, err := first.Concat(ctx, first, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, joined.Shape())
	assert.Equal(t, []float32{0, 1, 2, 3, 0, 1, 2, 3}, joined.Floats())

	_, err = x.Slice(ctx, 0, 2, 2)
	require.Error(t, err)
	_, err = x.Slice(ctx, 3, 0, 1)
	require.Error(t, err)
}

func TestCast(t *testing.T) {
	ctx := NewContext()
	x, err := ctx.FromFloatSlice([]float32{1.0001, 2.5, -3}, 3)
	require.NoError(t, err)

	half := x.Cast(ctx, ml.DTypeF16)
	assert.Equal(t, ml.DTypeF16, half.DType())
	assert.Equal(t, []float32{1, 2.5, -3}, half.Floats())
	assert.Len(t, half.Bytes(), 6)
	assert.Equal(t, uint16(0x3c00), binary.LittleEndian.Uint16(half.Bytes()))

	bf := x.Cast(ctx, ml.DTypeBF16)
	assert.Equal(t, ml.DTypeBF16, bf.DType())
	assert.InDeltaSlice(t, []float32{1, 2.5, -3}, bf.Floats(), 1e-2)

	assert.Equal(t, ml.DTypeF32, half.Cast(ctx, ml.DTypeF32).DType())
	assert.Len(t, x.Bytes(), 12)
}

func TestAutocast(t *testing.T) {
	ctx := NewContext()
	require.False(t, ctx.AutocastEnabled())

	restore := ctx.Autocast(true)
	require.True(t, ctx.AutocastEnabled())

	inner := ctx.Autocast(false)
	require.False(t, ctx.AutocastEnabled())
	inner()
	require.True(t, ctx.AutocastEnabled())

	restore()
	require.False(t, ctx.AutocastEnabled())
}

func TestDeviceManager(t *testing.T) {
	var m DeviceManager
	assert.Equal(t, ml.CPU, m.ComputeDevice())
	assert.Equal(t, ml.CPU, m.OffloadDevice())
	assert.False(t, m.ShouldUseFP16())

	_, err := m.Memory(ml.DeviceID{Library: "CUDA", ID: "0"})
	require.Error(t, err)
}
