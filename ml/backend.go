package ml

import (
	"fmt"
	"strings"
)

// Context creates tensors on a single device. Tensors created by one context
// may only be combined with tensors created by the same context.
type Context interface {
	Device() DeviceID

	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	// Autocast enables or disables mixed precision for subsequent forward
	// passes. The returned function restores the previous state.
	Autocast(enabled bool) (restore func())
	AutocastEnabled() bool

	Close() error
}

// Tensor is an NCHW tensor. Operations return new tensors and never modify
// their receiver.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	Add(ctx Context, t2 Tensor) (Tensor, error)
	Scale(ctx Context, s float64) Tensor

	// ScaleRows multiplies every slice along dimension 0 by the matching
	// factor. len(factors) must equal Dim(0).
	ScaleRows(ctx Context, factors []float32) (Tensor, error)

	// Mean reduces over the given dimensions, keeping them with size 1.
	Mean(ctx Context, dims ...int) Tensor

	// Repeat repeats the tensor n times along dim.
	Repeat(ctx Context, dim, n int) (Tensor, error)

	Slice(ctx Context, dim, start, end int) (Tensor, error)
	Concat(ctx Context, t2 Tensor, dim int) (Tensor, error)

	Cast(ctx Context, dtype DType) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of elements described by shape.
func Elements(shape ...int) int {
	return mul(shape...)
}

type DumpOptions struct {
	// Items is the number of leading and trailing entries printed for each
	// dimension. Entries in between are elided.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump formats the values of a floating point tensor for debugging.
func Dump(t Tensor, opts ...DumpOptions) string {
	if t == nil {
		return "<nil>"
	}

	o := DumpOptions{Items: 3, Precision: 4}
	if len(opts) > 0 {
		o = opts[0]
	}

	if dt := t.DType(); dt != DTypeF32 && !dt.IsHalf() {
		return "<unsupported>"
	}

	shape := t.Shape()
	if len(shape) == 0 {
		return "[]"
	}

	var sb strings.Builder
	dumpDim(&sb, t.Floats(), shape, 0, 0, o)
	return sb.String()
}

// dumpDim writes the block of s starting at offset with the given shape.
// depth is the number of enclosing dimensions.
func dumpDim(sb *strings.Builder, s []float32, shape []int, offset, depth int, o DumpOptions) {
	sep := ", "
	if len(shape) > 1 {
		sep = "," + strings.Repeat("\n", len(shape)-1) + strings.Repeat(" ", depth+1)
	}

	stride := Elements(shape[1:]...)
	n := shape[0]

	sb.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(sep)
		}

		if i == o.Items && n > 2*o.Items {
			sb.WriteString("...")
			i = n - o.Items - 1
			continue
		}

		if len(shape) == 1 {
			fmt.Fprintf(sb, "%.*f", o.Precision, s[offset+i])
		} else {
			dumpDim(sb, s, shape[1:], offset+i*stride, depth+1, o)
		}
	}
	sb.WriteByte(']')
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// IsHalf reports whether d is a 16-bit floating point type.
func (d DType) IsHalf() bool {
	return d == DTypeF16 || d == DTypeBF16
}

// ParseDType parses safetensors style dtype names.
func ParseDType(s string) DType {
	switch strings.ToUpper(s) {
	case "F32", "FLOAT32":
		return DTypeF32
	case "F16", "FLOAT16":
		return DTypeF16
	case "BF16", "BFLOAT16":
		return DTypeBF16
	case "I32", "INT32":
		return DTypeI32
	default:
		return DTypeOther
	}
}
