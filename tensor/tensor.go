// Package tensor defines the self-describing tensor payload exchanged between
// pipeline stages.
//
// A Tensor is a dtype, a shape, and a contiguous little-endian element buffer.
// The core never inspects element values except on the coordinator, where the
// final stage's logits are decoded to float32 for sampling.
//
// Float16 decoding uses github.com/x448/float16. BFloat16 is the upper half of
// an IEEE float32 and is widened by shifting.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/x448/float16"
)

// DType identifies the element type of a tensor.
type DType string

// Supported element types.
const (
	Float32  DType = "f32"
	Float16  DType = "f16"
	BFloat16 DType = "bf16"
	Int32    DType = "i32"
	Uint32   DType = "u32"
)

// ParseDType parses a dtype name. Accepts the original long names as aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32":
		return Float32, nil
	case "f16", "float16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "i32", "int32":
		return Int32, nil
	case "u32", "uint32":
		return Uint32, nil
	default:
		return "", fmt.Errorf("unsupported dtype %q", s)
	}
}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Float32, Int32, Uint32:
		return 4
	case Float16, BFloat16:
		return 2
	default:
		return 0
	}
}

// ErrMalformed is returned when a tensor's buffer does not match its shape.
var ErrMalformed = errors.New("malformed tensor")

// Tensor is a dense, row-major tensor with a little-endian element buffer.
type Tensor struct {
	DType DType  `msgpack:"dtype"`
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// New constructs a tensor and validates it.
func New(dtype DType, shape []int, data []byte) (Tensor, error) {
	t := Tensor{DType: dtype, Shape: append([]int(nil), shape...), Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// FromFloat32 encodes values as an f32 tensor of the given shape.
// Panics if the shape does not match len(values); callers construct both.
func FromFloat32(shape []int, values []float32) Tensor {
	if NumElements(shape) != len(values) {
		panic(fmt.Sprintf("tensor.FromFloat32: shape %v holds %d elements, got %d", shape, NumElements(shape), len(values)))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Tensor{DType: Float32, Shape: append([]int(nil), shape...), Data: data}
}

// FromFloat16 encodes values as an f16 tensor, rounding to nearest even.
func FromFloat16(shape []int, values []float32) Tensor {
	if NumElements(shape) != len(values) {
		panic(fmt.Sprintf("tensor.FromFloat16: shape %v holds %d elements, got %d", shape, NumElements(shape), len(values)))
	}
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return Tensor{DType: Float16, Shape: append([]int(nil), shape...), Data: data}
}

// FromInt32 encodes token ids or other integers as an i32 tensor.
func FromInt32(shape []int, values []int32) Tensor {
	if NumElements(shape) != len(values) {
		panic(fmt.Sprintf("tensor.FromInt32: shape %v holds %d elements, got %d", shape, NumElements(shape), len(values)))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return Tensor{DType: Int32, Shape: append([]int(nil), shape...), Data: data}
}

// MaxBytes bounds the buffer a tensor may describe. It stays below the
// frame payload limit so any valid tensor fits in one activation frame.
const MaxBytes = 512<<20 - 1<<20

// NumElements returns the product of the dimensions. A rank-0 shape is a
// scalar. It returns -1 when a dimension is negative or the product
// overflows int.
func NumElements(shape []int) int {
	n, ok := elements(shape, math.MaxInt)
	if !ok {
		return -1
	}
	return n
}

// elements multiplies the dimensions, failing once the product would
// pass limit.
func elements(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 || (d != 0 && n > limit/d) {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Len returns the number of elements.
func (t Tensor) Len() int {
	return NumElements(t.Shape)
}

// Rank returns the number of axes.
func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Validate checks the dtype, the dimensions, and the buffer length.
func (t Tensor) Validate() error {
	size := t.DType.Size()
	if size == 0 {
		return fmt.Errorf("%w: unknown dtype %q", ErrMalformed, t.DType)
	}
	for axis, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: axis %d has dimension %d", ErrMalformed, axis, d)
		}
	}
	n, ok := elements(t.Shape, MaxBytes/size)
	if !ok {
		return fmt.Errorf("%w: shape %v %s exceeds %d bytes", ErrMalformed, t.Shape, t.DType, MaxBytes)
	}
	if want := n * size; len(t.Data) != want {
		return fmt.Errorf("%w: shape %v %s needs %d bytes, buffer has %d", ErrMalformed, t.Shape, t.DType, want, len(t.Data))
	}
	return nil
}

// Float32s decodes a floating point tensor into float32 values.
func (t Tensor) Float32s() ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := t.Len()
	out := make([]float32, n)
	switch t.DType {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	case BFloat16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[i*2:])) << 16)
		}
	default:
		return nil, fmt.Errorf("cannot decode %s tensor as float32", t.DType)
	}
	return out, nil
}

// Int32s decodes an integer tensor.
func (t Tensor) Int32s() ([]int32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != Int32 && t.DType != Uint32 {
		return nil, fmt.Errorf("cannot decode %s tensor as int32", t.DType)
	}
	out := make([]int32, t.Len())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out, nil
}

// Row returns row i of the leading axis, sharing the same buffer. A negative
// index counts from the end, so Row(-1) is the final position after a
// prefill step.
func (t Tensor) Row(i int) (Tensor, error) {
	if t.Rank() < 1 {
		return Tensor{}, fmt.Errorf("row of scalar tensor")
	}
	width := t.Len() / t.Shape[0]
	if i < 0 {
		i += t.Shape[0]
	}
	if i < 0 || i >= t.Shape[0] {
		return Tensor{}, fmt.Errorf("row %d out of range [0,%d)", i, t.Shape[0])
	}
	size := t.DType.Size()
	start := i * width * size
	return Tensor{
		DType: t.DType,
		Shape: append([]int(nil), t.Shape[1:]...),
		Data:  t.Data[start : start+width*size],
	}, nil
}

// String renders dtype, shape and buffer size, e.g. "f32[1 4096] (16 kB)".
func (t Tensor) String() string {
	return fmt.Sprintf("%s%v (%s)", t.DType, t.Shape, humanize.Bytes(uint64(len(t.Data))))
}
