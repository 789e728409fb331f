package features

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Kind is the element type and rank class of a Value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindInts
	KindFloats
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindInts:
		return "ints"
	case KindFloats:
		return "floats"
	default:
		return "invalid"
	}
}

// Value is one feature result: a scalar, a vector, or an n-dimensional
// array stored row-major with an explicit Shape.
type Value struct {
	Kind   Kind      `cbor:"1,keyasint" json:"kind"`
	Int    int64     `cbor:"2,keyasint,omitempty" json:"int,omitempty"`
	Float  float64   `cbor:"3,keyasint,omitempty" json:"float,omitempty"`
	Ints   []int64   `cbor:"4,keyasint,omitempty" json:"ints,omitempty"`
	Floats []float64 `cbor:"5,keyasint,omitempty" json:"floats,omitempty"`
	Shape  []int     `cbor:"6,keyasint,omitempty" json:"shape,omitempty"`
}

// Int returns a scalar integer value.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float returns a scalar float value.
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// Ints returns an integer vector.
func Ints(v []int64) Value { return Value{Kind: KindInts, Ints: v} }

// Floats returns a float vector.
func Floats(v []float64) Value { return Value{Kind: KindFloats, Floats: v} }

// Array returns a float array with the given shape. It panics when the shape
// does not match len(data); callers build both from the same dimensions.
func Array(data []float64, shape ...int) Value {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("features: shape %v does not hold %d elements", shape, len(data)))
	}
	return Value{Kind: KindFloats, Floats: data, Shape: slices.Clone(shape)}
}

// Len returns the number of elements.
func (v Value) Len() int {
	switch v.Kind {
	case KindInts:
		return len(v.Ints)
	case KindFloats:
		return len(v.Floats)
	case KindInt, KindFloat:
		return 1
	default:
		return 0
	}
}

// Dims returns the shape, defaulting to one dimension for vectors and none
// for scalars.
func (v Value) Dims() []int {
	if len(v.Shape) > 0 {
		return v.Shape
	}
	switch v.Kind {
	case KindInts, KindFloats:
		return []int{v.Len()}
	default:
		return nil
	}
}

// Signature renders kind and shape, e.g. "floats[65x4x4]". Vectors built
// without a shape are variable-length lists and render as the kind alone.
func (v Value) Signature() string {
	if len(v.Shape) == 0 {
		return v.Kind.String()
	}
	parts := make([]string, len(v.Shape))
	for i, d := range v.Shape {
		parts[i] = strconv.Itoa(d)
	}
	return v.Kind.String() + "[" + strings.Join(parts, "x") + "]"
}

// AsFloats returns the elements as float64 regardless of kind.
func (v Value) AsFloats() []float64 {
	switch v.Kind {
	case KindInt:
		return []float64{float64(v.Int)}
	case KindFloat:
		return []float64{v.Float}
	case KindInts:
		out := make([]float64, len(v.Ints))
		for i, x := range v.Ints {
			out[i] = float64(x)
		}
		return out
	case KindFloats:
		return v.Floats
	default:
		return nil
	}
}

// AsInts returns the elements as int64, truncating floats.
func (v Value) AsInts() []int64 {
	switch v.Kind {
	case KindInt:
		return []int64{v.Int}
	case KindFloat:
		return []int64{int64(v.Float)}
	case KindInts:
		return v.Ints
	case KindFloats:
		out := make([]int64, len(v.Floats))
		for i, x := range v.Floats {
			out[i] = int64(x)
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	return Value{
		Kind:   v.Kind,
		Int:    v.Int,
		Float:  v.Float,
		Ints:   slices.Clone(v.Ints),
		Floats: slices.Clone(v.Floats),
		Shape:  slices.Clone(v.Shape),
	}
}

// Equal reports bitwise equality of kind, shape and elements.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Int != o.Int || v.Float != o.Float {
		return false
	}
	if !slices.Equal(v.Dims(), o.Dims()) || !slices.Equal(v.Ints, o.Ints) {
		return false
	}
	if len(v.Floats) != len(o.Floats) {
		return false
	}
	for i := range v.Floats {
		if v.Floats[i] != o.Floats[i] {
			return false
		}
	}
	return true
}
