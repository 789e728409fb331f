// Package writer serializes feature records produced by a pipeline run.
//
// Records pass through per-feature encoders, pure functions that map a
// features.Value to one of three wire representations, and are appended to
// a Sink. Three sinks exist: a TFRecord stream of tf.train.Example messages,
// an Arrow IPC table and JSON lines.
package writer

import (
	"fmt"
	"math"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/features"
)

// Format is the wire representation of one encoded feature.
type Format uint8

const (
	// FloatList is a variable-length list of float32.
	FloatList Format = iota + 1
	// IntList is a variable-length list of int64.
	IntList
	// Int64 is a single int64.
	Int64
)

func (f Format) String() string {
	switch f {
	case FloatList:
		return "float_list"
	case IntList:
		return "int64_list"
	case Int64:
		return "int64"
	default:
		return "invalid"
	}
}

// Encoded is a feature ready for a sink.
type Encoded struct {
	Name   string
	Format Format
	Floats []float32
	Ints   []int64
	// Shape is set for values with more than one dimension.
	Shape []int
}

// Len returns the number of elements.
func (e Encoded) Len() int {
	if e.Format == FloatList {
		return len(e.Floats)
	}
	return len(e.Ints)
}

// EncodedRecord is one record ready for a sink.
type EncodedRecord struct {
	Idx      int64
	Seeds    []uint64
	Features []Encoded
}

// Encoder maps a value to its wire representation.
type Encoder func(v features.Value) (Encoded, error)

// EncodeFloatList stores any numeric value as a float32 list.
func EncodeFloatList(v features.Value) (Encoded, error) {
	src := v.AsFloats()
	out := make([]float32, len(src))
	for i, x := range src {
		if math.Abs(x) > math.MaxFloat32 && !math.IsInf(x, 0) {
			return Encoded{}, fmt.Errorf("value %g overflows float32", x)
		}
		out[i] = float32(x)
	}
	return Encoded{Format: FloatList, Floats: out, Shape: shape(v)}, nil
}

// EncodeIntList stores any numeric value as an int64 list, truncating floats.
func EncodeIntList(v features.Value) (Encoded, error) {
	return Encoded{Format: IntList, Ints: append([]int64(nil), v.AsInts()...), Shape: shape(v)}, nil
}

// EncodeInt64 stores a single-element value as an int64.
func EncodeInt64(v features.Value) (Encoded, error) {
	if v.Len() != 1 {
		return Encoded{}, fmt.Errorf("int64 encoding needs one element, got %s", v.Signature())
	}
	return Encoded{Format: Int64, Ints: v.AsInts()[:1:1]}, nil
}

func shape(v features.Value) []int {
	if len(v.Shape) > 1 {
		return append([]int(nil), v.Shape...)
	}
	return nil
}

// DefaultEncoder picks an encoder from the value kind: integer scalars
// become Int64, integer vectors IntList and everything else FloatList.
func DefaultEncoder(v features.Value) Encoder {
	switch v.Kind {
	case features.KindInt:
		return EncodeInt64
	case features.KindInts:
		return EncodeIntList
	default:
		return EncodeFloatList
	}
}

// Encoders overrides the encoder of individual features. Features without
// an entry use DefaultEncoder.
type Encoders map[string]Encoder

// ParseFormat maps a format name to its encoder.
func ParseFormat(s string) (Encoder, error) {
	switch s {
	case "float_list", "float":
		return EncodeFloatList, nil
	case "int64_list", "int_list":
		return EncodeIntList, nil
	case "int64", "int":
		return EncodeInt64, nil
	default:
		return nil, errdefs.Configf("writer", "unknown encoding %q", s)
	}
}

// Encode applies the encoders to every feature of rec, in record order.
// The reserved idx and seeds always travel as Idx and Seeds.
func (e Encoders) Encode(rec features.Record) (EncodedRecord, error) {
	out := EncodedRecord{
		Idx:      int64(rec.Idx),
		Seeds:    rec.Seeds,
		Features: make([]Encoded, 0, len(rec.Names)),
	}
	for _, name := range rec.Names {
		v := rec.Values[name]
		enc, ok := e[name]
		if !ok {
			enc = DefaultEncoder(v)
		}
		ev, err := enc(v)
		if err != nil {
			return EncodedRecord{}, errdefs.Configf("writer", "feature %q: %v", name, err)
		}
		ev.Name = name
		out.Features = append(out.Features, ev)
	}
	return out, nil
}
