package features

import (
	"slices"
)

// Reserved feature names populated by the pipeline itself.
const (
	IdxName   = "idx"
	SeedsName = "seeds"
)

// IsReserved reports whether name is filled in by the pipeline.
func IsReserved(name string) bool {
	return name == IdxName || name == SeedsName
}

// Record is the extracted result of one sample. Names keeps registration
// order so sinks write columns in a stable order.
type Record struct {
	Idx    int
	Seeds  []uint64
	Names  []string
	Values map[string]Value
}

// NewRecord returns an empty record for sample idx.
func NewRecord(idx int, seeds []uint64) Record {
	return Record{Idx: idx, Seeds: slices.Clone(seeds), Values: make(map[string]Value)}
}

// Set stores a value, appending the name on first use.
func (r *Record) Set(name string, v Value) {
	if r.Values == nil {
		r.Values = make(map[string]Value)
	}
	if _, ok := r.Values[name]; !ok {
		r.Names = append(r.Names, name)
	}
	r.Values[name] = v
}

// Get returns a value by name. The reserved names resolve to Idx and Seeds.
func (r Record) Get(name string) (Value, bool) {
	switch name {
	case IdxName:
		return Int(int64(r.Idx)), true
	case SeedsName:
		return Ints(r.SeedInts()), true
	}
	v, ok := r.Values[name]
	return v, ok
}

// SeedInts returns the seeds reinterpreted as int64, the representation
// sinks without an unsigned type store.
func (r Record) SeedInts() []int64 {
	out := make([]int64, len(r.Seeds))
	for i, s := range r.Seeds {
		out[i] = int64(s)
	}
	return out
}

// Equal compares index, seeds and every named value.
func (r Record) Equal(o Record) bool {
	if r.Idx != o.Idx || !slices.Equal(r.Seeds, o.Seeds) || !slices.Equal(r.Names, o.Names) {
		return false
	}
	for _, name := range r.Names {
		if !r.Values[name].Equal(o.Values[name]) {
			return false
		}
	}
	return true
}
