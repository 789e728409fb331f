// Package seeds derives per-sampler random seeds from (split, sample index,
// sampler slot) without shared state, so any worker can reproduce any draw.
//
// The layout is arithmetic rather than hashed:
//
//	seed = base + split*SplitSpan + slot*Stride + idx   (mod 2^64)
//
// Within one base seed every (split, slot, idx) triple maps to a distinct
// value, and because adding base is a bijection modulo 2^64 the splits stay
// disjoint for every base seed.
package seeds

import (
	"fmt"

	"github.com/nvandessel/acoupipe/internal/errdefs"
)

const (
	// Stride is the seed distance between two slots, and so the largest
	// number of samples one split can hold.
	Stride uint64 = 1 << 32

	// MaxSlots bounds the slot numbers a schedule accepts.
	MaxSlots = 1 << 16

	// SplitSpan is the seed distance between two splits.
	SplitSpan = Stride * MaxSlots
)

// Standard split names.
const (
	Training   = "training"
	Validation = "validation"
	Test       = "test"
)

// DefaultSplits is the split order used when a Schedule names none.
var DefaultSplits = []string{Training, Validation, Test}

// Schedule maps (split, idx, slot) to a seed. The zero value uses base seed 0
// and DefaultSplits.
type Schedule struct {
	// Base shifts the whole seed space; two runs with the same Base draw the
	// same values.
	Base uint64

	// Splits lists the known split names. The position of a name is its
	// split index, so the order must not change between runs.
	Splits []string
}

// New returns a schedule over DefaultSplits.
func New(base uint64) Schedule {
	return Schedule{Base: base}
}

func (s Schedule) splits() []string {
	if len(s.Splits) == 0 {
		return DefaultSplits
	}
	return s.Splits
}

// SplitIndex returns the position of split in the schedule.
func (s Schedule) SplitIndex(split string) (int, error) {
	for i, name := range s.splits() {
		if name == split {
			return i, nil
		}
	}
	return 0, errdefs.Configf("seed schedule", "unknown split %q (known: %v)", split, s.splits())
}

// Validate checks that the split names are unique and fit the seed space.
func (s Schedule) Validate() error {
	names := s.splits()
	if uint64(len(names)) > ^uint64(0)/SplitSpan {
		return errdefs.Configf("seed schedule", "%d splits exceed the seed space", len(names))
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return errdefs.Configf("seed schedule", "empty split name")
		}
		if seen[name] {
			return errdefs.Configf("seed schedule", "duplicate split %q", name)
		}
		seen[name] = true
	}
	return nil
}

// Seed returns the seed for one sampler slot of one sample.
func (s Schedule) Seed(split string, idx, slot int) (uint64, error) {
	si, err := s.SplitIndex(split)
	if err != nil {
		return 0, err
	}
	if idx < 0 || uint64(idx) >= Stride {
		return 0, errdefs.Configf("seed schedule", "sample index %d outside [0, %d)", idx, Stride)
	}
	if slot < 0 || slot >= MaxSlots {
		return 0, errdefs.Configf("seed schedule", "slot %d outside [0, %d)", slot, MaxSlots)
	}
	return s.Base + uint64(si)*SplitSpan + uint64(slot)*Stride + uint64(idx), nil
}

// Seeds returns the seeds of every slot for one sample, in the order given.
func (s Schedule) Seeds(split string, idx int, slots []int) ([]uint64, error) {
	out := make([]uint64, len(slots))
	for i, slot := range slots {
		v, err := s.Seed(split, idx, slot)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot, err)
		}
		out[i] = v
	}
	return out, nil
}

// CheckCapacity reports whether numSamples samples fit in one split.
func CheckCapacity(numSamples int) error {
	if numSamples <= 0 {
		return errdefs.Configf("seed schedule", "number of samples must be positive, got %d", numSamples)
	}
	if uint64(numSamples) > Stride {
		return errdefs.Configf("seed schedule", "%d samples exceed the per-split capacity %d", numSamples, Stride)
	}
	return nil
}
