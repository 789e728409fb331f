// Package sampler implements the units of randomness that mutate a
// scene.Graph before features are extracted.
//
// Sampler is a closed set of four variants: AttributeSampler, CountSampler,
// SubsetSampler and CustomSampler. Each variant builds a fresh generator from
// the injected seed on every call, so a sampler carries no mutable state
// after setup and one sampler list can drive several worker graphs.
package sampler

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/scene"
	"github.com/nvandessel/acoupipe/internal/seeds"
)

// DefaultMaxRetries bounds rejection sampling when a sampler sets none.
const DefaultMaxRetries = 1000

// CountAttr is the attribute a CountSampler writes and a linked
// SubsetSampler reads.
const CountAttr = "count"

// Kind tags the sampler variant.
type Kind int

const (
	KindAttribute Kind = iota
	KindCount
	KindSubset
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindAttribute:
		return "attribute"
	case KindCount:
		return "count"
	case KindSubset:
		return "subset"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sampler is one unit of randomness bound to target nodes.
type Sampler interface {
	// Slot is the sampler's identity for seed derivation and ordering.
	Slot() int
	Kind() Kind
	// Validate checks the targets against the prototype graph. It runs once
	// at setup, before any draw.
	Validate(g *scene.Graph) error
	// Sample draws with a generator seeded by seed and writes the result
	// into g.
	Sample(g *scene.Graph, seed uint64) error

	sealed()
}

func retries(n int) int {
	if n <= 0 {
		return DefaultMaxRetries
	}
	return n
}

// AttributeSampler draws a value for one attribute of each target.
//
// For vector attributes Mask selects the drawn components: component i is
// drawn when Mask[i%len(Mask)] is true, otherwise it keeps its current
// value. Positions are stored as interleaved x,y,z triplets, so a mask of
// {true, true, false} restricts the draw to the x-y plane. Bounds apply the
// same way, per component.
type AttributeSampler struct {
	ID      int
	Dist    Distribution
	Targets []scene.Handle
	Attr    string
	Mask    []bool
	Bounds  []Interval

	// Offset adds the draw to the value the attribute held at setup instead
	// of replacing it (positional jitter).
	Offset bool

	// Clip clamps out-of-bounds draws instead of failing once MaxRetries is
	// spent.
	Clip       bool
	MaxRetries int

	reference map[scene.Handle][]float64
}

func (s *AttributeSampler) Slot() int  { return s.ID }
func (s *AttributeSampler) Kind() Kind { return KindAttribute }
func (s *AttributeSampler) sealed()    {}

func (s *AttributeSampler) Validate(g *scene.Graph) error {
	component := fmt.Sprintf("sampler slot %d (%s)", s.ID, s.Attr)
	if s.Dist == nil {
		return errdefs.Configf(component, "no distribution")
	}
	if len(s.Targets) == 0 {
		return errdefs.Configf(component, "no targets")
	}
	if s.Offset {
		s.reference = make(map[scene.Handle][]float64, len(s.Targets))
	}
	for _, h := range s.Targets {
		if !g.Valid(h) {
			return errdefs.Configf(component, "invalid target handle %d", h)
		}
		v, ok := g.Attr(h, s.Attr)
		if !ok {
			return errdefs.Configf(component, "target %q has no attribute %q", g.Name(h), s.Attr)
		}
		if len(s.Bounds) > 0 && len(v)%len(s.Bounds) != 0 {
			return errdefs.Configf(component, "%d bounds do not tile attribute of length %d", len(s.Bounds), len(v))
		}
		if len(s.Mask) > 0 && len(v)%len(s.Mask) != 0 {
			return errdefs.Configf(component, "mask of length %d does not tile attribute of length %d", len(s.Mask), len(v))
		}
		if s.Offset {
			s.reference[h] = slices.Clone(v)
		}
	}
	return nil
}

func (s *AttributeSampler) masked(i int) bool {
	return len(s.Mask) == 0 || s.Mask[i%len(s.Mask)]
}

func (s *AttributeSampler) bound(i int) Interval {
	if len(s.Bounds) == 0 {
		return Unbounded()
	}
	return s.Bounds[i%len(s.Bounds)]
}

func (s *AttributeSampler) Sample(g *scene.Graph, seed uint64) error {
	r := seeds.Rand(seed)
	for _, h := range s.Targets {
		cur, ok := g.Attr(h, s.Attr)
		if !ok {
			return fmt.Errorf("sampler slot %d: target %q has no attribute %q", s.ID, g.Name(h), s.Attr)
		}
		base := cur
		if s.Offset {
			ref, ok := s.reference[h]
			if !ok {
				return fmt.Errorf("sampler slot %d: offset sampler used before Validate", s.ID)
			}
			base = ref
		}
		v, err := s.draw(r, base, seed)
		if err != nil {
			return err
		}
		if err := g.SetAttr(h, s.Attr, v); err != nil {
			return fmt.Errorf("sampler slot %d: %w", s.ID, err)
		}
	}
	return nil
}

func (s *AttributeSampler) draw(r *rand.Rand, base []float64, seed uint64) ([]float64, error) {
	v := make([]float64, len(base))
	limit := retries(s.MaxRetries)
	for attempt := 1; ; attempt++ {
		inside := true
		for i := range base {
			v[i] = base[i]
			if !s.masked(i) {
				continue
			}
			d := s.Dist.Draw(r)
			if s.Offset {
				v[i] = base[i] + d
			} else {
				v[i] = d
			}
			if !s.bound(i).Contains(v[i]) {
				inside = false
			}
		}
		if inside {
			return v, nil
		}
		if attempt >= limit {
			break
		}
	}
	if s.Clip {
		for i := range v {
			if s.masked(i) {
				v[i] = s.bound(i).Clamp(v[i])
			}
		}
		return v, nil
	}
	return nil, &errdefs.BoundsExhaustedError{
		Slot:     s.ID,
		Seed:     seed,
		Attempts: limit,
		Detail:   fmt.Sprintf("%s of %s", s.Attr, s.Dist),
	}
}

// CountSampler draws the number of members a linked SubsetSampler selects.
// It writes CountAttr on Target, which must be the SubsetSampler's target.
//
// Draws outside [Min, Max] are redrawn. Max == 0 leaves the range open
// above; Resolve closes it at the candidate count of the linked subset.
type CountSampler struct {
	ID         int
	Dist       Distribution
	Target     scene.Handle
	Min, Max   int
	MaxRetries int
}

func (s *CountSampler) Slot() int  { return s.ID }
func (s *CountSampler) Kind() Kind { return KindCount }
func (s *CountSampler) sealed()    {}

func (s *CountSampler) Validate(g *scene.Graph) error {
	component := fmt.Sprintf("sampler slot %d (count)", s.ID)
	if s.Dist == nil {
		return errdefs.Configf(component, "no distribution")
	}
	if !g.HasAttr(s.Target, CountAttr) {
		return errdefs.Configf(component, "target %q has no %q attribute", g.Name(s.Target), CountAttr)
	}
	if s.Min < 0 || (s.Max != 0 && s.Max < s.Min) {
		return errdefs.Configf(component, "invalid range [%d, %d]", s.Min, s.Max)
	}
	return nil
}

func (s *CountSampler) upper() int {
	if s.Max == 0 {
		return math.MaxInt
	}
	return s.Max
}

func (s *CountSampler) Sample(g *scene.Graph, seed uint64) error {
	r := seeds.Rand(seed)
	limit := retries(s.MaxRetries)
	for range limit {
		n := int(math.Round(s.Dist.Draw(r)))
		if n >= s.Min && n <= s.upper() {
			return g.SetScalar(s.Target, CountAttr, float64(n))
		}
	}
	detail := fmt.Sprintf("count of %s outside [%d, %d]", s.Dist, s.Min, s.Max)
	if s.Max == 0 {
		detail = fmt.Sprintf("count of %s below %d", s.Dist, s.Min)
	}
	return &errdefs.BoundsExhaustedError{
		Slot:     s.ID,
		Seed:     seed,
		Attempts: limit,
		Detail:   detail,
	}
}

// SubsetSampler selects members of Target from a fixed candidate list,
// without replacement. The selection keeps the order of the draw.
//
// When Linked is set the size is read from Target's CountAttr, written by a
// CountSampler with a lower slot; otherwise Count is used.
type SubsetSampler struct {
	ID         int
	Target     scene.Handle
	Candidates []scene.Handle
	Count      int
	Linked     bool
}

func (s *SubsetSampler) Slot() int  { return s.ID }
func (s *SubsetSampler) Kind() Kind { return KindSubset }
func (s *SubsetSampler) sealed()    {}

func (s *SubsetSampler) Validate(g *scene.Graph) error {
	component := fmt.Sprintf("sampler slot %d (subset)", s.ID)
	if !g.Valid(s.Target) {
		return errdefs.Configf(component, "invalid target handle %d", s.Target)
	}
	seen := make(map[scene.Handle]bool, len(s.Candidates))
	for _, h := range s.Candidates {
		if !g.Valid(h) {
			return errdefs.Configf(component, "invalid candidate handle %d", h)
		}
		if seen[h] {
			return errdefs.Configf(component, "candidate %q listed twice", g.Name(h))
		}
		seen[h] = true
	}
	if s.Linked {
		if !g.HasAttr(s.Target, CountAttr) {
			return errdefs.Configf(component, "linked target %q has no %q attribute", g.Name(s.Target), CountAttr)
		}
		return nil
	}
	if s.Count < 0 || s.Count > len(s.Candidates) {
		return errdefs.Configf(component, "cannot select %d of %d candidates", s.Count, len(s.Candidates))
	}
	return nil
}

func (s *SubsetSampler) size(g *scene.Graph) int {
	if !s.Linked {
		return s.Count
	}
	v, _ := g.Scalar(s.Target, CountAttr)
	return int(v)
}

func (s *SubsetSampler) Sample(g *scene.Graph, seed uint64) error {
	k := s.size(g)
	if k < 0 || k > len(s.Candidates) {
		return &errdefs.BoundsExhaustedError{
			Slot:   s.ID,
			Seed:   seed,
			Detail: fmt.Sprintf("cannot select %d of %d candidates", k, len(s.Candidates)),
		}
	}
	r := seeds.Rand(seed)
	idx := make([]int, len(s.Candidates))
	for i := range idx {
		idx[i] = i
	}
	// Partial Fisher-Yates: the first k positions are the draw.
	for i := range k {
		j := i + r.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	members := make([]scene.Handle, k)
	for i := range k {
		members[i] = s.Candidates[idx[i]]
	}
	return g.SetMembers(s.Target, members)
}

// CustomSampler wraps a function performing interdependent multi-target
// assignment, such as ranking drawn magnitudes across several nodes.
type CustomSampler struct {
	ID   int
	Name string
	Fn   func(r *rand.Rand, g *scene.Graph) error
	// Check optionally validates the graph at setup.
	Check func(g *scene.Graph) error
}

func (s *CustomSampler) Slot() int  { return s.ID }
func (s *CustomSampler) Kind() Kind { return KindCustom }
func (s *CustomSampler) sealed()    {}

func (s *CustomSampler) Validate(g *scene.Graph) error {
	if s.Fn == nil {
		return errdefs.Configf(fmt.Sprintf("sampler slot %d (%s)", s.ID, s.Name), "no function")
	}
	if s.Check != nil {
		if err := s.Check(g); err != nil {
			return &errdefs.ConfigError{Component: fmt.Sprintf("sampler slot %d (%s)", s.ID, s.Name), Err: err}
		}
	}
	return nil
}

func (s *CustomSampler) Sample(g *scene.Graph, seed uint64) error {
	if err := s.Fn(seeds.Rand(seed), g); err != nil {
		return fmt.Errorf("sampler slot %d (%s): %w", s.ID, s.Name, err)
	}
	return nil
}

// Sorted returns the samplers ordered by slot.
func Sorted(list []Sampler) []Sampler {
	out := slices.Clone(list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot() < out[j].Slot() })
	return out
}

// Resolve returns list with every open-ended CountSampler (Max == 0) that
// feeds a linked SubsetSampler replaced by a copy capped at the subset's
// candidate count. The samplers in list are not modified.
func Resolve(list []Sampler) []Sampler {
	caps := map[scene.Handle]int{}
	for _, s := range list {
		if sub, ok := s.(*SubsetSampler); ok && sub.Linked {
			caps[sub.Target] = len(sub.Candidates)
		}
	}
	out := slices.Clone(list)
	for i, s := range out {
		c, ok := s.(*CountSampler)
		if !ok || c.Max != 0 {
			continue
		}
		if n, linked := caps[c.Target]; linked {
			capped := *c
			capped.Max = n
			out[i] = &capped
		}
	}
	return out
}

// Slots returns the slots of list in order.
func Slots(list []Sampler) []int {
	out := make([]int, len(list))
	for i, s := range list {
		out[i] = s.Slot()
	}
	return out
}

// ValidateSet validates every sampler against g and checks the set as a
// whole: it must be non-empty with unique slots, and every linked
// SubsetSampler must be fed by exactly one CountSampler with a lower slot
// whose range fits the candidates.
func ValidateSet(g *scene.Graph, list []Sampler) error {
	if len(list) == 0 {
		return errdefs.Configf("sampler set", "no samplers configured")
	}
	bySlot := make(map[int]Sampler, len(list))
	for _, s := range list {
		if s == nil {
			return errdefs.Configf("sampler set", "nil sampler")
		}
		if prev, dup := bySlot[s.Slot()]; dup {
			return errdefs.Configf("sampler set", "slot %d used by both a %s and a %s sampler", s.Slot(), prev.Kind(), s.Kind())
		}
		bySlot[s.Slot()] = s
		if err := s.Validate(g); err != nil {
			return err
		}
	}

	counts := map[scene.Handle][]*CountSampler{}
	for _, s := range list {
		if c, ok := s.(*CountSampler); ok {
			counts[c.Target] = append(counts[c.Target], c)
		}
	}
	for _, s := range list {
		sub, ok := s.(*SubsetSampler)
		if !ok || !sub.Linked {
			continue
		}
		feeders := counts[sub.Target]
		component := fmt.Sprintf("sampler slot %d (subset)", sub.ID)
		switch {
		case len(feeders) == 0:
			return errdefs.Configf(component, "linked subset has no count sampler")
		case len(feeders) > 1:
			return errdefs.Configf(component, "linked subset has %d count samplers", len(feeders))
		}
		c := feeders[0]
		if c.ID >= sub.ID {
			return errdefs.Configf(component, "count sampler slot %d must precede subset slot %d", c.ID, sub.ID)
		}
		if c.Max > len(sub.Candidates) {
			return errdefs.Configf(component, "count sampler may draw %d but only %d candidates exist", c.Max, len(sub.Candidates))
		}
	}
	return nil
}
