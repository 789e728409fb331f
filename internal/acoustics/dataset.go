package acoustics

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/nvandessel/acoupipe/internal/sampler"
	"github.com/nvandessel/acoupipe/internal/scene"
)

// DatasetVersion tags files of the synthetic dataset.
const DatasetVersion = "ds1-v001"

// Sampler slots of the synthetic dataset. Slots are stable whether or not
// the source count is sampled, so fixing it does not shift the seeds of the
// other samplers.
const (
	SlotMicJitter = iota
	SlotNumSources
	SlotSourceSet
	SlotStrength
	SlotPosition
	SlotNoise
)

// Sampling parameters of the synthetic dataset.
var (
	// MicJitter is the positional noise of the array, 0.1% of the aperture.
	MicJitter = sampler.Normal{Mu: 0, Sigma: 0.001}
	// SourcePosition scatters sources around the array axis.
	SourcePosition = sampler.Normal{Mu: 0, Sigma: 0.1688}
	// SourceCount is the number of active sources.
	SourceCount = sampler.Poisson{Mu: 3, Loc: 1}
	// SourceStrength draws squared source pressures.
	SourceStrength = sampler.Rayleigh{Scale: 5}
	// NoiseRatio is the noise variance relative to the total source power.
	NoiseRatio = sampler.Uniform{Low: 1e-6, High: 0.1}
)

var planar = []bool{true, true, false}

// Dataset1 returns the samplers of the synthetic dataset for models built
// like proto. With cfg.NumSources set the count sampler is left out and the
// source set has a fixed size.
func Dataset1(proto *Model) []sampler.Sampler {
	cfg := proto.Config()
	out := []sampler.Sampler{
		&sampler.AttributeSampler{
			ID:      SlotMicJitter,
			Dist:    MicJitter,
			Targets: []scene.Handle{proto.Mics},
			Attr:    AttrMicPos,
			Mask:    planar,
			Offset:  true,
		},
	}
	if cfg.NumSources == 0 {
		out = append(out,
			&sampler.CountSampler{ID: SlotNumSources, Dist: SourceCount, Target: proto.Mixer, Min: 1, Max: MaxSources},
			&sampler.SubsetSampler{ID: SlotSourceSet, Target: proto.Mixer, Candidates: proto.Sources, Linked: true},
		)
	} else {
		out = append(out, &sampler.SubsetSampler{ID: SlotSourceSet, Target: proto.Mixer, Candidates: proto.Sources, Count: cfg.NumSources})
	}
	out = append(out,
		&sampler.CustomSampler{
			ID:   SlotStrength,
			Name: "source strength",
			Fn:   strengthSampler(proto.Mixer),
			Check: func(g *scene.Graph) error {
				for _, h := range proto.Sources {
					if !g.HasAttr(h, AttrRMS) {
						return fmt.Errorf("source %q has no %q attribute", g.Name(h), AttrRMS)
					}
				}
				return nil
			},
		},
		&sampler.AttributeSampler{
			ID:      SlotPosition,
			Dist:    SourcePosition,
			Targets: proto.Sources,
			Attr:    AttrLoc,
			Mask:    planar,
			Bounds: []sampler.Interval{
				{Low: -GridExtent, High: GridExtent},
				{Low: -GridExtent, High: GridExtent},
				sampler.Unbounded(),
			},
		},
		&sampler.AttributeSampler{
			ID:      SlotNoise,
			Dist:    NoiseRatio,
			Targets: []scene.Handle{proto.Noise},
			Attr:    AttrRatio,
		},
	)
	return out
}

// strengthSampler draws one squared pressure per active source, ranks them
// in descending order and assigns the normalised RMS values to the members
// of mixer in member order.
func strengthSampler(mixer scene.Handle) func(r *rand.Rand, g *scene.Graph) error {
	return func(r *rand.Rand, g *scene.Graph) error {
		members := g.Members(mixer)
		if len(members) == 0 {
			return nil
		}
		rms := make([]float64, len(members))
		for i := range rms {
			rms[i] = math.Sqrt(SourceStrength.Draw(r))
		}
		slices.Sort(rms)
		slices.Reverse(rms)
		peak := rms[0]
		for i, h := range members {
			v := 1.0
			if peak > 0 {
				v = rms[i] / peak
			}
			if err := g.SetScalar(h, AttrRMS, v); err != nil {
				return err
			}
		}
		return nil
	}
}
