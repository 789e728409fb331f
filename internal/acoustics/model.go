// Package acoustics is an analytic microphone-array backend: point sources
// radiating white noise into a 64 channel array in free field.
//
// A Model owns a scene.Graph holding the sampled state (microphone
// positions, source positions and strengths, the active source set and the
// noise level) plus the derived data that depends on it. Derived data is
// cached against node versions: steering vectors of the fixed focus grid are
// computed once per Model, transfer functions once per (array version,
// source version) pair, and the cross-spectral matrix once per sample.
package acoustics

import (
	"context"
	"fmt"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/pipeline"
	"github.com/nvandessel/acoupipe/internal/scene"
)

// Attribute names written by the dataset samplers.
const (
	AttrMicPos = "mpos"
	AttrLoc    = "loc"
	AttrRMS    = "rms"
	AttrRatio  = "ratio"
)

// Config fixes the frequency selection, the source count and the focus grid.
type Config struct {
	// He selects the single bin nearest to this Helmholtz number. Zero
	// selects every bin.
	He float64 `yaml:"he" json:"he"`
	// NumSources fixes the number of active sources. Zero samples it.
	NumSources int `yaml:"nsources" json:"nsources"`
	// GridIncrement is the focus grid spacing of the sourcemap feature.
	GridIncrement float64 `yaml:"grid_increment" json:"grid_increment"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.He < 0 || c.He > SamplingHelmholtz/2 {
		return errdefs.Configf("acoustics", "helmholtz number %g outside [0, %g]", c.He, SamplingHelmholtz/2)
	}
	if c.NumSources < 0 || c.NumSources > MaxSources {
		return errdefs.Configf("acoustics", "nsources %d outside [0, %d]", c.NumSources, MaxSources)
	}
	if c.GridIncrement < 0 || c.GridIncrement > GridExtent {
		return errdefs.Configf("acoustics", "grid increment %g outside [0, %g]", c.GridIncrement, GridExtent)
	}
	return nil
}

// Padding returns the source dimension of per-source features.
func (c Config) Padding() int {
	if c.NumSources > 0 {
		return c.NumSources
	}
	return MaxSources
}

func (c Config) increment() float64 {
	if c.GridIncrement > 0 {
		return c.GridIncrement
	}
	return DefaultGridIncrement
}

// Model is one worker's simulation backend.
type Model struct {
	cfg Config
	g   *scene.Graph

	Mics    scene.Handle
	Ref     scene.Handle
	Mixer   scene.Handle
	Noise   scene.Handle
	Sources []scene.Handle

	fidx   []int
	freqs  []float64
	nbins  int
	refPos [3]float64

	grid     [][3]float64
	gridN    int
	steering [][]complex128

	transfers map[scene.Handle]transferEntry
	state     sampleState
}

type transferEntry struct {
	mics, source uint64
	h            [][]complex128
}

// sampleState is read from the graph once per sample.
type sampleState struct {
	active   []scene.Handle
	locs     [][3]float64
	strength []float64
	ratio    float64
	csm      [][]complex128
}

// New builds a model with every candidate source declared and the noise
// level at zero. Models built from equal configs have identical handles.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := scene.NewGraph()
	m := &Model{cfg: cfg, g: g, transfers: make(map[scene.Handle]transferEntry)}

	mpos := vogelArray(NumMics, Aperture)
	m.Mics = g.MustAdd("mics", "micgeom", map[string][]float64{AttrMicPos: mpos})
	m.Ref = g.MustAdd("ref", "micgeom", map[string][]float64{AttrMicPos: mpos})
	m.Mixer = g.MustAdd("mixer", "mixer", map[string][]float64{"count": {0}})
	for i := range MaxSources {
		m.Sources = append(m.Sources, g.MustAdd(fmt.Sprintf("source%02d", i), "source", map[string][]float64{
			AttrLoc: {0, 0, SourceZ},
			AttrRMS: {1},
		}))
	}
	m.Noise = g.MustAdd("noise", "noise", map[string][]float64{AttrRatio: {0}})

	all := FFTFreqs()
	m.nbins = len(all)
	if cfg.He > 0 {
		i := NearestBin(cfg.He)
		m.fidx, m.freqs = []int{i}, []float64{all[i]}
	} else {
		m.fidx = make([]int, len(all))
		for i := range all {
			m.fidx[i] = i
		}
		m.freqs = all
	}
	m.refPos = [3]float64{mpos[3*RefMic], mpos[3*RefMic+1], mpos[3*RefMic+2]}
	m.grid, m.gridN = gridPoints(cfg.increment())
	return m, nil
}

// Factory builds a fresh model per worker.
func Factory(cfg Config) pipeline.Factory[*Model] {
	return func(int) (*Model, error) { return New(cfg) }
}

func (m *Model) Graph() *scene.Graph { return m.g }

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Freqs returns the selected frequencies.
func (m *Model) Freqs() []float64 { return m.freqs }

// Bins returns the indices of the selected frequencies.
func (m *Model) Bins() []int { return m.fidx }

// Prepare reads the sampled state for the current sample and drops the
// previous sample's cross-spectral matrix.
func (m *Model) Prepare(ctx context.Context) error {
	st := sampleState{active: m.g.Members(m.Mixer)}
	for _, h := range st.active {
		loc, ok := m.g.Attr(h, AttrLoc)
		if !ok || len(loc) != 3 {
			return fmt.Errorf("source %q has no valid location", m.g.Name(h))
		}
		rms, _ := m.g.Scalar(h, AttrRMS)
		st.locs = append(st.locs, [3]float64{loc[0], loc[1], loc[2]})
		st.strength = append(st.strength, rms*rms)
	}
	st.ratio, _ = m.g.Scalar(m.Noise, AttrRatio)
	m.state = st
	return ctx.Err()
}

// Active returns the active sources of the current sample.
func (m *Model) Active() []scene.Handle { return m.state.active }

// binStrength returns the per-bin power of a white noise signal of the given
// mean square.
func (m *Model) binStrength(ms float64) float64 { return ms / float64(m.nbins) }

// noiseVariance is the per-bin variance of the uncorrelated microphone noise.
func (m *Model) noiseVariance() float64 {
	total := 0.0
	for _, s := range m.state.strength {
		total += s
	}
	return m.binStrength(total * m.state.ratio)
}

// transferOf returns the transfer functions of source h for every selected
// frequency, recomputing them only when the array or the source changed.
func (m *Model) transferOf(h scene.Handle, loc [3]float64) [][]complex128 {
	mv, sv := m.g.Version(m.Mics), m.g.Version(h)
	if e, ok := m.transfers[h]; ok && e.mics == mv && e.source == sv {
		return e.h
	}
	mpos, _ := m.g.Attr(m.Mics, AttrMicPos)
	out := make([][]complex128, len(m.freqs))
	for fi, f := range m.freqs {
		out[fi] = make([]complex128, NumMics)
		transfer(mpos, m.refPos, loc, f, out[fi])
	}
	m.transfers[h] = transferEntry{mics: mv, source: sv, h: out}
	return out
}

// steer returns the steering vectors of the focus grid at selected bin fi,
// computed once per model from the fixed reference array.
func (m *Model) steer(fi int) []complex128 {
	if m.steering == nil {
		m.steering = make([][]complex128, len(m.freqs))
	}
	if m.steering[fi] != nil {
		return m.steering[fi]
	}
	ref, _ := m.g.Attr(m.Ref, AttrMicPos)
	out := make([]complex128, len(m.grid)*NumMics)
	for gi, p := range m.grid {
		h := out[gi*NumMics : (gi+1)*NumMics]
		transfer(ref, m.refPos, p, m.freqs[fi], h)
		// True level steering: e = h / |h|².
		norm := 0.0
		for _, x := range h {
			norm += real(x)*real(x) + imag(x)*imag(x)
		}
		for i := range h {
			h[i] /= complex(norm, 0)
		}
	}
	m.steering[fi] = out
	return out
}
