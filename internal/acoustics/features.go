package acoustics

import (
	"context"

	"github.com/nvandessel/acoupipe/internal/features"
)

// Feature names.
const (
	FeatureLoc       = "loc"
	FeatureNSources  = "nsources"
	FeatureP2        = "p2"
	FeatureCSM       = "csm"
	FeatureCSMTriu   = "csmtriu"
	FeatureEigmode   = "eigmode"
	FeatureSourcemap = "sourcemap"
	FeatureF         = "f"
	FeatureNoise     = "noise"
)

// FeatureNames lists every feature a Model provides.
var FeatureNames = []string{
	FeatureLoc, FeatureNSources, FeatureP2, FeatureCSM, FeatureCSMTriu,
	FeatureEigmode, FeatureSourcemap, FeatureF, FeatureNoise,
}

// DefaultFeatures is the feature set written when none is requested.
var DefaultFeatures = []string{FeatureLoc, FeatureNSources, FeatureP2, FeatureCSM}

// Fingerprint hashes every input of the spectral features: the sampled
// array geometry, the active sources with their strengths, the noise level
// and the frequency and grid selection. Prepare must have run.
func Fingerprint(m *Model) (features.Fingerprint, error) {
	mpos, _ := m.g.Attr(m.Mics, AttrMicPos)
	h := features.NewHasher().
		String("acoustics/analytic").
		Floats(mpos).
		Float(m.cfg.increment()).
		Int(int64(len(m.fidx)))
	for _, i := range m.fidx {
		h.Int(int64(i))
	}
	h.Int(int64(len(m.state.active)))
	for i := range m.state.active {
		h.Floats(m.state.locs[i][:]).Float(m.state.strength[i])
	}
	return h.Float(m.state.ratio).Sum(), nil
}

// Features returns the collection of every feature. The spectral features
// go through cache when it is non-nil.
func Features(cache features.Cache) (*features.Collection[*Model], error) {
	c := features.NewCollection[*Model]()
	c.SetPrepare(func(ctx context.Context, m *Model) error { return m.Prepare(ctx) })

	var cached []features.Option[*Model]
	if cache != nil {
		cached = append(cached, features.WithCache(cache, Fingerprint))
	}
	add := []struct {
		name   string
		fn     features.Func[*Model]
		cached bool
	}{
		{FeatureLoc, sourceLoc, false},
		{FeatureNSources, numSources, false},
		{FeatureP2, sourceP2, false},
		{FeatureCSM, csm, true},
		{FeatureCSMTriu, csmTriu, true},
		{FeatureEigmode, eigmode, true},
		{FeatureSourcemap, sourcemap, true},
		{FeatureF, freqs, false},
		{FeatureNoise, noise, false},
	}
	for _, f := range add {
		var opts []features.Option[*Model]
		if f.cached {
			opts = cached
		}
		if err := c.Add(f.name, f.fn, opts...); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// sourceLoc is 3×ns: x, y and z rows, zero padded past the active sources.
func sourceLoc(_ context.Context, m *Model) (features.Value, error) {
	ns := m.cfg.Padding()
	out := make([]float64, 3*ns)
	for i, loc := range m.state.locs {
		if i >= ns {
			break
		}
		for d := range 3 {
			out[d*ns+i] = loc[d]
		}
	}
	return features.Array(out, 3, ns), nil
}

func numSources(_ context.Context, m *Model) (features.Value, error) {
	return features.Int(int64(len(m.state.active))), nil
}

// sourceP2 is nf×ns: the per-bin squared pressure of each source at the
// reference point.
func sourceP2(_ context.Context, m *Model) (features.Value, error) {
	ns := m.cfg.Padding()
	out := make([]float64, len(m.freqs)*ns)
	for fi := range m.freqs {
		for i, s := range m.state.strength {
			if i >= ns {
				break
			}
			out[fi*ns+i] = m.binStrength(s)
		}
	}
	return features.Array(out, len(m.freqs), ns), nil
}

// csm is nf×M×M×2, real and imaginary parts.
func csm(ctx context.Context, m *Model) (features.Value, error) {
	c, err := m.CSM(ctx)
	if err != nil {
		return features.Value{}, err
	}
	out := make([]float64, 0, len(c)*NumMics*NumMics*2)
	for _, mat := range c {
		for _, x := range mat {
			out = append(out, real(x), imag(x))
		}
	}
	return features.Array(out, len(c), NumMics, NumMics, 2), nil
}

// csmTriu is nf×M×M: the real part on and above the diagonal, the
// imaginary part below it.
func csmTriu(ctx context.Context, m *Model) (features.Value, error) {
	c, err := m.CSM(ctx)
	if err != nil {
		return features.Value{}, err
	}
	out := make([]float64, 0, len(c)*NumMics*NumMics)
	for _, mat := range c {
		for i := range NumMics {
			for j := range NumMics {
				x := mat[i*NumMics+j]
				if j >= i {
					out = append(out, real(x))
				} else {
					out = append(out, imag(x))
				}
			}
		}
	}
	return features.Array(out, len(c), NumMics, NumMics), nil
}

// eigmode is nf×M×2: the leading eigenvector scaled by its eigenvalue.
func eigmode(ctx context.Context, m *Model) (features.Value, error) {
	c, err := m.CSM(ctx)
	if err != nil {
		return features.Value{}, err
	}
	out := make([]float64, 0, len(c)*NumMics*2)
	for _, mat := range c {
		if err := ctx.Err(); err != nil {
			return features.Value{}, err
		}
		lambda, v := leadingEigen(mat, NumMics)
		for _, x := range v {
			out = append(out, lambda*real(x), lambda*imag(x))
		}
	}
	return features.Array(out, len(c), NumMics, 2), nil
}

// sourcemap is nf×n×n, the beamforming map over the focus grid.
func sourcemap(ctx context.Context, m *Model) (features.Value, error) {
	c, err := m.CSM(ctx)
	if err != nil {
		return features.Value{}, err
	}
	out := make([]float64, 0, len(c)*len(m.grid))
	for fi, mat := range c {
		if err := ctx.Err(); err != nil {
			return features.Value{}, err
		}
		out = append(out, beamform(mat, m.steer(fi), len(m.grid))...)
	}
	return features.Array(out, len(c), m.gridN, m.gridN), nil
}

func freqs(_ context.Context, m *Model) (features.Value, error) {
	return features.Array(append([]float64(nil), m.freqs...), len(m.freqs)), nil
}

// noise is the per-bin noise variance at each selected frequency.
func noise(_ context.Context, m *Model) (features.Value, error) {
	out := make([]float64, len(m.freqs))
	v := m.noiseVariance()
	for i := range out {
		out[i] = v
	}
	return features.Array(out, len(out)), nil
}
