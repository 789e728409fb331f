package acoustics

import (
	"context"
	"math"
	"math/cmplx"
)

// CSM returns the analytic cross-spectral matrix of the current sample, one
// row-major NumMics×NumMics matrix per selected frequency:
//
//	C(f) = Σ_s q_s h_s(f) h_s(f)^H + σ² I
//
// where q_s is the per-bin strength of source s at the reference point and
// σ² the noise variance. The result is kept until the next Prepare.
func (m *Model) CSM(ctx context.Context) ([][]complex128, error) {
	if m.state.csm != nil {
		return m.state.csm, nil
	}
	hs := make([][][]complex128, len(m.state.active))
	for i, h := range m.state.active {
		hs[i] = m.transferOf(h, m.state.locs[i])
	}
	noise := complex(m.noiseVariance(), 0)

	out := make([][]complex128, len(m.freqs))
	for fi := range m.freqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := make([]complex128, NumMics*NumMics)
		for s, h := range hs {
			q := complex(m.binStrength(m.state.strength[s]), 0)
			v := h[fi]
			for i := range NumMics {
				qi := q * v[i]
				row := c[i*NumMics : (i+1)*NumMics]
				for j := range NumMics {
					row[j] += qi * cmplx.Conj(v[j])
				}
			}
		}
		for i := range NumMics {
			c[i*NumMics+i] += noise
		}
		out[fi] = c
	}
	m.state.csm = out
	return out, nil
}

// leadingEigen returns the dominant eigenpair of the Hermitian positive
// semi-definite matrix c by power iteration. The eigenvector has unit norm
// and its reference component is real and non-negative.
func leadingEigen(c []complex128, n int) (float64, []complex128) {
	v := make([]complex128, n)
	w := make([]complex128, n)
	for i := range v {
		v[i] = complex(1/math.Sqrt(float64(n)), 0)
	}
	lambda := 0.0
	for range 200 {
		for i := range n {
			var acc complex128
			row := c[i*n : (i+1)*n]
			for j := range n {
				acc += row[j] * v[j]
			}
			w[i] = acc
		}
		norm := 0.0
		for _, x := range w {
			norm += real(x)*real(x) + imag(x)*imag(x)
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return 0, make([]complex128, n)
		}
		delta := 0.0
		for i := range n {
			x := w[i] / complex(norm, 0)
			delta = math.Max(delta, cmplx.Abs(x-v[i]))
			v[i] = x
		}
		lambda = norm
		if delta < 1e-12 {
			break
		}
	}
	if a := cmplx.Abs(v[RefMic%n]); a > 0 {
		phase := cmplx.Conj(v[RefMic%n]) / complex(a, 0)
		for i := range v {
			v[i] *= phase
		}
	}
	return lambda, v
}

// beamform evaluates the delay-and-sum map of c on the focus grid with the
// main diagonal removed. Negative levels are clipped to zero.
func beamform(c []complex128, steer []complex128, points int) []float64 {
	out := make([]float64, points)
	scale := float64(NumMics) / float64(NumMics-1)
	for gi := range points {
		e := steer[gi*NumMics : (gi+1)*NumMics]
		var acc complex128
		for i := range NumMics {
			row := c[i*NumMics : (i+1)*NumMics]
			var inner complex128
			for j := range NumMics {
				if j != i {
					inner += row[j] * e[j]
				}
			}
			acc += cmplx.Conj(e[i]) * inner
		}
		out[gi] = math.Max(real(acc)*scale, 0)
	}
	return out
}
