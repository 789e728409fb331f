package acoustics

import (
	"math"
	"math/cmplx"
	"sort"
)

// Fixed parameters of the synthetic dataset.
const (
	// SpeedOfSound in m/s.
	SpeedOfSound = 343.0
	// SamplingHelmholtz defines the sampling frequency as He·c/aperture.
	SamplingHelmholtz = 40.0
	// BlockSize is the FFT block size; the spectra have BlockSize/2+1 bins.
	BlockSize = 128
	// Aperture of the microphone array in m.
	Aperture = 1.0
	// NumMics is the number of microphones of the array.
	NumMics = 64
	// RefMic is the index of the centermost microphone, the observation
	// point of source strengths.
	RefMic = 63
	// MaxSources is the number of candidate sources.
	MaxSources = 16
	// SourceZ is the distance of the source plane from the array.
	SourceZ = 0.5
	// GridExtent is the half width of the square focus grid.
	GridExtent = 0.5
	// DefaultGridIncrement is the focus grid spacing.
	DefaultGridIncrement = 0.05
)

// SampleFreq returns the sampling frequency in Hz.
func SampleFreq() float64 { return SamplingHelmholtz * SpeedOfSound / Aperture }

// FFTFreqs returns the centre frequencies of the one-sided spectrum.
func FFTFreqs() []float64 {
	fs := SampleFreq()
	out := make([]float64, BlockSize/2+1)
	for k := range out {
		out[k] = float64(k) * fs / BlockSize
	}
	return out
}

// NearestBin returns the index of the bin closest to the frequency of
// Helmholtz number he. Ties resolve to the lower bin.
func NearestBin(he float64) int {
	freqs := FFTFreqs()
	f := he * SpeedOfSound / Aperture
	i := sort.SearchFloat64s(freqs, f)
	switch {
	case i == 0:
		return 0
	case i == len(freqs):
		return len(freqs) - 1
	case freqs[i]-f < f-freqs[i-1]:
		return i
	default:
		return i - 1
	}
}

// vogelArray places n microphones on a Vogel spiral of the given aperture
// at z=0, flattened as interleaved x,y,z triplets. The spiral is ordered
// from the rim inwards, so the last microphone sits at the centre.
func vogelArray(n int, aperture float64) []float64 {
	golden := math.Pi * (3 - math.Sqrt(5))
	out := make([]float64, 0, 3*n)
	for i := range n {
		k := n - 1 - i
		r := aperture / 2 * math.Sqrt(float64(k)/float64(n-1))
		theta := float64(k) * golden
		out = append(out, r*math.Cos(theta), r*math.Sin(theta), 0)
	}
	return out
}

// gridPoints returns the focus points of a square grid in the source plane,
// x-major, and the number of points per axis.
func gridPoints(increment float64) ([][3]float64, int) {
	n := int(math.Round(2*GridExtent/increment)) + 1
	pts := make([][3]float64, 0, n*n)
	for i := range n {
		x := -GridExtent + float64(i)*increment
		for j := range n {
			y := -GridExtent + float64(j)*increment
			pts = append(pts, [3]float64{x, y, SourceZ})
		}
	}
	return pts, n
}

func dist(mpos []float64, m int, p [3]float64) float64 {
	dx := mpos[3*m] - p[0]
	dy := mpos[3*m+1] - p[1]
	dz := mpos[3*m+2] - p[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// transfer returns the free-field monopole transfer function from p to every
// microphone at frequency f, normalised so that the response at the
// reference point ref is 1.
func transfer(mpos []float64, ref [3]float64, p [3]float64, f float64, out []complex128) {
	r0 := math.Sqrt((ref[0]-p[0])*(ref[0]-p[0]) + (ref[1]-p[1])*(ref[1]-p[1]) + (ref[2]-p[2])*(ref[2]-p[2]))
	k := 2 * math.Pi * f / SpeedOfSound
	for m := range out {
		rm := dist(mpos, m, p)
		out[m] = complex(r0/rm, 0) * cmplx.Exp(complex(0, -k*(rm-r0)))
	}
}
