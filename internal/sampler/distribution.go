package sampler

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Distribution draws one value per call from r.
type Distribution interface {
	Draw(r *rand.Rand) float64
	String() string
}

// Normal is a Gaussian with mean Mu and standard deviation Sigma.
type Normal struct {
	Mu, Sigma float64
}

func (d Normal) Draw(r *rand.Rand) float64 { return d.Mu + d.Sigma*r.NormFloat64() }

func (d Normal) String() string { return fmt.Sprintf("normal(mu=%g, sigma=%g)", d.Mu, d.Sigma) }

// Uniform draws from [Low, High).
type Uniform struct {
	Low, High float64
}

func (d Uniform) Draw(r *rand.Rand) float64 { return d.Low + (d.High-d.Low)*r.Float64() }

func (d Uniform) String() string { return fmt.Sprintf("uniform(%g, %g)", d.Low, d.High) }

// Poisson draws Loc + k with k Poisson distributed with mean Mu.
type Poisson struct {
	Mu  float64
	Loc float64
}

func (d Poisson) Draw(r *rand.Rand) float64 {
	if d.Mu <= 0 {
		return d.Loc
	}
	if d.Mu > 30 {
		// Normal approximation keeps large means O(1).
		k := math.Round(d.Mu + math.Sqrt(d.Mu)*r.NormFloat64())
		return d.Loc + math.Max(0, k)
	}
	limit := math.Exp(-d.Mu)
	k := 0
	p := r.Float64()
	for p > limit {
		k++
		p *= r.Float64()
	}
	return d.Loc + float64(k)
}

func (d Poisson) String() string { return fmt.Sprintf("poisson(mu=%g, loc=%g)", d.Mu, d.Loc) }

// Rayleigh draws from a Rayleigh distribution with the given Scale.
type Rayleigh struct {
	Scale float64
}

func (d Rayleigh) Draw(r *rand.Rand) float64 {
	return d.Scale * math.Sqrt(-2*math.Log(1-r.Float64()))
}

func (d Rayleigh) String() string { return fmt.Sprintf("rayleigh(scale=%g)", d.Scale) }

// Constant always returns Value.
type Constant struct {
	Value float64
}

func (d Constant) Draw(*rand.Rand) float64 { return d.Value }

func (d Constant) String() string { return fmt.Sprintf("constant(%g)", d.Value) }

// Discrete picks one of Values. Weights are relative; nil means uniform.
type Discrete struct {
	Values  []float64
	Weights []float64
}

func (d Discrete) Draw(r *rand.Rand) float64 {
	if len(d.Values) == 0 {
		return math.NaN()
	}
	if len(d.Weights) != len(d.Values) {
		return d.Values[r.IntN(len(d.Values))]
	}
	total := 0.0
	for _, w := range d.Weights {
		total += w
	}
	u := r.Float64() * total
	for i, w := range d.Weights {
		if u < w {
			return d.Values[i]
		}
		u -= w
	}
	return d.Values[len(d.Values)-1]
}

func (d Discrete) String() string { return fmt.Sprintf("discrete(%v)", d.Values) }

// Interval is a closed range. Use Unbounded for a component without limits.
type Interval struct {
	Low, High float64
}

// Unbounded accepts every finite value.
func Unbounded() Interval { return Interval{Low: math.Inf(-1), High: math.Inf(1)} }

// Contains reports whether v lies in [Low, High].
func (i Interval) Contains(v float64) bool { return v >= i.Low && v <= i.High }

// Clamp returns v limited to the interval.
func (i Interval) Clamp(v float64) float64 { return math.Min(math.Max(v, i.Low), i.High) }
