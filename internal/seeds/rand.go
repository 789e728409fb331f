package seeds

import "math/rand/v2"

// mix is the SplitMix64 finaliser. Neighbouring seeds differ in one low bit;
// mixing spreads that difference over both PCG words.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Rand returns a fresh generator for seed. Equal seeds yield equal streams.
func Rand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(mix(seed), mix(^seed)))
}
