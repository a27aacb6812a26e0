package audio

import "math"

// zeroCrossings is the half-width of the interpolation kernel in zero
// crossings of the low-pass sinc.
const zeroCrossings = 16

// maxTablePhases bounds the precomputed coefficient table. Rate pairs with more
// phases compute their coefficients per output sample.
const maxTablePhases = 4096

// ResampledLength is the output length for n input samples:
// round(n * outRate / inRate), ties to even.
func ResampledLength(n, inRate, outRate int) int {
	return int(math.RoundToEven(float64(n) * float64(outRate) / float64(inRate)))
}

// Resample converts mono samples from inRate to outRate with a polyphase
// Blackman-windowed sinc filter. When downsampling the cutoff moves to the
// output Nyquist frequency. len(result) == ResampledLength(len(in), inRate, outRate).
func Resample(in []float64, inRate, outRate int) []float64 {
	if inRate == outRate {
		out := make([]float64, len(in))
		copy(out, in)
		return out
	}

	outLen := ResampledLength(len(in), inRate, outRate)
	out := make([]float64, outLen)
	if len(in) == 0 || outLen == 0 {
		return out
	}

	g := gcd(inRate, outRate)
	up := outRate / g
	down := inRate / g

	cutoff := math.Min(1, float64(up)/float64(down))
	half := int(math.Ceil(zeroCrossings / cutoff))
	taps := 2 * half

	k := kernel{cutoff: cutoff, half: half}

	var table [][]float64
	if up <= maxTablePhases {
		table = make([][]float64, up)
		for p := 0; p < up; p++ {
			table[p] = k.coefficients(float64(p)/float64(up), taps)
		}
	}

	for j := 0; j < outLen; j++ {
		pos := int64(j) * int64(down)
		base := int(pos / int64(up))
		phase := int(pos % int64(up))

		var coef []float64
		if table != nil {
			coef = table[phase]
		} else {
			coef = k.coefficients(float64(phase)/float64(up), taps)
		}

		start := base - half + 1
		var acc float64
		for i := 0; i < taps; i++ {
			idx := start + i
			if idx < 0 || idx >= len(in) {
				continue
			}
			acc += in[idx] * coef[i]
		}
		out[j] = acc
	}
	return out
}

type kernel struct {
	cutoff float64
	half   int
}

// coefficients returns the taps for an output sample sitting frac input
// samples after its base index, normalized to unit DC gain.
func (k kernel) coefficients(frac float64, taps int) []float64 {
	c := make([]float64, taps)
	var sum float64
	for i := 0; i < taps; i++ {
		u := frac + float64(k.half-1-i)
		v := k.cutoff * sinc(k.cutoff*u) * blackman(u/float64(k.half))
		c[i] = v
		sum += v
	}
	if sum != 0 {
		for i := range c {
			c[i] /= sum
		}
	}
	return c
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the Blackman window on t in [-1, 1].
func blackman(t float64) float64 {
	if t <= -1 || t >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*t) + 0.08*math.Cos(2*math.Pi*t)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
