package audio

import (
	"math"
	"testing"
)

func TestResampledLength(t *testing.T) {
	tests := []struct {
		n, in, out, want int
	}{
		{44100, 44100, 16000, 16000},
		{8000, 8000, 16000, 16000},
		{1, 48000, 16000, 0},  // 1/3 rounds down
		{3, 32000, 16000, 2},  // 1.5 ties to even
		{5, 32000, 16000, 2},  // 2.5 ties to even
		{22050, 22050, 16000, 16000},
		{0, 44100, 16000, 0},
	}
	for _, tt := range tests {
		got := ResampledLength(tt.n, tt.in, tt.out)
		if got != tt.want {
			t.Errorf("ResampledLength(%d, %d, %d) = %d, want %d", tt.n, tt.in, tt.out, got, tt.want)
		}
	}
}

func TestResamplePreservesDC(t *testing.T) {
	for _, rate := range []int{8000, 11025, 22050, 44100, 48000} {
		in := make([]float64, rate/2)
		for i := range in {
			in[i] = 0.5
		}
		out := Resample(in, rate, 16000)
		if len(out) != ResampledLength(len(in), rate, 16000) {
			t.Fatalf("rate %d: len = %d", rate, len(out))
		}
		// Skip the zero-padded edges.
		for i := 200; i < len(out)-200; i++ {
			if math.Abs(out[i]-0.5) > 1e-6 {
				t.Fatalf("rate %d: out[%d] = %v, want 0.5", rate, i, out[i])
			}
		}
	}
}

func TestResampleAttenuatesAboveNyquist(t *testing.T) {
	// 12 kHz is above the 8 kHz output Nyquist and must be filtered out.
	const rate = 48000
	in := make([]float64, rate)
	for i := range in {
		in[i] = math.Sin(2 * math.Pi * 12000 * float64(i) / rate)
	}
	out := Resample(in, rate, 16000)

	var peak float64
	for i := 500; i < len(out)-500; i++ {
		peak = math.Max(peak, math.Abs(out[i]))
	}
	if peak > 0.01 {
		t.Errorf("alias peak = %v, want < 0.01", peak)
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []float64{0.1, 0.2, 0.3}
	out := Resample(in, 16000, 16000)
	out[0] = 9
	if in[0] != 0.1 {
		t.Error("Resample aliased its input")
	}
}
