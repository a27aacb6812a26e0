package audio

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeWAV builds a PCM WAV in memory with interleaved samples.
func encodeWAV(t *testing.T, rate, channels, bitDepth int, data []int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, bitDepth, channels, wavFormatPCM)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func sineInts(frames, channels, rate int, freq, amp float64) []int {
	out := make([]int, 0, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(math.Round(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))))
		for c := 0; c < channels; c++ {
			out = append(out, v)
		}
	}
	return out
}

func readNormalized(t *testing.T, na *NormalizedAudio) *goaudio.IntBuffer {
	t.Helper()
	raw, err := na.Bytes()
	require.NoError(t, err)
	d := wav.NewDecoder(bytes.NewReader(raw))
	require.True(t, d.IsValidFile())
	assert.Equal(t, uint32(TargetRate), d.SampleRate)
	assert.Equal(t, uint16(TargetChannels), d.NumChans)
	assert.Equal(t, uint16(TargetBitDepth), d.BitDepth)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return buf
}

func newTestNormalizer(t *testing.T) *Normalizer {
	return NewNormalizer(Options{TempDir: t.TempDir()})
}

func TestNormalizeStereo44kToMono16k(t *testing.T) {
	const frames = 44100 // 1 s
	raw := encodeWAV(t, 44100, 2, 16, sineInts(frames, 2, 44100, 440, 8000))

	na, err := newTestNormalizer(t).Normalize(raw, "llamada.WAV")
	require.NoError(t, err)
	defer na.Remove()

	assert.False(t, na.PassThrough)
	assert.Equal(t, 16000, na.Frames)
	assert.InDelta(t, 1.0, na.Seconds(), 1e-9)
	assert.Equal(t, 44100, na.SourceRate)
	assert.Equal(t, 2, na.SourceChannels)

	buf := readNormalized(t, na)
	assert.Len(t, buf.Data, 16000)
}

func TestNormalizeMP3(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("testdata", "speech.mp3"))
	require.NoError(t, err)

	src, err := decodeMP3(raw)
	require.NoError(t, err)
	require.Equal(t, 22050, src.rate)

	na, err := newTestNormalizer(t).Normalize(raw, "entrevista.MP3")
	require.NoError(t, err)
	defer na.Remove()

	assert.False(t, na.PassThrough)
	assert.Equal(t, "mp3", na.SourceFormat)
	assert.Equal(t, 22050, na.SourceRate)
	assert.Equal(t, 2, na.SourceChannels)
	assert.Equal(t, TargetRate, na.SampleRate)
	assert.Equal(t, TargetChannels, na.Channels)
	assert.Equal(t, TargetBitDepth, na.BitDepth)
	assert.Equal(t, ResampledLength(src.frames(), 22050, TargetRate), na.Frames)

	buf := readNormalized(t, na)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Equal(t, TargetRate, buf.Format.SampleRate)
	assert.Len(t, buf.Data, na.Frames)

	var peak int
	for _, v := range buf.Data {
		if v > peak {
			peak = v
		}
	}
	assert.Greater(t, peak, 1000, "decoded speech is not silent")
}

func TestNormalizeUpsample8k(t *testing.T) {
	raw := encodeWAV(t, 8000, 1, 16, sineInts(8000, 1, 8000, 200, 10000))

	na, err := newTestNormalizer(t).Normalize(raw, "a.wav")
	require.NoError(t, err)
	defer na.Remove()

	assert.Equal(t, 16000, na.Frames)
	buf := readNormalized(t, na)
	require.Len(t, buf.Data, 16000)

	// Away from the edges the upsampled tone tracks the analytic signal.
	for i := 2000; i < 14000; i += 97 {
		want := 10000 * math.Sin(2*math.Pi*200*float64(i)/16000)
		assert.InDelta(t, want, float64(buf.Data[i]), 150, "sample %d", i)
	}
}

func TestNormalizePassThroughIsByteIdentical(t *testing.T) {
	raw := encodeWAV(t, 16000, 1, 16, sineInts(4000, 1, 16000, 300, 5000))

	na, err := newTestNormalizer(t).Normalize(raw, "ya_normalizado.wav")
	require.NoError(t, err)
	defer na.Remove()

	assert.True(t, na.PassThrough)
	assert.Equal(t, 4000, na.Frames)
	got, err := na.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestNormalizeConvertsOtherBitDepths(t *testing.T) {
	// 24-bit mono 16 kHz: same rate and layout but must be re-encoded.
	data := []int{0, 1 << 22, -(1 << 22), (1 << 23) - 1}
	raw := encodeWAV(t, 16000, 1, 24, data)

	na, err := newTestNormalizer(t).Normalize(raw, "x.wav")
	require.NoError(t, err)
	defer na.Remove()

	assert.False(t, na.PassThrough)
	buf := readNormalized(t, na)
	require.Len(t, buf.Data, 4)
	assert.Equal(t, 0, buf.Data[0])
	assert.InDelta(t, 16384, buf.Data[1], 1)
	assert.InDelta(t, -16384, buf.Data[2], 1)
	assert.InDelta(t, 32767, buf.Data[3], 1)
}

func TestDownmixAveragesChannels(t *testing.T) {
	p := &pcm{samples: []float64{1, 0, 0.5, -0.5, -1, -1}, rate: 16000, channels: 2}
	assert.Equal(t, []float64{0.5, 0, -1}, p.mono())
}

func TestNormalizeCorruptInput(t *testing.T) {
	junk := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 256)

	tests := []struct {
		name     string
		filename string
		format   string
	}{
		{"mp3", "grabacion.mp3", "mp3"},
		{"no_extension_is_mp3", "grabacion", "mp3"},
		{"bad_wav_header", "grabacion.wav", "wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			n := NewNormalizer(Options{TempDir: dir})
			_, err := n.Normalize(junk, tt.filename)

			var uce *UnsupportedCodecError
			require.True(t, errors.As(err, &uce), "err = %v", err)
			assert.Equal(t, tt.format, uce.Format)

			entries, _ := os.ReadDir(dir)
			assert.Empty(t, entries, "no temp file left behind")
		})
	}
}

func TestNormalizeTrustWAVSkipsValidation(t *testing.T) {
	junk := []byte("not really a wav")
	n := NewNormalizer(Options{TempDir: t.TempDir(), TrustWAV: true})

	na, err := n.Normalize(junk, "x.wav")
	require.NoError(t, err)
	defer na.Remove()

	assert.True(t, na.PassThrough)
	got, _ := na.Bytes()
	assert.Equal(t, junk, got)
}

func TestRemoveIsIdempotent(t *testing.T) {
	raw := encodeWAV(t, 16000, 1, 16, []int{1, 2, 3})
	na, err := newTestNormalizer(t).Normalize(raw, "x.wav")
	require.NoError(t, err)

	require.NoError(t, na.Remove())
	require.NoError(t, na.Remove())
	_, err = os.Stat(na.Path)
	assert.True(t, os.IsNotExist(err))
}
