// Package audio turns uploaded recordings into the canonical input for the
// recognition backend: 16 kHz, mono, 16-bit signed PCM WAV.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"
)

// Target format of every normalized file.
const (
	TargetRate     = 16000
	TargetChannels = 1
	TargetBitDepth = 16
)

const wavFormatPCM = 1

// UnsupportedCodecError means the upload could not be decoded locally. The
// user has to supply a different file; there is no external transcoder fallback.
type UnsupportedCodecError struct {
	Format string // "wav" or "mp3"
	Err    error
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported %s audio: %v", e.Format, e.Err)
}

func (e *UnsupportedCodecError) Unwrap() error { return e.Err }

// NormalizedAudio is a PCM WAV file on temporary storage derived from exactly
// one upload. It is never modified after creation; the owner releases it with
// Remove.
type NormalizedAudio struct {
	Path        string
	SampleRate  int
	Channels    int
	BitDepth    int
	Frames      int
	PassThrough bool // the upload bytes were kept as-is

	SourceFormat   string
	SourceRate     int
	SourceChannels int
}

// Seconds returns the audio length in seconds, or 0 if unknown.
func (a *NormalizedAudio) Seconds() float64 {
	if a == nil || a.SampleRate == 0 {
		return 0
	}
	return float64(a.Frames) / float64(a.SampleRate)
}

// Duration returns the audio length.
func (a *NormalizedAudio) Duration() time.Duration {
	return time.Duration(a.Seconds() * float64(time.Second))
}

// Open opens the WAV file for reading.
func (a *NormalizedAudio) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Bytes reads the whole WAV file.
func (a *NormalizedAudio) Bytes() ([]byte, error) {
	return os.ReadFile(a.Path)
}

// Remove deletes the temporary file. Safe to call more than once.
func (a *NormalizedAudio) Remove() error {
	if a == nil || a.Path == "" {
		return nil
	}
	err := os.Remove(a.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Options configures a Normalizer.
type Options struct {
	TempDir string // "" uses os.TempDir()

	// TrustWAV copies .wav uploads without looking at their header, assuming
	// they already match the target format.
	TrustWAV bool

	Log zerolog.Logger
}

// Normalizer converts uploads to NormalizedAudio.
type Normalizer struct {
	opts Options
	log  zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts Options) *Normalizer {
	return &Normalizer{
		opts: opts,
		log:  opts.Log.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize decodes raw according to the extension of filename and writes a
// 16 kHz mono 16-bit PCM WAV to temporary storage. Files ending in .wav are
// parsed as WAV; everything else is decoded as MP3. Decode failures are always
// reported as *UnsupportedCodecError.
func (n *Normalizer) Normalize(raw []byte, filename string) (*NormalizedAudio, error) {
	if IsWAV(filename) {
		return n.normalizeWAV(raw)
	}
	return n.normalizeMP3(raw)
}

// IsWAV reports whether filename has a .wav extension (any case).
func IsWAV(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".wav")
}

func (n *Normalizer) normalizeWAV(raw []byte) (*NormalizedAudio, error) {
	if n.opts.TrustWAV {
		na := &NormalizedAudio{
			SampleRate:   TargetRate,
			Channels:     TargetChannels,
			BitDepth:     TargetBitDepth,
			PassThrough:  true,
			SourceFormat: "wav",
		}
		if p, err := decodeWAV(raw); err == nil {
			na.Frames = p.frames()
			na.SourceRate = p.rate
			na.SourceChannels = p.channels
		}
		return n.writeRaw(raw, na)
	}

	p, err := decodeWAV(raw)
	if err != nil {
		return nil, &UnsupportedCodecError{Format: "wav", Err: err}
	}

	if p.rate == TargetRate && p.channels == TargetChannels && p.bitDepth == TargetBitDepth {
		return n.writeRaw(raw, &NormalizedAudio{
			SampleRate:     TargetRate,
			Channels:       TargetChannels,
			BitDepth:       TargetBitDepth,
			Frames:         p.frames(),
			PassThrough:    true,
			SourceFormat:   "wav",
			SourceRate:     p.rate,
			SourceChannels: p.channels,
		})
	}

	n.log.Debug().
		Int("rate", p.rate).
		Int("channels", p.channels).
		Int("bit_depth", p.bitDepth).
		Msg("converting wav to target format")
	return n.encode(p, "wav")
}

func (n *Normalizer) normalizeMP3(raw []byte) (*NormalizedAudio, error) {
	p, err := decodeMP3(raw)
	if err != nil {
		return nil, &UnsupportedCodecError{Format: "mp3", Err: err}
	}
	n.log.Debug().
		Int("rate", p.rate).
		Int("frames", p.frames()).
		Msg("converting mp3 to target format")
	return n.encode(p, "mp3")
}

func (n *Normalizer) writeRaw(raw []byte, na *NormalizedAudio) (*NormalizedAudio, error) {
	f, err := os.CreateTemp(n.opts.TempDir, "transcriptor-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write temp wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close temp wav: %w", err)
	}
	na.Path = f.Name()
	return na, nil
}

func (n *Normalizer) encode(p *pcm, sourceFormat string) (*NormalizedAudio, error) {
	mono := p.mono()
	if p.rate != TargetRate {
		mono = Resample(mono, p.rate, TargetRate)
	}

	data := make([]int, len(mono))
	for i, v := range mono {
		data[i] = toInt16(v)
	}

	f, err := os.CreateTemp(n.opts.TempDir, "transcriptor-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	path := f.Name()

	enc := wav.NewEncoder(f, TargetRate, TargetBitDepth, TargetChannels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: TargetChannels, SampleRate: TargetRate},
		Data:           data,
		SourceBitDepth: TargetBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close temp wav: %w", err)
	}

	return &NormalizedAudio{
		Path:           path,
		SampleRate:     TargetRate,
		Channels:       TargetChannels,
		BitDepth:       TargetBitDepth,
		Frames:         len(data),
		SourceFormat:   sourceFormat,
		SourceRate:     p.rate,
		SourceChannels: p.channels,
	}, nil
}

// pcm is decoded audio as interleaved samples in [-1, 1].
type pcm struct {
	samples  []float64
	rate     int
	channels int
	bitDepth int
}

func (p *pcm) frames() int {
	if p.channels == 0 {
		return 0
	}
	return len(p.samples) / p.channels
}

// mono averages channel samples frame by frame.
func (p *pcm) mono() []float64 {
	if p.channels == 1 {
		return p.samples
	}
	frames := p.frames()
	out := make([]float64, frames)
	inv := 1 / float64(p.channels)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < p.channels; c++ {
			sum += p.samples[i*p.channels+c]
		}
		out[i] = sum * inv
	}
	return out
}

func decodeWAV(raw []byte) (*pcm, error) {
	d := wav.NewDecoder(bytes.NewReader(raw))
	if !d.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	if d.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("WAV encoding %d is not integer PCM", d.WavAudioFormat)
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		return nil, errors.New("WAV header has no channels or sample rate")
	}

	bitDepth := int(d.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported WAV bit depth %d", bitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read WAV samples: %w", err)
	}

	samples := make([]float64, len(buf.Data))
	if bitDepth == 8 {
		// 8-bit PCM is unsigned.
		for i, v := range buf.Data {
			samples[i] = float64(v-128) / 128
		}
	} else {
		scale := float64(int64(1) << (bitDepth - 1))
		for i, v := range buf.Data {
			samples[i] = float64(v) / scale
		}
	}

	return &pcm{
		samples:  samples,
		rate:     int(d.SampleRate),
		channels: int(d.NumChans),
		bitDepth: bitDepth,
	}, nil
}

func decodeMP3(raw []byte) (p *pcm, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("mp3 decoder: %v", r)
		}
	}()

	d, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}
	data, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	if d.SampleRate() <= 0 {
		return nil, errors.New("mp3 stream has no sample rate")
	}

	// go-mp3 always emits 16-bit little-endian stereo.
	const channels = 2
	frames := len(data) / (2 * channels)
	if frames == 0 {
		return nil, errors.New("no audio frames decoded")
	}

	samples := make([]float64, frames*channels)
	for i := range samples {
		v := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		samples[i] = float64(v) / 32768
	}

	return &pcm{
		samples:  samples,
		rate:     d.SampleRate(),
		channels: channels,
		bitDepth: 16,
	}, nil
}

func toInt16(v float64) int {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(v * 32767))
}
