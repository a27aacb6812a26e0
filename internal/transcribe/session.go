package transcribe

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/transcript"
)

// TicksPerSecond converts backend offsets and durations (100 ns units) to seconds.
const TicksPerSecond = 10_000_000

// Speaker bounds accepted by the diarization backend.
const (
	MinSpeakers     = 2
	MaxSpeakers     = 10
	DefaultSpeakers = 5
)

// DefaultLanguage is used when Options.Language is empty.
const DefaultLanguage = "es-ES"

// Languages offered to users, locale to display name.
var Languages = []Language{
	{Locale: "es-ES", Name: "Español (España)"},
	{Locale: "es-MX", Name: "Español (México)"},
	{Locale: "en-US", Name: "Inglés (EE.UU.)"},
	{Locale: "en-GB", Name: "Inglés (Reino Unido)"},
}

// Language is a selectable recognition locale.
type Language struct {
	Locale string `json:"locale"`
	Name   string `json:"name"`
}

// SupportedLanguage reports whether locale is in Languages.
func SupportedLanguage(locale string) bool {
	for _, l := range Languages {
		if l.Locale == locale {
			return true
		}
	}
	return false
}

// EventKind identifies a recognition event.
type EventKind int

const (
	EventRecognized EventKind = iota + 1
	EventSessionStopped
	EventCanceled
)

func (k EventKind) String() string {
	switch k {
	case EventRecognized:
		return "recognized"
	case EventSessionStopped:
		return "session_stopped"
	case EventCanceled:
		return "canceled"
	}
	return "unknown"
}

// ResultReason says what a Recognized event carries.
type ResultReason int

const (
	ReasonRecognizedSpeech ResultReason = iota + 1
	ReasonNoMatch
)

// CancelReason distinguishes a failure from a normal end of stream.
type CancelReason int

const (
	CancelEndOfStream CancelReason = iota
	CancelError
)

// Event is one message from a recognition backend. Offset and Duration are in
// 100 ns ticks.
type Event struct {
	Kind         EventKind
	Reason       ResultReason
	SpeakerID    string
	Text         string
	Offset       int64
	Duration     int64
	CancelReason CancelReason
	ErrorDetails string
}

// Recognizer is a diarization-capable speech backend. Start begins
// recognition of the WAV file at audioPath and returns immediately; events are
// delivered on the channel from the backend's own goroutine and end with
// exactly one SessionStopped or Canceled. Implementations must stop sending
// once ctx is done.
type Recognizer interface {
	Start(ctx context.Context, audioPath string, opts Options, events chan<- Event) error
	Name() string
}

// Options configures one transcription run.
type Options struct {
	Language         string   // recognition locale, e.g. es-ES
	CandidateLocales []string // language identification candidates
	MaxSpeakers      int
	ContinuousLID    bool
	WordTimestamps   bool
}

// Normalize fills defaults and clamps MaxSpeakers to the supported range.
func (o Options) Normalize() Options {
	if strings.TrimSpace(o.Language) == "" {
		o.Language = DefaultLanguage
	}
	switch {
	case o.MaxSpeakers == 0:
		o.MaxSpeakers = DefaultSpeakers
	case o.MaxSpeakers < MinSpeakers:
		o.MaxSpeakers = MinSpeakers
	case o.MaxSpeakers > MaxSpeakers:
		o.MaxSpeakers = MaxSpeakers
	}
	if len(o.CandidateLocales) == 0 {
		o.CandidateLocales = []string{o.Language}
	}
	return o
}

// DefaultOptions are the settings used when the caller has no preference.
func DefaultOptions() Options {
	return Options{ContinuousLID: true, WordTimestamps: true}.Normalize()
}

// TranscriptionError is a backend failure reported through a Canceled event.
type TranscriptionError struct {
	Detail string
}

func (e *TranscriptionError) Error() string {
	if e.Detail == "" {
		return "transcription canceled by backend"
	}
	return "transcription failed: " + e.Detail
}

// ProgressFunc receives a completion estimate in [0, 1].
type ProgressFunc func(progress float64)

// State of a running session.
type State int

const (
	StateRunning State = iota
	StateStopped
	StateCanceled
)

// ProgressStep is the per-segment increment when the audio length is unknown.
const ProgressStep = 0.02

const eventBuffer = 64

// Session drives a Recognizer over one normalized file and collects the
// speaker-tagged segments.
type Session struct {
	rec Recognizer
	log zerolog.Logger
}

// NewSession creates a Session on top of rec.
func NewSession(rec Recognizer, log zerolog.Logger) *Session {
	return &Session{rec: rec, log: log}
}

// Transcribe runs recognition to completion. It returns only after a terminal
// event, or with ctx.Err() when ctx is done first. Segments keep the order the
// backend delivered them. A Canceled event carrying an error discards the
// partial transcript and returns *TranscriptionError.
func (s *Session) Transcribe(ctx context.Context, a *audio.NormalizedAudio, opts Options, onProgress ProgressFunc) (*transcript.Transcript, error) {
	if a == nil {
		return nil, errors.New("transcribe: no audio")
	}
	opts = opts.Normalize()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, eventBuffer)
	if err := s.rec.Start(runCtx, a.Path, opts, events); err != nil {
		return nil, &TranscriptionError{Detail: err.Error()}
	}

	log := s.log.With().Str("backend", s.rec.Name()).Str("language", opts.Language).Logger()
	log.Debug().Float64("audio_seconds", a.Seconds()).Int("max_speakers", opts.MaxSpeakers).Msg("recognition started")

	prog := newProgress(a.Seconds(), onProgress)
	var segments []transcript.Segment
	state := StateRunning

	for state == StateRunning {
		select {
		case <-ctx.Done():
			log.Debug().Int("segments", len(segments)).Msg("recognition abandoned")
			return nil, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil, &TranscriptionError{Detail: "event stream closed before a terminal event"}
			}
			switch ev.Kind {
			case EventRecognized:
				seg, keep := segmentFrom(ev)
				if !keep {
					continue
				}
				segments = append(segments, seg)
				prog.advance(seg.End())

			case EventSessionStopped:
				state = StateStopped

			case EventCanceled:
				if ev.CancelReason == CancelError {
					log.Warn().Str("detail", ev.ErrorDetails).Int("discarded_segments", len(segments)).Msg("recognition canceled with error")
					return nil, &TranscriptionError{Detail: ev.ErrorDetails}
				}
				state = StateCanceled
			}
		}
	}

	prog.finish()
	log.Info().Int("segments", len(segments)).Msg("recognition complete")
	return transcript.New(segments), nil
}

func segmentFrom(ev Event) (transcript.Segment, bool) {
	if ev.Reason != ReasonRecognizedSpeech || ev.Text == "" {
		return transcript.Segment{}, false
	}
	speaker := ev.SpeakerID
	if speaker == "" {
		speaker = transcript.UnknownSpeaker
	}
	return transcript.Segment{
		SpeakerID: speaker,
		Offset:    float64(ev.Offset) / TicksPerSecond,
		Duration:  float64(ev.Duration) / TicksPerSecond,
		Text:      ev.Text,
	}, true
}

// progress turns segment end times into a monotonic estimate capped at 1.
type progress struct {
	total float64
	value float64
	fn    ProgressFunc
}

func newProgress(totalSeconds float64, fn ProgressFunc) *progress {
	return &progress{total: totalSeconds, fn: fn}
}

func (p *progress) advance(end float64) {
	next := p.value + ProgressStep
	if p.total > 0 {
		next = end / p.total
	}
	if next > 1 {
		next = 1
	}
	if next <= p.value {
		return
	}
	p.value = next
	if p.fn != nil {
		p.fn(next)
	}
}

func (p *progress) finish() {
	if p.value >= 1 {
		return
	}
	p.value = 1
	if p.fn != nil {
		p.fn(1)
	}
}
