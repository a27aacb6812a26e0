package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/azure"
)

const fastTranscriptionAPIVersion = "2024-11-15"

// AzureRecognizer calls the Azure Speech fast transcription API with
// diarization enabled and replays the returned phrases as recognition events.
// Implements the Recognizer interface.
type AzureRecognizer struct {
	client  *azure.Client
	baseURL string
	log     zerolog.Logger
}

// AzureRecognizerOptions configures an AzureRecognizer.
type AzureRecognizerOptions struct {
	Key     string
	Region  string
	BaseURL string // defaults to https://{region}.api.cognitive.microsoft.com
	Timeout time.Duration
	Log     zerolog.Logger
}

// fastDefinition is the "definition" form field of a fast transcription request.
type fastDefinition struct {
	Locales     []string        `json:"locales"`
	Diarization fastDiarization `json:"diarization"`
}

type fastDiarization struct {
	Enabled     bool `json:"enabled"`
	MaxSpeakers int  `json:"maxSpeakers"`
}

type fastResponse struct {
	DurationMilliseconds int64        `json:"durationMilliseconds"`
	Phrases              []fastPhrase `json:"phrases"`
}

type fastPhrase struct {
	Speaker              *int    `json:"speaker"`
	OffsetMilliseconds   int64   `json:"offsetMilliseconds"`
	DurationMilliseconds int64   `json:"durationMilliseconds"`
	Text                 string  `json:"text"`
	Locale               string  `json:"locale"`
	Confidence           float64 `json:"confidence"`
}

const ticksPerMillisecond = 10_000

// NewAzureRecognizer creates a fast transcription client.
func NewAzureRecognizer(opts AzureRecognizerOptions) *AzureRecognizer {
	base := opts.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.api.cognitive.microsoft.com", opts.Region)
	}
	return &AzureRecognizer{
		client:  azure.NewClient(azure.Credentials{Key: opts.Key, Region: opts.Region}, opts.Timeout),
		baseURL: strings.TrimRight(base, "/"),
		log:     opts.Log,
	}
}

// Name returns the backend name.
func (r *AzureRecognizer) Name() string { return "azure-fast-transcription" }

// Start reads the audio file and runs the request on its own goroutine.
func (r *AzureRecognizer) Start(ctx context.Context, audioPath string, opts Options, events chan<- Event) error {
	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	go r.run(ctx, raw, filepath.Base(audioPath), opts, events)
	return nil
}

func (r *AzureRecognizer) run(ctx context.Context, raw []byte, name string, opts Options, events chan<- Event) {
	resp, err := r.transcribe(ctx, raw, name, opts)
	if err != nil {
		send(ctx, events, Event{Kind: EventCanceled, CancelReason: CancelError, ErrorDetails: err.Error()})
		return
	}

	phrases := resp.Phrases
	sort.SliceStable(phrases, func(i, j int) bool {
		return phrases[i].OffsetMilliseconds < phrases[j].OffsetMilliseconds
	})

	for _, p := range phrases {
		ev := Event{
			Kind:     EventRecognized,
			Reason:   ReasonRecognizedSpeech,
			Text:     strings.TrimSpace(p.Text),
			Offset:   p.OffsetMilliseconds * ticksPerMillisecond,
			Duration: p.DurationMilliseconds * ticksPerMillisecond,
		}
		if ev.Text == "" {
			ev.Reason = ReasonNoMatch
		}
		if p.Speaker != nil {
			ev.SpeakerID = strconv.Itoa(*p.Speaker)
		}
		if !send(ctx, events, ev) {
			return
		}
	}
	send(ctx, events, Event{Kind: EventSessionStopped})
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *AzureRecognizer) transcribe(ctx context.Context, raw []byte, name string, opts Options) (*fastResponse, error) {
	opts = opts.Normalize()

	def, err := json.Marshal(fastDefinition{
		Locales: opts.CandidateLocales,
		Diarization: fastDiarization{
			Enabled:     true,
			MaxSpeakers: opts.MaxSpeakers,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if err := w.WriteField("definition", string(def)); err != nil {
		return nil, fmt.Errorf("write definition: %w", err)
	}
	w.Close()

	url := fmt.Sprintf("%s/speechtotext/transcriptions:transcribe?api-version=%s", r.baseURL, fastTranscriptionAPIVersion)
	req, err := r.client.NewRequest(ctx, http.MethodPost, url, &buf, w.FormDataContentType())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, body, err := r.client.Do("fast transcription", req)
	if err != nil {
		return nil, err
	}

	var result fastResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	r.log.Debug().
		Int("phrases", len(result.Phrases)).
		Int64("audio_ms", result.DurationMilliseconds).
		Dur("elapsed", time.Since(start)).
		Msg("fast transcription response")
	return &result, nil
}
