package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/speech"
	"github.com/snarg/transcriptor/internal/transcribe"
)

// SpeechService is the ad-hoc speech surface: voices, synthesis and
// translate-then-speak.
type SpeechService interface {
	ListVoices(ctx context.Context) []string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	TranslateAndSpeak(ctx context.Context, text string) (string, []byte, error)
	TranslatorEnabled() bool
}

// ClipRecognizer normalizes a short uploaded clip and recognizes it.
type ClipRecognizer interface {
	RecognizeUpload(ctx context.Context, filename string, data []byte, language string) (string, error)
}

var _ SpeechService = (*speech.Client)(nil)

// maxSpeechText caps text sent to synthesis and translation.
const maxSpeechText = 5000

type SpeechHandler struct {
	svc        SpeechService
	recognizer ClipRecognizer
	maxUpload  int64
	log        zerolog.Logger
}

func NewSpeechHandler(svc SpeechService, recognizer ClipRecognizer, maxUpload int64, log zerolog.Logger) *SpeechHandler {
	return &SpeechHandler{
		svc:        svc,
		recognizer: recognizer,
		maxUpload:  maxUpload,
		log:        log.With().Str("handler", "speech").Logger(),
	}
}

// Routes registers speech routes on the given router.
func (h *SpeechHandler) Routes(r chi.Router) {
	r.Get("/languages", h.Languages)
	r.Route("/speech", func(r chi.Router) {
		r.Post("/recognize", h.Recognize)
		r.Get("/voices", h.Voices)
		r.Post("/synthesize", h.Synthesize)
		r.Post("/translate-speak", h.TranslateSpeak)
	})
}

// Languages handles GET /api/v1/languages: the transcription locales offered.
func (h *SpeechHandler) Languages(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"languages": transcribe.Languages,
		"default":   transcribe.DefaultLanguage,
	})
}

// Recognize handles POST /api/v1/speech/recognize with a multipart "file"
// and an optional "language" field.
func (h *SpeechHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "uploaded file is empty or unreadable")
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = transcribe.DefaultLanguage
	}
	text, err := h.recognizer.RecognizeUpload(r.Context(), header.Filename, data, language)
	if err != nil {
		writeServiceError(w, r, "recognition failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"text": text, "language": language})
}

// Voices handles GET /api/v1/speech/voices. It never fails; the default
// voice is returned when the catalogue is unavailable.
func (h *SpeechHandler) Voices(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"voices":     h.svc.ListVoices(r.Context()),
		"default":    speech.DefaultVoice,
		"translator": h.svc.TranslatorEnabled(),
	})
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func decodeSpeakRequest(w http.ResponseWriter, r *http.Request) (speakRequest, bool) {
	var req speakRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return req, false
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return req, false
	}
	if len([]rune(req.Text)) > maxSpeechText {
		WriteError(w, http.StatusRequestEntityTooLarge, "text is too long")
		return req, false
	}
	return req, true
}

// Synthesize handles POST /api/v1/speech/synthesize and returns MP3 audio.
func (h *SpeechHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpeakRequest(w, r)
	if !ok {
		return
	}
	if req.Voice == "" {
		req.Voice = speech.DefaultVoice
	}
	audio, err := h.svc.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		writeServiceError(w, r, "synthesis failed", err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

// TranslateSpeak handles POST /api/v1/speech/translate-speak. The Spanish
// translation is returned together with base64 MP3 audio.
func (h *SpeechHandler) TranslateSpeak(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpeakRequest(w, r)
	if !ok {
		return
	}
	translated, audio, err := h.svc.TranslateAndSpeak(r.Context(), req.Text)
	if err != nil {
		if translated != "" {
			// Translation succeeded, synthesis did not.
			WriteJSON(w, statusFor(err), map[string]string{
				"error":       "synthesis failed",
				"detail":      err.Error(),
				"translation": translated,
			})
			return
		}
		writeServiceError(w, r, "translation failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"translation":  translated,
		"audio":        base64.StdEncoding.EncodeToString(audio),
		"content_type": "audio/mpeg",
	})
}
