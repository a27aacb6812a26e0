package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/export"
	"github.com/snarg/transcriptor/internal/session"
	"github.com/snarg/transcriptor/internal/transcribe"
	"github.com/snarg/transcriptor/internal/transcript"
)

// SessionService is the session workflow the HTTP API drives. The ingest
// pipeline implements it.
type SessionService interface {
	CreateSession() session.Snapshot
	Session(id string) (session.Snapshot, error)
	DeleteSession(id string) error
	Upload(ctx context.Context, id, filename string, data []byte) (session.Snapshot, error)
	StartTranscription(id string, opts transcribe.Options) (string, error)
	CancelTranscription(id string) error
	Summarize(ctx context.Context, id, mode string) (*transcript.Summary, error)
	Export(id string, format export.Format) (string, error)
	Archive(ctx context.Context, id string, format export.Format) (ArchiveResult, error)
}

// ArchiveResult describes an export saved to the artifact store.
type ArchiveResult struct {
	Key     string `json:"key"`
	URL     string `json:"url,omitempty"` // presigned when the store supports it
	Backend string `json:"backend"`
	Format  string `json:"format"`
	Bytes   int    `json:"bytes"`
}

const (
	previewChars        = 500
	summaryDownloadName = "resumen_conversacion.txt"
)

type SessionsHandler struct {
	svc          SessionService
	maxUpload    int64
	summaryLimit time.Duration
	log          zerolog.Logger
}

// NewSessionsHandler creates the session handler. Uploads larger than
// maxUpload bytes are rejected; summaryTimeout bounds one summarization
// request (0 = request lifetime).
func NewSessionsHandler(svc SessionService, maxUpload int64, summaryTimeout time.Duration, log zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		svc:          svc,
		maxUpload:    maxUpload,
		summaryLimit: summaryTimeout,
		log:          log.With().Str("handler", "sessions").Logger(),
	}
}

// Routes registers session routes on the given router.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Post("/sessions", h.Create)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/audio", h.UploadAudio)
		r.Get("/transcription", h.GetTranscript)
		r.Post("/transcription", h.StartTranscription)
		r.Delete("/transcription", h.CancelTranscription)
		r.Get("/summary", h.GetSummary)
		r.Post("/summary", h.CreateSummary)
		r.Get("/summary/download", h.DownloadSummary)
		r.Get("/export", h.Export)
		r.Post("/archive", h.Archive)
	})
}

type audioInfo struct {
	Seconds        float64 `json:"seconds"`
	SampleRate     int     `json:"sample_rate"`
	PassThrough    bool    `json:"pass_through"`
	SourceFormat   string  `json:"source_format,omitempty"`
	SourceRate     int     `json:"source_rate,omitempty"`
	SourceChannels int     `json:"source_channels,omitempty"`
}

type sessionResponse struct {
	session.Snapshot
	Audio         *audioInfo `json:"audio,omitempty"`
	HasTranscript bool       `json:"has_transcript"`
	HasSummary    bool       `json:"has_summary"`
}

func newSessionResponse(s session.Snapshot) sessionResponse {
	resp := sessionResponse{
		Snapshot:      s,
		HasTranscript: s.Transcript != nil,
		HasSummary:    s.Summary != nil,
	}
	if a := s.Audio; a != nil {
		resp.Audio = &audioInfo{
			Seconds:        a.Seconds(),
			SampleRate:     a.SampleRate,
			PassThrough:    a.PassThrough,
			SourceFormat:   a.SourceFormat,
			SourceRate:     a.SourceRate,
			SourceChannels: a.SourceChannels,
		}
	}
	return resp
}

// Create handles POST /api/v1/sessions.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusCreated, newSessionResponse(h.svc.CreateSession()))
}

// Get handles GET /api/v1/sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, "session lookup failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, newSessionResponse(s))
}

// Delete handles DELETE /api/v1/sessions/{id}.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, "session delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadAudio handles POST /api/v1/sessions/{id}/audio.
// Expects a multipart form with the recording in the "file" field.
func (h *SessionsHandler) UploadAudio(w http.ResponseWriter, r *http.Request) {
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
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	s, err := h.svc.Upload(r.Context(), chi.URLParam(r, "id"), header.Filename, data)
	if err != nil {
		writeServiceError(w, r, "audio upload failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, newSessionResponse(s))
}

type transcriptionRequest struct {
	Language    string `json:"language"`
	MaxSpeakers int    `json:"max_speakers"`
}

// StartTranscription handles POST /api/v1/sessions/{id}/transcription.
// The run continues in the background; progress is streamed as events.
func (h *SessionsHandler) StartTranscription(w http.ResponseWriter, r *http.Request) {
	var req transcriptionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	if req.Language != "" && !transcribe.SupportedLanguage(req.Language) {
		WriteError(w, http.StatusBadRequest, "unsupported language "+req.Language)
		return
	}
	if req.MaxSpeakers < 0 {
		WriteError(w, http.StatusBadRequest, "max_speakers must not be negative")
		return
	}

	opts := transcribe.DefaultOptions()
	if req.Language != "" {
		opts.Language = req.Language
		opts.CandidateLocales = []string{req.Language}
	}
	if req.MaxSpeakers > 0 {
		opts.MaxSpeakers = req.MaxSpeakers
	}

	runID, err := h.svc.StartTranscription(chi.URLParam(r, "id"), opts.Normalize())
	if err != nil {
		writeServiceError(w, r, "transcription not started", err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// CancelTranscription handles DELETE /api/v1/sessions/{id}/transcription.
func (h *SessionsHandler) CancelTranscription(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelTranscription(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, "cancel failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type speakerStats struct {
	Speaker  string  `json:"speaker"`
	Segments int     `json:"segments"`
	Seconds  float64 `json:"seconds"`
	Words    int     `json:"words"`
}

type transcriptResponse struct {
	Segments     []transcript.Segment `json:"segments"`
	Speakers     []speakerStats       `json:"speakers"`
	SpeakerCount int                  `json:"speaker_count"`
	Words        int                  `json:"words"`
	Duration     float64              `json:"duration"`
	Text         string               `json:"text"`
	Run          session.RunState     `json:"run"`
}

func newTranscriptResponse(t *transcript.Transcript, run session.RunState) transcriptResponse {
	resp := transcriptResponse{
		Segments: t.Segments,
		Speakers: []speakerStats{},
		Duration: t.End(),
		Text:     t.FullText(),
		Run:      run,
	}
	if resp.Segments == nil {
		resp.Segments = []transcript.Segment{}
	}
	resp.Words = transcript.WordCount(resp.Text)

	by := t.BySpeaker()
	for _, id := range t.Speakers() {
		st := speakerStats{Speaker: id}
		for _, s := range by[id] {
			st.Segments++
			st.Seconds += s.Duration
			st.Words += transcript.WordCount(s.Text)
		}
		resp.Speakers = append(resp.Speakers, st)
	}
	resp.SpeakerCount = len(resp.Speakers)
	return resp
}

// GetTranscript handles GET /api/v1/sessions/{id}/transcription.
func (h *SessionsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, "session lookup failed", err)
		return
	}
	if s.Transcript == nil {
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"error": "no transcript yet",
			"run":   s.Run,
		})
		return
	}
	WriteJSON(w, http.StatusOK, newTranscriptResponse(s.Transcript, s.Run))
}

type summaryRequest struct {
	Mode string `json:"mode"`
}

type summaryResponse struct {
	*transcript.Summary
	Reduction float64 `json:"reduction"`
}

// CreateSummary handles POST /api/v1/sessions/{id}/summary.
func (h *SessionsHandler) CreateSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	ctx := r.Context()
	if h.summaryLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.summaryLimit)
		defer cancel()
	}

	sum, err := h.svc.Summarize(ctx, chi.URLParam(r, "id"), req.Mode)
	if err != nil {
		writeServiceError(w, r, "summarization failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, summaryResponse{Summary: sum, Reduction: sum.Reduction()})
}

func (h *SessionsHandler) currentSummary(w http.ResponseWriter, r *http.Request) *transcript.Summary {
	s, err := h.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, "session lookup failed", err)
		return nil
	}
	if s.Summary == nil {
		WriteError(w, http.StatusNotFound, "no summary yet")
		return nil
	}
	return s.Summary
}

// GetSummary handles GET /api/v1/sessions/{id}/summary.
func (h *SessionsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if sum := h.currentSummary(w, r); sum != nil {
		WriteJSON(w, http.StatusOK, summaryResponse{Summary: sum, Reduction: sum.Reduction()})
	}
}

// DownloadSummary handles GET /api/v1/sessions/{id}/summary/download.
func (h *SessionsHandler) DownloadSummary(w http.ResponseWriter, r *http.Request) {
	sum := h.currentSummary(w, r)
	if sum == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+summaryDownloadName+`"`)
	io.WriteString(w, sum.Text)
}

func parseFormat(w http.ResponseWriter, r *http.Request) (export.Format, bool) {
	v, _ := QueryString(r, "format")
	f, err := export.ParseFormat(v)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return f, true
}

// Export handles GET /api/v1/sessions/{id}/export?format=srt|vtt|txt.
// With preview=1 it returns the first characters as JSON instead of a download.
func (h *SessionsHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFormat(w, r)
	if !ok {
		return
	}
	content, err := h.svc.Export(chi.URLParam(r, "id"), f)
	if err != nil {
		writeServiceError(w, r, "export failed", err)
		return
	}

	if preview, _ := QueryBool(r, "preview"); preview {
		WriteJSON(w, http.StatusOK, map[string]any{
			"format":    f,
			"file_name": f.FileName(),
			"preview":   export.Preview(content, previewChars),
			"length":    len([]rune(content)),
		})
		return
	}

	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.FileName()+`"`)
	io.WriteString(w, content)
}

// Archive handles POST /api/v1/sessions/{id}/archive?format=srt|vtt|txt.
func (h *SessionsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFormat(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Archive(r.Context(), chi.URLParam(r, "id"), f)
	if err != nil {
		writeServiceError(w, r, "archive failed", err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}
