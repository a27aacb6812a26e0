package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/azure"
	"github.com/snarg/transcriptor/internal/session"
	"github.com/snarg/transcriptor/internal/speech"
	"github.com/snarg/transcriptor/internal/summarize"
	"github.com/snarg/transcriptor/internal/transcribe"
)

// ErrArchiveDisabled is returned when no artifact store is configured.
var ErrArchiveDisabled = errors.New("artifact archive is not configured")

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	var (
		codec    *audio.UnsupportedCodecError
		trErr    *transcribe.TranscriptionError
		jobErr   *summarize.JobFailedError
		emptyErr *summarize.EmptyResultError
		timeout  *summarize.TimeoutError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrRunActive),
		errors.Is(err, session.ErrNoRun),
		errors.Is(err, session.ErrStale):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoAudio),
		errors.Is(err, session.ErrNoText),
		errors.Is(err, speech.ErrNotRecognized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, summarize.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.As(err, &codec):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &trErr), errors.As(err, &jobErr), errors.As(err, &emptyErr), azure.IsTransport(err):
		return http.StatusBadGateway
	case errors.Is(err, ErrArchiveDisabled), errors.Is(err, speech.ErrTranslatorNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor picks. Server-side
// failures are logged with the request logger.
func writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg(msg)
	}
	WriteErrorDetail(w, status, msg, err.Error())
}
