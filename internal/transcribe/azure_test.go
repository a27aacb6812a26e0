package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/azure"
)

func writeTempAudio(t *testing.T) *audio.NormalizedAudio {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &audio.NormalizedAudio{Path: path, SampleRate: 16000, Frames: 16000 * 4}
}

func TestAzureRecognizer(t *testing.T) {
	var gotDef fastDefinition
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speechtotext/transcriptions:transcribe" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("api-version") != fastTranscriptionAPIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get(azure.SubscriptionKeyHeader) != "speech-key" {
			t.Errorf("missing subscription key")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("audio part: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			if string(b) != "RIFF....WAVE" {
				t.Errorf("audio = %q", b)
			}
		}
		json.Unmarshal([]byte(r.FormValue("definition")), &gotDef)

		// Out of order on purpose; the recognizer emits them by offset.
		fmt.Fprint(w, `{"durationMilliseconds":4000,"phrases":[
			{"speaker":2,"offsetMilliseconds":2500,"durationMilliseconds":1000,"text":"Adiós"},
			{"speaker":1,"offsetMilliseconds":0,"durationMilliseconds":2500,"text":"Hola"},
			{"offsetMilliseconds":3600,"durationMilliseconds":100,"text":"  "}
		]}`)
	}))
	defer srv.Close()

	rec := NewAzureRecognizer(AzureRecognizerOptions{
		Key:     "speech-key",
		Region:  "westeurope",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Log:     zerolog.Nop(),
	})

	tr, err := NewSession(rec, zerolog.Nop()).Transcribe(context.Background(), writeTempAudio(t), Options{Language: "es-MX", MaxSpeakers: 3}, nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if !gotDef.Diarization.Enabled || gotDef.Diarization.MaxSpeakers != 3 {
		t.Errorf("diarization = %+v", gotDef.Diarization)
	}
	if len(gotDef.Locales) != 1 || gotDef.Locales[0] != "es-MX" {
		t.Errorf("locales = %v", gotDef.Locales)
	}

	if tr.Len() != 2 {
		t.Fatalf("segments = %d, want 2", tr.Len())
	}
	if tr.Segments[0].Text != "Hola" || tr.Segments[0].SpeakerID != "1" {
		t.Errorf("first segment = %+v", tr.Segments[0])
	}
	if tr.Segments[1].Offset != 2.5 || tr.Segments[1].Duration != 1.0 {
		t.Errorf("second segment timing = %v/%v, want 2.5/1", tr.Segments[1].Offset, tr.Segments[1].Duration)
	}
}

func TestAzureRecognizerBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"401","message":"Access denied due to invalid subscription key"}}`)
	}))
	defer srv.Close()

	rec := NewAzureRecognizer(AzureRecognizerOptions{Key: "bad", BaseURL: srv.URL, Log: zerolog.Nop()})
	_, err := NewSession(rec, zerolog.Nop()).Transcribe(context.Background(), writeTempAudio(t), Options{}, nil)

	var te *TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TranscriptionError", err)
	}
	if !strings.Contains(te.Detail, "invalid subscription key") {
		t.Errorf("Detail = %q, want backend message", te.Detail)
	}
}

func TestAzureRecognizerMissingFile(t *testing.T) {
	rec := NewAzureRecognizer(AzureRecognizerOptions{Region: "westeurope", Log: zerolog.Nop()})
	err := rec.Start(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), Options{}, make(chan Event, 1))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
