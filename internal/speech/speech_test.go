package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/azure"
	"github.com/snarg/transcriptor/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, translator bool) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	voices, err := cache.New[[]string](10)
	require.NoError(t, err)
	t.Cleanup(voices.Close)

	opts := Options{
		Key:               "speech-key",
		Region:            "westeurope",
		STTBaseURL:        srv.URL,
		TTSBaseURL:        srv.URL,
		TranslatorBaseURL: srv.URL,
		Timeout:           5 * time.Second,
		Voices:            voices,
		Log:               zerolog.Nop(),
	}
	if translator {
		opts.TranslatorKey = "tr-key"
		opts.TranslatorRegion = "global"
	}
	return New(opts)
}

func TestRecognize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/speech/recognition/conversation/cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "es-MX", r.URL.Query().Get("language"))
		assert.Equal(t, "audio/wav; codecs=audio/pcm; samplerate=16000", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		if string(b) == "silence" {
			fmt.Fprint(w, `{"RecognitionStatus":"NoMatch"}`)
			return
		}
		fmt.Fprint(w, `{"RecognitionStatus":"Success","DisplayText":"Hola, ¿qué tal?"}`)
	})
	c := newTestClient(t, mux, false)

	got, err := c.Recognize(context.Background(), []byte("wav"), "es-MX")
	require.NoError(t, err)
	assert.Equal(t, "Hola, ¿qué tal?", got)

	_, err = c.Recognize(context.Background(), []byte("silence"), "es-MX")
	assert.ErrorIs(t, err, ErrNotRecognized)
}

func TestListVoices(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cognitiveservices/voices/list", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[
			{"ShortName":"es-ES-ElviraNeural","Locale":"es-ES"},
			{"ShortName":"en-US-JennyNeural","Locale":"en-US"},
			{"Name":"es-MX-DaliaNeural","Locale":"ES-MX"}
		]`)
	})
	c := newTestClient(t, mux, false)

	want := []string{"es-ES-ElviraNeural", "es-MX-DaliaNeural"}
	assert.Equal(t, want, c.ListVoices(context.Background()))
	assert.Equal(t, want, c.ListVoices(context.Background()))
	assert.EqualValues(t, 1, calls.Load(), "second call is cached")
}

func TestListVoicesFallback(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server_error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"no_spanish_voices", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[{"ShortName":"en-US-JennyNeural","Locale":"en-US"}]`)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "<html>") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, false)
			assert.Equal(t, []string{DefaultVoice}, c.ListVoices(context.Background()))
		})
	}
}

func TestSynthesize(t *testing.T) {
	var gotSSML string
	mux := http.NewServeMux()
	mux.HandleFunc("/cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/ssml+xml", r.Header.Get("Content-Type"))
		assert.Equal(t, OutputFormat, r.Header.Get("X-Microsoft-OutputFormat"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		b, _ := io.ReadAll(r.Body)
		gotSSML = string(b)
		w.Write([]byte("ID3mp3data"))
	})
	c := newTestClient(t, mux, false)

	audio, err := c.Synthesize(context.Background(), "Tom & Jerry <3", "es-MX-DaliaNeural")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3mp3data"), audio)
	assert.Contains(t, gotSSML, "xml:lang='es-MX'")
	assert.Contains(t, gotSSML, "name='es-MX-DaliaNeural'")
	assert.Contains(t, gotSSML, "Tom &amp; Jerry &lt;3")

	_, err = c.Synthesize(context.Background(), "  ", "")
	assert.Error(t, err)
}

func TestSynthesizeBackendError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "voice not found")
	}), false)

	_, err := c.Synthesize(context.Background(), "hola", "xx-XX-Nobody")
	var te *azure.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "voice not found", te.Body)
}

func TestTranslateAndSpeak(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/translate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3.0", r.URL.Query().Get("api-version"))
		assert.Equal(t, "es", r.URL.Query().Get("to"))
		assert.Equal(t, "tr-key", r.Header.Get(azure.SubscriptionKeyHeader))
		assert.Equal(t, "global", r.Header.Get(azure.SubscriptionRegionHeader))
		var items []translateItem
		json.NewDecoder(r.Body).Decode(&items)
		if assert.Len(t, items, 1) {
			assert.Equal(t, "Good morning", items[0].Text)
		}
		fmt.Fprint(w, `[{"translations":[{"text":"Buenos días","to":"es"}]}]`)
	})
	mux.HandleFunc("/cognitiveservices/v1", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.True(t, strings.Contains(string(b), "Buenos días"))
		assert.Contains(t, string(b), DefaultVoice)
		w.Write([]byte("mp3"))
	})
	c := newTestClient(t, mux, true)

	text, audio, err := c.TranslateAndSpeak(context.Background(), "Good morning")
	require.NoError(t, err)
	assert.Equal(t, "Buenos días", text)
	assert.Equal(t, []byte("mp3"), audio)
}

func TestTranslateNotConfigured(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), false)
	assert.False(t, c.TranslatorEnabled())
	_, err := c.Translate(context.Background(), "hi", "es")
	assert.ErrorIs(t, err, ErrTranslatorNotConfigured)
}

func TestVoiceLocale(t *testing.T) {
	tests := map[string]string{
		"es-MX-DaliaNeural": "es-MX",
		"en-GB-SoniaNeural": "en-GB",
		"weird":             "es-ES",
		"":                  "es-ES",
	}
	for in, want := range tests {
		if got := VoiceLocale(in); got != want {
			t.Errorf("VoiceLocale(%q) = %q, want %q", in, got, want)
		}
	}
}
