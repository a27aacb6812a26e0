// Package speech is the ad-hoc surface over Azure Speech and Translator:
// short-audio recognition, text-to-speech, voice listing and
// translate-then-speak.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/azure"
	"github.com/snarg/transcriptor/internal/cache"
)

// DefaultVoice is used when no voice is chosen and when the voice list is
// unavailable.
const DefaultVoice = "es-ES-ElviraNeural"

// OutputFormat of synthesized audio.
const OutputFormat = "audio-16khz-128kbitrate-mono-mp3"

const (
	voicesCacheKey = "voices:es"
	voicesTTL      = 10 * time.Minute
	voicesTimeout  = 5 * time.Second
	userAgent      = "transcriptor-speech"
)

var (
	// ErrNotRecognized means the recognizer answered without any text.
	ErrNotRecognized = errors.New("speech: audio could not be transcribed")
	// ErrTranslatorNotConfigured means no translator key was provided.
	ErrTranslatorNotConfigured = errors.New("speech: translator is not configured")
)

// Options configures a Client. Base URLs default to the public regional
// endpoints and exist so tests can point elsewhere.
type Options struct {
	Key    string
	Region string

	TranslatorKey    string
	TranslatorRegion string

	STTBaseURL        string
	TTSBaseURL        string
	TranslatorBaseURL string

	Timeout time.Duration
	Voices  *cache.Cache[[]string]
	Log     zerolog.Logger
}

// Client talks to the speech and translation endpoints.
type Client struct {
	speech     *azure.Client
	translator *azure.Client
	opts       Options
	log        zerolog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.STTBaseURL == "" {
		opts.STTBaseURL = fmt.Sprintf("https://%s.stt.speech.microsoft.com", opts.Region)
	}
	if opts.TTSBaseURL == "" {
		opts.TTSBaseURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com", opts.Region)
	}
	if opts.TranslatorBaseURL == "" {
		opts.TranslatorBaseURL = "https://api.cognitive.microsofttranslator.com"
	}
	c := &Client{
		speech: azure.NewClient(azure.Credentials{Key: opts.Key, Region: opts.Region}, opts.Timeout),
		opts:   opts,
		log:    opts.Log,
	}
	if opts.TranslatorKey != "" {
		c.translator = azure.NewClient(azure.Credentials{Key: opts.TranslatorKey, Region: opts.TranslatorRegion}, opts.Timeout)
	}
	return c
}

// TranslatorEnabled reports whether Translate can be used.
func (c *Client) TranslatorEnabled() bool { return c.translator != nil }

type recognitionResult struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

// Recognize transcribes a short 16 kHz mono PCM WAV clip.
func (c *Client) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	if language == "" {
		language = "es-ES"
	}
	u := fmt.Sprintf("%s/speech/recognition/conversation/cognitiveservices/v1?language=%s",
		strings.TrimRight(c.opts.STTBaseURL, "/"), url.QueryEscape(language))

	req, err := c.speech.NewRequest(ctx, http.MethodPost, u, bytes.NewReader(wav), "audio/wav; codecs=audio/pcm; samplerate=16000")
	if err != nil {
		return "", err
	}
	_, body, err := c.speech.Do("speech recognition", req)
	if err != nil {
		return "", err
	}

	var res recognitionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode recognition result: %w", err)
	}
	if res.DisplayText == "" {
		c.log.Debug().Str("status", res.RecognitionStatus).Msg("no display text")
		return "", ErrNotRecognized
	}
	return res.DisplayText, nil
}

type voiceInfo struct {
	ShortName string `json:"ShortName"`
	Name      string `json:"Name"`
	Locale    string `json:"Locale"`
}

// ListVoices returns the short names of the Spanish voices offered in the
// region. It never fails: any error yields []string{DefaultVoice}.
func (c *Client) ListVoices(ctx context.Context) []string {
	if v, ok := c.opts.Voices.Get(voicesCacheKey); ok {
		return v
	}

	voices, err := c.fetchVoices(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("voice list unavailable, using default voice")
	}
	if len(voices) == 0 {
		voices = []string{DefaultVoice}
	}
	c.opts.Voices.Put(voicesCacheKey, voices, voicesTTL)
	return voices
}

func (c *Client) fetchVoices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, voicesTimeout)
	defer cancel()

	u := strings.TrimRight(c.opts.TTSBaseURL, "/") + "/cognitiveservices/voices/list"
	req, err := c.speech.NewRequest(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	_, body, err := c.speech.Do("list voices", req)
	if err != nil {
		return nil, err
	}

	var list []voiceInfo
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode voice list: %w", err)
	}

	var out []string
	for _, v := range list {
		name := v.ShortName
		if name == "" {
			name = v.Name
		}
		if name != "" && strings.HasPrefix(strings.ToLower(v.Locale), "es") {
			out = append(out, name)
		}
	}
	return out, nil
}

// Synthesize renders text as MP3 audio with the given voice.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech: empty text")
	}
	if voice == "" {
		voice = DefaultVoice
	}

	ssml, err := SSML(text, voice)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(c.opts.TTSBaseURL, "/") + "/cognitiveservices/v1"
	req, err := c.speech.NewRequest(ctx, http.MethodPost, u, strings.NewReader(ssml), "application/ssml+xml")
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Microsoft-OutputFormat", OutputFormat)
	req.Header.Set("User-Agent", userAgent)

	_, body, err := c.speech.Do("synthesize speech", req)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SSML builds the synthesis document for text spoken by voice. The locale is
// taken from the voice name (es-MX-DaliaNeural speaks es-MX).
func SSML(text, voice string) (string, error) {
	lang := VoiceLocale(voice)
	var esc bytes.Buffer
	if err := xml.EscapeText(&esc, []byte(text)); err != nil {
		return "", fmt.Errorf("escape ssml text: %w", err)
	}
	var attr bytes.Buffer
	if err := xml.EscapeText(&attr, []byte(voice)); err != nil {
		return "", fmt.Errorf("escape ssml voice: %w", err)
	}
	return fmt.Sprintf("<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>",
		lang, lang, attr.String(), esc.String()), nil
}

// VoiceLocale returns the locale prefix of a voice short name, or es-ES.
func VoiceLocale(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) == 3 && len(parts[0]) == 2 && len(parts[1]) == 2 {
		return parts[0] + "-" + parts[1]
	}
	return "es-ES"
}

type translateItem struct {
	Text string `json:"text"`
}

type translateResult struct {
	Translations []struct {
		Text string `json:"text"`
		To   string `json:"to"`
	} `json:"translations"`
}

// Translate translates text into the target language (default es).
func (c *Client) Translate(ctx context.Context, text, to string) (string, error) {
	if c.translator == nil {
		return "", ErrTranslatorNotConfigured
	}
	if to == "" {
		to = "es"
	}

	body, err := json.Marshal([]translateItem{{Text: text}})
	if err != nil {
		return "", fmt.Errorf("marshal translation: %w", err)
	}
	u := fmt.Sprintf("%s/translate?api-version=3.0&to=%s", strings.TrimRight(c.opts.TranslatorBaseURL, "/"), url.QueryEscape(to))
	req, err := c.translator.NewRequest(ctx, http.MethodPost, u, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	_, resp, err := c.translator.Do("translate", c.translator.WithRegion(req))
	if err != nil {
		return "", err
	}

	var results []translateResult
	if err := json.Unmarshal(resp, &results); err != nil {
		return "", fmt.Errorf("decode translation: %w", err)
	}
	if len(results) == 0 || len(results[0].Translations) == 0 {
		return "", errors.New("speech: translator returned no translation")
	}
	return results[0].Translations[0].Text, nil
}

// TranslateAndSpeak translates English text to Spanish and synthesizes it
// with the default voice.
func (c *Client) TranslateAndSpeak(ctx context.Context, text string) (string, []byte, error) {
	translated, err := c.Translate(ctx, text, "es")
	if err != nil {
		return "", nil, err
	}
	audio, err := c.Synthesize(ctx, translated, DefaultVoice)
	if err != nil {
		return translated, nil, err
	}
	return translated, audio, nil
}
