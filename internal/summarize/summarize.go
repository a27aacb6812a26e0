// Package summarize submits transcript text to the Azure Language
// analyze-text job API and polls the job until it yields a summary.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/azure"
	"github.com/snarg/transcriptor/internal/transcript"
)

const analyzeTextAPIVersion = "2023-04-01"

// Defaults for Options.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxAttempts   = 60
	DefaultSentenceCount = 5
	DefaultLanguage      = "es"
	DefaultCacheTTL      = 10 * time.Minute
)

// JobFailedError is a job the backend reported as failed.
type JobFailedError struct {
	Detail string
}

func (e *JobFailedError) Error() string { return "summary job failed: " + e.Detail }

// EmptyResultError is a succeeded job with no task or document in its result.
type EmptyResultError struct {
	Missing string // "tasks" or "documents"
}

func (e *EmptyResultError) Error() string {
	return "summary job returned no " + e.Missing
}

// TimeoutError means the job was still pending after the last poll.
type TimeoutError struct {
	Attempts int
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("summary job did not finish after %d status checks (%s)", e.Attempts, e.Waited)
}

// Cache memoizes summaries. Keys are compared exactly.
type Cache interface {
	Get(key string) (string, bool)
	Put(key string, value string, ttl time.Duration)
}

// Options configures a Client.
type Options struct {
	Endpoint      string // e.g. https://myresource.cognitiveservices.azure.com
	Key           string
	Language      string
	SentenceCount int
	PollInterval  time.Duration
	MaxAttempts   int
	Timeout       time.Duration // per HTTP request
	Cache         Cache         // nil disables caching
	CacheTTL      time.Duration
	Log           zerolog.Logger
}

// Client runs summarization jobs.
type Client struct {
	http *azure.Client
	opts Options
	log  zerolog.Logger
}

// New creates a Client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.SentenceCount <= 0 {
		opts.SentenceCount = DefaultSentenceCount
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	return &Client{
		http: azure.NewClient(azure.Credentials{Key: opts.Key}, opts.Timeout),
		opts: opts,
		log:  opts.Log,
	}
}

type jobRequest struct {
	DisplayName   string        `json:"displayName"`
	AnalysisInput analysisInput `json:"analysisInput"`
	Tasks         []jobTask     `json:"tasks"`
}

type analysisInput struct {
	Documents []document `json:"documents"`
}

type document struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type jobTask struct {
	Kind       string         `json:"kind"`
	TaskName   string         `json:"taskName"`
	Parameters taskParameters `json:"parameters"`
}

type taskParameters struct {
	SentenceCount int    `json:"sentenceCount,omitempty"`
	SortBy        string `json:"sortBy,omitempty"`
}

type jobStatus struct {
	Status string `json:"status"`
	Tasks  struct {
		Items []struct {
			Results struct {
				Documents []struct {
					Sentences []struct {
						Text string `json:"text"`
					} `json:"sentences"`
					Summaries []struct {
						Text string `json:"text"`
					} `json:"summaries"`
				} `json:"documents"`
			} `json:"results"`
		} `json:"items"`
	} `json:"tasks"`
	Errors []jobError `json:"errors"`
}

type jobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e jobError) String() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

// CacheKey is the memo key for a request: the mode and the exact text.
func CacheKey(mode, text string) string {
	return mode + "\x00" + text
}

// ErrInvalidMode is returned for a mode other than extractive or abstractive.
var ErrInvalidMode = errors.New("invalid summary mode")

// ValidMode reports whether mode is a supported summary mode.
func ValidMode(mode string) bool {
	return mode == transcript.ModeExtractive || mode == transcript.ModeAbstractive
}

// Summarize returns a summary of text. An empty mode means extractive.
// Identical (mode, text) requests within the cache TTL are served from the
// cache without contacting the backend.
func (c *Client) Summarize(ctx context.Context, text, mode string) (string, error) {
	if mode == "" {
		mode = transcript.ModeExtractive
	}
	if !ValidMode(mode) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	key := CacheKey(mode, text)
	if c.opts.Cache != nil {
		if s, ok := c.opts.Cache.Get(key); ok {
			c.log.Debug().Str("mode", mode).Msg("summary served from cache")
			return s, nil
		}
	}

	location, err := c.submit(ctx, text, mode)
	if err != nil {
		return "", err
	}

	summary, err := c.poll(ctx, location, mode)
	if err != nil {
		return "", err
	}

	if c.opts.Cache != nil {
		c.opts.Cache.Put(key, summary, c.opts.CacheTTL)
	}
	return summary, nil
}

func (c *Client) submit(ctx context.Context, text, mode string) (string, error) {
	task := jobTask{
		Kind:     "ExtractiveSummarization",
		TaskName: "ExtractiveSummarization_1",
		Parameters: taskParameters{
			SentenceCount: c.opts.SentenceCount,
			SortBy:        "Offset",
		},
	}
	display := "Extractive Summarization Task"
	if mode == transcript.ModeAbstractive {
		task = jobTask{Kind: "AbstractiveSummarization", TaskName: "AbstractiveSummarization_1"}
		display = "Abstractive Summarization Task"
	}

	body, err := json.Marshal(jobRequest{
		DisplayName: display,
		AnalysisInput: analysisInput{
			Documents: []document{{ID: "1", Language: c.opts.Language, Text: text}},
		},
		Tasks: []jobTask{task},
	})
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	url := fmt.Sprintf("%s/language/analyze-text/jobs?api-version=%s", c.opts.Endpoint, analyzeTextAPIVersion)
	req, err := c.http.NewRequest(ctx, http.MethodPost, url, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	resp, _, err := c.http.Do("submit summary job", req)
	if err != nil {
		return "", err
	}

	location := resp.Header.Get("Operation-Location")
	if location == "" {
		return "", &azure.TransportError{
			Op:         "submit summary job",
			StatusCode: resp.StatusCode,
			Err:        errors.New("response has no Operation-Location header"),
		}
	}
	c.log.Debug().Str("mode", mode).Str("location", location).Msg("summary job submitted")
	return location, nil
}

func (c *Client) poll(ctx context.Context, location, mode string) (string, error) {
	start := time.Now()
	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		st, err := c.status(ctx, location)
		if err != nil {
			return "", err
		}

		switch st.Status {
		case "succeeded":
			c.log.Debug().Int("attempts", attempt).Dur("elapsed", time.Since(start)).Msg("summary job succeeded")
			return extract(st, mode)
		case "failed":
			detail := "unknown error"
			if len(st.Errors) > 0 {
				detail = st.Errors[0].String()
			}
			return "", &JobFailedError{Detail: detail}
		}

		timer.Reset(c.opts.PollInterval)
	}

	return "", &TimeoutError{Attempts: c.opts.MaxAttempts, Waited: time.Since(start)}
}

func (c *Client) status(ctx context.Context, location string) (*jobStatus, error) {
	req, err := c.http.NewRequest(ctx, http.MethodGet, location, nil, "")
	if err != nil {
		return nil, err
	}
	_, body, err := c.http.Do("poll summary job", req)
	if err != nil {
		return nil, err
	}
	var st jobStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, &azure.TransportError{Op: "poll summary job", Body: string(body), Err: fmt.Errorf("decode status: %w", err)}
	}
	return &st, nil
}

func extract(st *jobStatus, mode string) (string, error) {
	if len(st.Tasks.Items) == 0 {
		return "", &EmptyResultError{Missing: "tasks"}
	}
	docs := st.Tasks.Items[0].Results.Documents
	if len(docs) == 0 {
		return "", &EmptyResultError{Missing: "documents"}
	}

	var parts []string
	if mode == transcript.ModeAbstractive {
		for _, s := range docs[0].Summaries {
			parts = append(parts, s.Text)
		}
	} else {
		for _, s := range docs[0].Sentences {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " "), nil
}
