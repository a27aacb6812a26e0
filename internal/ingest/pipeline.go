// Package ingest orchestrates the transcription workflow: uploads are
// normalized into a session, transcribed in the background, summarized and
// exported on request. Progress is published on an event bus for SSE clients,
// and outcomes are recorded in the run history and announced over MQTT when
// those are configured.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/api"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/database"
	"github.com/snarg/transcriptor/internal/export"
	"github.com/snarg/transcriptor/internal/metrics"
	"github.com/snarg/transcriptor/internal/session"
	"github.com/snarg/transcriptor/internal/storage"
	"github.com/snarg/transcriptor/internal/summarize"
	"github.com/snarg/transcriptor/internal/transcribe"
	"github.com/snarg/transcriptor/internal/transcript"
)

// Transcriber turns normalized audio into a diarized transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, a *audio.NormalizedAudio, opts transcribe.Options, onProgress transcribe.ProgressFunc) (*transcript.Transcript, error)
}

// Summarizer summarizes plain text.
type Summarizer interface {
	Summarize(ctx context.Context, text, mode string) (string, error)
}

// ShortRecognizer transcribes a short 16 kHz mono WAV clip.
type ShortRecognizer interface {
	Recognize(ctx context.Context, wav []byte, language string) (string, error)
}

// RunRecorder persists run history.
type RunRecorder interface {
	InsertRun(ctx context.Context, r *database.RunRow) error
	FinishRun(ctx context.Context, id string, res database.RunResult) error
	InsertSummaries(ctx context.Context, rows []database.SummaryRow) error
	PurgeRunsOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Notifier announces finished runs and summaries.
type Notifier interface {
	Publish(subtopic string, v any) error
}

var (
	_ api.SessionService    = (*Pipeline)(nil)
	_ api.ClipRecognizer    = (*Pipeline)(nil)
	_ api.LiveDataSource    = (*Pipeline)(nil)
	_ metrics.PipelineStats = (*Pipeline)(nil)
	_ RunRecorder           = (*database.DB)(nil)
)

// Pipeline implements the session workflow behind the HTTP API.
type Pipeline struct {
	store       *session.Store
	normalizer  *audio.Normalizer
	transcriber Transcriber
	backend     string
	summarizer  Summarizer
	recognizer  ShortRecognizer
	runs        RunRecorder
	notifier    Notifier
	artifacts   storage.ArtifactStore
	retention   time.Duration
	log         zerolog.Logger

	eventBus       *EventBus
	summaryBatcher *Batcher[database.SummaryRow]

	inbox *InboxWatcher
	pool  *transcribe.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	runsWG sync.WaitGroup
}

type PipelineOptions struct {
	Store       *session.Store
	Normalizer  *audio.Normalizer
	Transcriber Transcriber
	Backend     string // recognizer name recorded with each run
	Summarizer  Summarizer
	Recognizer  ShortRecognizer
	Runs        RunRecorder           // nil disables run history
	Notifier    Notifier              // nil disables notifications
	Artifacts   storage.ArtifactStore // nil disables archiving
	Retention   time.Duration         // run history retention; 0 keeps everything

	InboxDir     string // empty disables the inbox watcher
	InboxWorkers int
	InboxQueue   int
	InboxTimeout time.Duration

	Log zerolog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Log.With().Str("component", "ingest").Logger()

	p := &Pipeline{
		store:       opts.Store,
		normalizer:  opts.Normalizer,
		transcriber: opts.Transcriber,
		backend:     opts.Backend,
		summarizer:  opts.Summarizer,
		recognizer:  opts.Recognizer,
		runs:        opts.Runs,
		notifier:    opts.Notifier,
		artifacts:   opts.Artifacts,
		retention:   opts.Retention,
		log:         log,
		eventBus:    NewEventBus(1024),
		ctx:         ctx,
		cancel:      cancel,
	}
	if p.runs != nil {
		p.summaryBatcher = NewBatcher[database.SummaryRow](50, 5*time.Second, p.flushSummaries)
	}

	if opts.InboxDir != "" {
		p.inbox = newInboxWatcher(p, opts.InboxDir, log)
		p.pool = transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
			Workers:   opts.InboxWorkers,
			QueueSize: opts.InboxQueue,
			Timeout:   opts.InboxTimeout,
			Process:   p.inbox.process,
			Log:       log,
		})
	}
	return p
}

// Start begins background work: session expiry, the inbox watcher and run
// history maintenance.
func (p *Pipeline) Start() error {
	go p.store.Run(p.ctx, time.Minute)

	if p.inbox != nil {
		p.pool.Start()
		if err := p.inbox.Start(); err != nil {
			p.pool.Stop()
			return fmt.Errorf("inbox watcher: %w", err)
		}
	}
	if p.runs != nil && p.retention > 0 {
		go p.maintenanceLoop()
	}
	p.log.Info().Bool("inbox", p.inbox != nil).Bool("run_history", p.runs != nil).Msg("pipeline started")
	return nil
}

// Stop cancels running transcriptions, waits for them to record their
// outcome, and flushes pending history rows.
func (p *Pipeline) Stop() {
	p.log.Info().Msg("pipeline stopping")
	if p.inbox != nil {
		p.inbox.Stop()
	}
	p.cancel()
	if p.pool != nil {
		p.pool.Stop()
	}
	p.runsWG.Wait()
	if p.summaryBatcher != nil {
		p.summaryBatcher.Stop()
	}
}

// ----- sessions -----

func (p *Pipeline) CreateSession() session.Snapshot {
	return p.store.Create()
}

func (p *Pipeline) Session(id string) (session.Snapshot, error) {
	return p.store.Get(id)
}

// DeleteSession cancels the session's run and releases its audio.
func (p *Pipeline) DeleteSession(id string) error {
	if err := p.store.Delete(id); err != nil {
		return err
	}
	p.publish(EventSessionClosed, id, map[string]string{"session_id": id})
	return nil
}

// Upload normalizes raw audio and makes it the session's current audio.
// The previous audio, transcript and summary are discarded.
func (p *Pipeline) Upload(ctx context.Context, id, filename string, data []byte) (session.Snapshot, error) {
	if _, err := p.store.Get(id); err != nil {
		return session.Snapshot{}, err
	}

	format := "mp3"
	if audio.IsWAV(filename) {
		format = "wav"
	}
	na, err := p.normalizer.Normalize(data, filename)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(format, "rejected").Inc()
		return session.Snapshot{}, err
	}
	if err := p.store.SetAudio(id, filename, na); err != nil {
		na.Remove()
		metrics.UploadsTotal.WithLabelValues(format, "rejected").Inc()
		return session.Snapshot{}, err
	}
	metrics.UploadsTotal.WithLabelValues(format, "ok").Inc()

	p.log.Info().
		Str("session_id", id).
		Str("filename", filename).
		Str("source_format", na.SourceFormat).
		Int("source_rate", na.SourceRate).
		Int("source_channels", na.SourceChannels).
		Bool("pass_through", na.PassThrough).
		Float64("seconds", na.Seconds()).
		Msg("audio normalized")

	p.publish(EventAudioReady, id, map[string]any{
		"filename":        filename,
		"seconds":         na.Seconds(),
		"source_format":   na.SourceFormat,
		"source_rate":     na.SourceRate,
		"source_channels": na.SourceChannels,
		"pass_through":    na.PassThrough,
	})
	return p.store.Get(id)
}

// ----- transcription -----

// StartTranscription launches a background run for the session's audio and
// returns its id. Progress and the outcome are published as events.
func (p *Pipeline) StartTranscription(id string, opts transcribe.Options) (string, error) {
	opts = opts.Normalize()
	snap, err := p.store.Get(id)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(p.ctx)
	na, gen, err := p.store.BeginRun(id, runID, session.RunState{
		Language:    opts.Language,
		MaxSpeakers: opts.MaxSpeakers,
	}, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	p.runsWG.Add(1)
	go func() {
		defer p.runsWG.Done()
		defer cancel()
		p.runTranscription(ctx, runJob{
			runID:     runID,
			sessionID: id,
			gen:       gen,
			filename:  snap.Filename,
			source:    "api",
			audio:     na,
			opts:      opts,
		})
	}()
	return runID, nil
}

type runJob struct {
	runID     string
	sessionID string
	gen       uint64
	filename  string
	source    string
	audio     *audio.NormalizedAudio
	opts      transcribe.Options
}

// RunNotification is published over MQTT when a run finishes.
type RunNotification struct {
	RunID        string  `json:"run_id"`
	SessionID    string  `json:"session_id"`
	Source       string  `json:"source"`
	Filename     string  `json:"filename"`
	Status       string  `json:"status"`
	Language     string  `json:"language"`
	AudioSeconds float64 `json:"audio_seconds"`
	Segments     int     `json:"segments"`
	Speakers     int     `json:"speakers"`
	Words        int     `json:"words"`
	Error        string  `json:"error,omitempty"`
}

// runTranscription drives one run and records its outcome everywhere.
// Runs with source "api" also report to their session in the store.
func (p *Pipeline) runTranscription(ctx context.Context, job runJob) (*transcript.Transcript, error) {
	log := p.log.With().Str("run_id", job.runID).Str("session_id", job.sessionID).Logger()
	start := time.Now()

	p.recordRunStart(job, start)
	p.publish(EventTranscriptionStart, job.sessionID, map[string]any{
		"run_id":       job.runID,
		"language":     job.opts.Language,
		"max_speakers": job.opts.MaxSpeakers,
	})
	log.Info().Str("language", job.opts.Language).Int("max_speakers", job.opts.MaxSpeakers).Msg("transcription started")

	onProgress := func(progress float64) {
		if job.source == "api" {
			p.store.UpdateProgress(job.sessionID, job.gen, progress)
		}
		p.publish(EventTranscriptionUpdate, job.sessionID, map[string]any{
			"run_id":   job.runID,
			"progress": progress,
		})
	}

	t, err := p.transcriber.Transcribe(ctx, job.audio, job.opts, onProgress)

	status := database.RunSucceeded
	switch {
	case errors.Is(err, context.Canceled):
		status = database.RunCanceled
	case err != nil:
		status = database.RunFailed
		var te *transcribe.TranscriptionError
		if errors.As(err, &te) {
			metrics.AzureErrorsTotal.WithLabelValues("speech").Inc()
		}
	}

	if job.source == "api" {
		if ferr := p.store.FinishRun(job.sessionID, job.gen, t, err); ferr != nil {
			log.Warn().Err(ferr).Msg("run outcome not stored in session")
		}
	}

	res := database.RunResult{Status: status, FinishedAt: time.Now()}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Segments = t.Len()
		res.Speakers = len(t.Speakers())
		res.Words = transcript.WordCount(t.FullText())
	}
	p.recordRunFinish(job.runID, res)

	elapsed := time.Since(start)
	metrics.TranscriptionsTotal.WithLabelValues(job.source, status).Inc()
	metrics.TranscriptionDuration.Observe(elapsed.Seconds())

	if err != nil {
		log.Warn().Err(err).Str("status", status).Dur("elapsed", elapsed).Msg("transcription did not complete")
		p.publish(EventTranscriptionFailed, job.sessionID, map[string]any{
			"run_id": job.runID,
			"status": status,
			"error":  err.Error(),
		})
	} else {
		metrics.AudioSecondsTotal.Add(job.audio.Seconds())
		log.Info().
			Int("segments", res.Segments).
			Int("speakers", res.Speakers).
			Dur("elapsed", elapsed).
			Msg("transcription finished")
		p.publish(EventTranscriptionDone, job.sessionID, map[string]any{
			"run_id":   job.runID,
			"segments": res.Segments,
			"speakers": t.Speakers(),
			"words":    res.Words,
		})
	}

	p.notify("runs/finished", RunNotification{
		RunID:        job.runID,
		SessionID:    job.sessionID,
		Source:       job.source,
		Filename:     job.filename,
		Status:       status,
		Language:     job.opts.Language,
		AudioSeconds: job.audio.Seconds(),
		Segments:     res.Segments,
		Speakers:     res.Speakers,
		Words:        res.Words,
		Error:        res.Error,
	})
	return t, err
}

// CancelTranscription stops the session's running transcription.
func (p *Pipeline) CancelTranscription(id string) error {
	return p.store.CancelRun(id)
}

// ----- summary -----

// SummaryNotification is published over MQTT when a summary is stored.
type SummaryNotification struct {
	SessionID    string  `json:"session_id"`
	Mode         string  `json:"mode"`
	SourceWords  int     `json:"source_words"`
	SummaryWords int     `json:"summary_words"`
	Reduction    float64 `json:"reduction"`
}

// Summarize summarizes the session's transcript and stores the result. If a
// new upload or transcript replaces the text while the job runs, the result
// is discarded with session.ErrStale.
func (p *Pipeline) Summarize(ctx context.Context, id, mode string) (*transcript.Summary, error) {
	if mode == "" {
		mode = transcript.ModeExtractive
	}
	if !summarize.ValidMode(mode) {
		return nil, fmt.Errorf("%w: %q", summarize.ErrInvalidMode, mode)
	}
	t, gen, err := p.store.TranscriptForSummary(id)
	if err != nil {
		return nil, err
	}
	text := t.FullText()
	if strings.TrimSpace(text) == "" {
		return nil, session.ErrNoText
	}

	summaryText, err := p.summarizer.Summarize(ctx, text, mode)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues(mode, "error").Inc()
		if !errors.Is(err, context.Canceled) {
			metrics.AzureErrorsTotal.WithLabelValues("language").Inc()
		}
		return nil, err
	}

	sum := transcript.NewSummary(text, summaryText, mode)
	if err := p.store.SetSummary(id, gen, sum); err != nil {
		metrics.SummariesTotal.WithLabelValues(mode, "stale").Inc()
		return nil, err
	}
	metrics.SummariesTotal.WithLabelValues(mode, "ok").Inc()

	if p.summaryBatcher != nil {
		p.summaryBatcher.Add(database.SummaryRow{
			SessionID:    id,
			Mode:         mode,
			SourceWords:  sum.SourceWords,
			SummaryWords: sum.SummaryWords,
		})
	}

	note := SummaryNotification{
		SessionID:    id,
		Mode:         mode,
		SourceWords:  sum.SourceWords,
		SummaryWords: sum.SummaryWords,
		Reduction:    sum.Reduction(),
	}
	p.publish(EventSummaryReady, id, note)
	p.notify("summaries/ready", note)
	return sum, nil
}

func (p *Pipeline) flushSummaries(rows []database.SummaryRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.runs.InsertSummaries(ctx, rows); err != nil {
		p.log.Warn().Err(err).Int("rows", len(rows)).Msg("failed to record summaries")
	}
}

// ----- export -----

// Export renders the session's transcript in format.
func (p *Pipeline) Export(id string, format export.Format) (string, error) {
	snap, err := p.store.Get(id)
	if err != nil {
		return "", err
	}
	if snap.Transcript == nil {
		return "", session.ErrNoText
	}
	return export.Render(format, snap.Transcript)
}

// Archive renders the session's transcript and saves it to the artifact store.
func (p *Pipeline) Archive(ctx context.Context, id string, format export.Format) (api.ArchiveResult, error) {
	if p.artifacts == nil {
		return api.ArchiveResult{}, api.ErrArchiveDisabled
	}
	content, err := p.Export(id, format)
	if err != nil {
		return api.ArchiveResult{}, err
	}
	res, err := p.save(ctx, id, format.FileName(), format.ContentType(), []byte(content))
	if err != nil {
		return api.ArchiveResult{}, err
	}
	res.Format = string(format)
	metrics.ArtifactsArchivedTotal.WithLabelValues(string(format)).Inc()
	p.publish(EventArtifactArchived, id, res)
	return res, nil
}

func (p *Pipeline) save(ctx context.Context, id, filename, contentType string, data []byte) (api.ArchiveResult, error) {
	key := storage.Key(time.Now(), id, filename)
	if err := p.artifacts.Save(ctx, key, data, contentType); err != nil {
		return api.ArchiveResult{}, fmt.Errorf("archive %s: %w", key, err)
	}
	url, err := p.artifacts.URL(ctx, key)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("failed to presign artifact URL")
	}
	return api.ArchiveResult{
		Key:     key,
		URL:     url,
		Backend: p.artifacts.Type(),
		Bytes:   len(data),
	}, nil
}

// ----- inbox -----

// InboxResult is the outcome of one inbox file.
type InboxResult struct {
	RunID     string              `json:"run_id"`
	File      string              `json:"file"`
	Status    string              `json:"status"`
	Artifacts []api.ArchiveResult `json:"artifacts,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// ProcessInboxFile transcribes an audio file from the inbox with the job's
// options and archives the transcript in every export format. Stopping the
// pipeline aborts the job with the context error.
func (p *Pipeline) ProcessInboxFile(ctx context.Context, job transcribe.Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	result := InboxResult{RunID: job.ID, File: job.Filename, Status: database.RunFailed}
	defer func() {
		p.publish(EventInboxFile, "", result)
	}()

	raw, err := os.ReadFile(job.Path)
	if err != nil {
		result.Error = err.Error()
		return fmt.Errorf("read %s: %w", job.Path, err)
	}
	na, err := p.normalizer.Normalize(raw, job.Filename)
	if err != nil {
		result.Error = err.Error()
		return err
	}
	defer na.Remove()

	t, err := p.runTranscription(ctx, runJob{
		runID:    job.ID,
		filename: job.Filename,
		source:   "inbox",
		audio:    na,
		opts:     job.Options.Normalize(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			result.Status = database.RunCanceled
		}
		result.Error = err.Error()
		return err
	}
	result.Status = database.RunSucceeded

	if p.artifacts == nil {
		return nil
	}
	stem := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	for _, f := range []export.Format{export.FormatSRT, export.FormatVTT, export.FormatTXT} {
		content, err := export.Render(f, t)
		if err != nil {
			return err
		}
		res, err := p.save(ctx, job.ID, stem+"."+string(f), f.ContentType(), []byte(content))
		if err != nil {
			result.Error = err.Error()
			return err
		}
		res.Format = string(f)
		metrics.ArtifactsArchivedTotal.WithLabelValues(string(f)).Inc()
		result.Artifacts = append(result.Artifacts, res)
	}
	return nil
}

// ----- ad-hoc speech -----

// RecognizeUpload normalizes a short clip and returns its recognized text.
func (p *Pipeline) RecognizeUpload(ctx context.Context, filename string, data []byte, language string) (string, error) {
	na, err := p.normalizer.Normalize(data, filename)
	if err != nil {
		return "", err
	}
	defer na.Remove()

	wav, err := na.Bytes()
	if err != nil {
		return "", fmt.Errorf("read normalized audio: %w", err)
	}
	text, err := p.recognizer.Recognize(ctx, wav, language)
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.AzureErrorsTotal.WithLabelValues("speech").Inc()
	}
	return text, err
}

// ----- run history -----

func (p *Pipeline) recordRunStart(job runJob, start time.Time) {
	if p.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.runs.InsertRun(ctx, &database.RunRow{
		ID:           job.runID,
		SessionID:    job.sessionID,
		Source:       job.source,
		Filename:     job.filename,
		Language:     job.opts.Language,
		MaxSpeakers:  job.opts.MaxSpeakers,
		Backend:      p.backend,
		AudioSeconds: job.audio.Seconds(),
		StartedAt:    start,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("run_id", job.runID).Msg("failed to record run start")
	}
}

func (p *Pipeline) recordRunFinish(runID string, res database.RunResult) {
	if p.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.runs.FinishRun(ctx, runID, res); err != nil {
		p.log.Warn().Err(err).Str("run_id", runID).Msg("failed to record run outcome")
	}
}

// maintenanceLoop purges old run history once at startup and then daily.
func (p *Pipeline) maintenanceLoop() {
	p.purgeHistory()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.purgeHistory()
		}
	}
}

func (p *Pipeline) purgeHistory() {
	ctx, cancel := context.WithTimeout(p.ctx, time.Minute)
	defer cancel()
	n, err := p.runs.PurgeRunsOlderThan(ctx, p.retention)
	if err != nil {
		p.log.Warn().Err(err).Msg("run history purge failed")
		return
	}
	if n > 0 {
		p.log.Info().Int64("deleted", n).Dur("retention", p.retention).Msg("run history purged")
	}
}

// ----- events -----

func (p *Pipeline) publish(eventType, sessionID string, payload any) {
	p.eventBus.Publish(EventData{Type: eventType, SessionID: sessionID, Payload: payload})
}

func (p *Pipeline) notify(subtopic string, v any) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(subtopic, v); err != nil {
		metrics.MQTTPublishedTotal.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("subtopic", subtopic).Msg("notification not delivered")
		return
	}
	metrics.MQTTPublishedTotal.WithLabelValues("ok").Inc()
}

// ----- LiveDataSource and metrics.PipelineStats -----

func (p *Pipeline) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	return p.eventBus.Subscribe(filter)
}

func (p *Pipeline) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	return p.eventBus.ReplaySince(lastEventID, filter)
}

func (p *Pipeline) WatcherStatus() *api.WatcherStatusData {
	if p.inbox == nil {
		return nil
	}
	return p.inbox.Status()
}

func (p *Pipeline) SessionCount() int {
	n, _ := p.store.Stats()
	return n
}

func (p *Pipeline) RunningCount() int {
	_, running := p.store.Stats()
	return running
}

func (p *Pipeline) SSESubscriberCount() int { return p.eventBus.SubscriberCount() }

func (p *Pipeline) InboxQueueDepth() int {
	if p.pool == nil {
		return 0
	}
	return p.pool.Stats().Pending
}
