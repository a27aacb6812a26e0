// Package session holds the per-user working context: the current upload,
// its transcript and its summary. Uploading a new file invalidates everything
// derived from the previous one.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/transcript"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrNoAudio   = errors.New("session has no audio")
	ErrRunActive = errors.New("a transcription is already running")
	ErrNoRun     = errors.New("no transcription is running")
	ErrStale     = errors.New("session changed since the operation started")
	ErrNoText    = errors.New("session has no transcript")
)

// RunState describes the latest transcription run of a session.
type RunState struct {
	ID          string    `json:"id,omitempty"`
	Running     bool      `json:"running"`
	Progress    float64   `json:"progress"`
	Language    string    `json:"language,omitempty"`
	MaxSpeakers int       `json:"max_speakers,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Filename   string                 `json:"filename,omitempty"`
	Audio      *audio.NormalizedAudio `json:"-"`
	Transcript *transcript.Transcript `json:"-"`
	Summary    *transcript.Summary    `json:"-"`
	Run        RunState               `json:"run"`
	Generation uint64                 `json:"generation"`
}

type entry struct {
	Snapshot
	cancel context.CancelFunc
	seen   time.Time // last read or write
}

func (e *entry) idleSince() time.Time {
	if e.seen.After(e.UpdatedAt) {
		return e.seen
	}
	return e.UpdatedAt
}

// Store keeps sessions in memory. All methods are safe for concurrent use;
// nothing blocks while holding the lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewStore creates a store whose idle sessions expire after ttl (0 = never).
func NewStore(ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
		log:      log,
	}
}

// Create starts a new empty session.
func (s *Store) Create() Snapshot {
	now := s.now()
	e := &entry{Snapshot: Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.mu.Lock()
	s.sessions[e.ID] = e
	s.mu.Unlock()
	return e.Snapshot
}

// Get returns a snapshot of session id.
func (s *Store) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	e.seen = s.now()
	return e.Snapshot, nil
}

// Delete cancels any running transcription and releases the session's audio.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.release(e)
	return nil
}

// SetAudio replaces the session's audio. The previous file, transcript and
// summary are discarded. Refused while a transcription is running.
func (s *Store) SetAudio(id, filename string, na *audio.NormalizedAudio) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if e.Run.Running {
		s.mu.Unlock()
		return ErrRunActive
	}
	old := e.Audio
	e.Audio = na
	e.Filename = filename
	e.Transcript = nil
	e.Summary = nil
	e.Run = RunState{}
	e.Generation++
	e.UpdatedAt = s.now()
	s.mu.Unlock()

	if err := old.Remove(); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("failed to remove previous audio")
	}
	return nil
}

// BeginRun marks a transcription as running and returns the audio to process
// together with the generation the result must be stored against.
func (s *Store) BeginRun(id, runID string, opts RunState, cancel context.CancelFunc) (*audio.NormalizedAudio, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if e.Audio == nil {
		return nil, 0, ErrNoAudio
	}
	if e.Run.Running {
		return nil, 0, ErrRunActive
	}
	e.Run = RunState{
		ID:          runID,
		Running:     true,
		Language:    opts.Language,
		MaxSpeakers: opts.MaxSpeakers,
		StartedAt:   s.now(),
	}
	e.cancel = cancel
	e.UpdatedAt = s.now()
	return e.Audio, e.Generation, nil
}

// UpdateProgress records progress for the run started at generation gen.
func (s *Store) UpdateProgress(id string, gen uint64, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok || e.Generation != gen || !e.Run.Running {
		return
	}
	if p > e.Run.Progress {
		e.Run.Progress = p
	}
}

// FinishRun ends the run started at generation gen. On success the transcript
// replaces the previous one and the summary is cleared.
func (s *Store) FinishRun(id string, gen uint64, t *transcript.Transcript, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Generation != gen {
		return ErrStale
	}
	e.Run.Running = false
	e.Run.FinishedAt = s.now()
	e.cancel = nil
	if runErr != nil {
		e.Run.Error = runErr.Error()
	} else {
		e.Run.Progress = 1
		e.Transcript = t
		e.Summary = nil
		e.Generation++
	}
	e.UpdatedAt = s.now()
	return nil
}

// CancelRun asks the running transcription to stop.
func (s *Store) CancelRun(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	cancel := e.cancel
	running := e.Run.Running
	s.mu.Unlock()

	if !running || cancel == nil {
		return ErrNoRun
	}
	cancel()
	return nil
}

// TranscriptForSummary returns the transcript and the generation a summary
// of it must be stored against.
func (s *Store) TranscriptForSummary(id string) (*transcript.Transcript, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if e.Transcript == nil {
		return nil, 0, ErrNoText
	}
	return e.Transcript, e.Generation, nil
}

// SetSummary stores sum if the transcript it was derived from is still current.
func (s *Store) SetSummary(id string, gen uint64, sum *transcript.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Generation != gen {
		return ErrStale
	}
	e.Summary = sum
	e.UpdatedAt = s.now()
	return nil
}

// Stats returns the number of sessions and of running transcriptions.
func (s *Store) Stats() (sessions, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		if e.Run.Running {
			running++
		}
	}
	return len(s.sessions), running
}

// Sweep removes sessions idle for longer than the TTL. Sessions with a
// running transcription are kept.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	var expired []*entry
	s.mu.Lock()
	for id, e := range s.sessions {
		if !e.Run.Running && e.idleSince().Before(cutoff) {
			expired = append(expired, e)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.release(e)
	}
	if len(expired) > 0 {
		s.log.Info().Int("expired", len(expired)).Msg("idle sessions removed")
	}
	return len(expired)
}

// Run sweeps expired sessions every interval until ctx is done, then releases
// every remaining session.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) closeAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()
	for _, e := range all {
		s.release(e)
	}
}

func (s *Store) release(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.Audio.Remove(); err != nil {
		s.log.Warn().Err(err).Str("session_id", e.ID).Msg("failed to remove session audio")
	}
}
