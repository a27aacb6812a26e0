package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/session"
	"github.com/snarg/transcriptor/internal/storage"
	"github.com/snarg/transcriptor/internal/transcribe"
	"github.com/snarg/transcriptor/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInboxPipeline(t *testing.T, inbox string) (*Pipeline, string) {
	t.Helper()
	archive := t.TempDir()
	p := NewPipeline(PipelineOptions{
		Store:        session.NewStore(0, zerolog.Nop()),
		Normalizer:   audio.NewNormalizer(audio.Options{TempDir: t.TempDir(), TrustWAV: true}),
		Transcriber:  &fakeTranscriber{result: twoSpeakers},
		Artifacts:    storage.NewLocalStore(archive),
		InboxDir:     inbox,
		InboxWorkers: 1,
		InboxQueue:   8,
		InboxTimeout: time.Minute,
		Log:          zerolog.Nop(),
	})
	return p, archive
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestIsInboxAudio(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/in/a.wav", true},
		{"/in/b.MP3", true},
		{"/in/c.ogg", false},
		{"/in/.partial.wav", false},
		{"/in/notes.txt", false},
	}
	for _, tt := range tests {
		if got := isInboxAudio(tt.path); got != tt.want {
			t.Errorf("isInboxAudio(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInboxBackfillAndWatch(t *testing.T) {
	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "antes.wav"), []byte("RIFF....WAVE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "leeme.txt"), []byte("ignored"), 0o644))

	p, _ := newInboxPipeline(t, inbox)
	require.NoError(t, p.Start())
	defer p.Stop()

	processed := filepath.Join(inbox, inboxProcessedDir)
	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(processed, "antes.wav"))
	}, 5*time.Second, 20*time.Millisecond, "backfilled file processed")

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "despues.wav"), []byte("RIFF....WAVE"), 0o644))
	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(processed, "despues.wav"))
	}, 5*time.Second, 20*time.Millisecond, "dropped file processed")

	assert.True(t, fileExists(filepath.Join(inbox, "leeme.txt")), "non-audio files are left alone")

	st := p.WatcherStatus()
	require.NotNil(t, st)
	assert.Equal(t, "watching", st.Status)
	assert.Equal(t, int64(2), st.FilesProcessed)
	assert.Equal(t, int64(0), st.FilesFailed)
}

func TestInboxFailedFileMoved(t *testing.T) {
	inbox := t.TempDir()
	p, _ := newInboxPipeline(t, inbox)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "roto.mp3"), []byte("not an mp3"), 0o644))
	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(inbox, inboxFailedDir, "roto.mp3"))
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(1), p.WatcherStatus().FilesFailed)
}

func TestInboxMoveKeepsExistingFile(t *testing.T) {
	inbox := t.TempDir()
	p, _ := newInboxPipeline(t, inbox)
	iw := p.inbox
	require.NoError(t, os.MkdirAll(filepath.Join(inbox, inboxProcessedDir), 0o755))

	existing := filepath.Join(inbox, inboxProcessedDir, "a.wav")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))
	src := filepath.Join(inbox, "a.wav")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	require.NoError(t, iw.move(src, inboxProcessedDir))

	old, _ := os.ReadFile(existing)
	assert.Equal(t, "old", string(old))
	entries, _ := os.ReadDir(filepath.Join(inbox, inboxProcessedDir))
	assert.Len(t, entries, 2)
	assert.False(t, fileExists(src))
}

// gatedTranscriber holds every call until release is closed.
type gatedTranscriber struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, _ *audio.NormalizedAudio, _ transcribe.Options, onProgress transcribe.ProgressFunc) (*transcript.Transcript, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	onProgress(1)
	return twoSpeakers, nil
}

func TestInboxRescanAfterFullQueue(t *testing.T) {
	inbox := t.TempDir()
	names := []string{"uno.wav", "dos.wav", "tres.wav", "cuatro.wav"}
	for i, name := range names {
		path := filepath.Join(inbox, name)
		require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0o644))
		mt := time.Now().Add(time.Duration(i-len(names)) * time.Minute)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	gate := &gatedTranscriber{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewPipeline(PipelineOptions{
		Store:        session.NewStore(0, zerolog.Nop()),
		Normalizer:   audio.NewNormalizer(audio.Options{TempDir: t.TempDir(), TrustWAV: true}),
		Transcriber:  gate,
		Artifacts:    storage.NewLocalStore(t.TempDir()),
		InboxDir:     inbox,
		InboxWorkers: 1,
		InboxQueue:   1,
		InboxTimeout: time.Minute,
		Log:          zerolog.Nop(),
	})
	p.inbox.rescanEvery = 20 * time.Millisecond
	require.NoError(t, p.Start())
	defer p.Stop()

	// One file in the worker and one in the queue; the rest are turned away.
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first inbox file never reached the transcriber")
	}
	require.Eventually(t, func() bool {
		return p.InboxQueueDepth() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, fileExists(filepath.Join(inbox, "cuatro.wav")), "newest file still waiting in inbox")

	close(gate.release)

	processed := filepath.Join(inbox, inboxProcessedDir)
	for _, name := range names {
		require.Eventually(t, func() bool {
			return fileExists(filepath.Join(processed, name))
		}, 5*time.Second, 20*time.Millisecond, fmt.Sprintf("%s processed", name))
	}
	assert.Equal(t, int64(len(names)), p.WatcherStatus().FilesProcessed)
	assert.Equal(t, int64(0), p.WatcherStatus().FilesFailed)
}
