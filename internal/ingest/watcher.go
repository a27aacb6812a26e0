package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/api"
	"github.com/snarg/transcriptor/internal/transcribe"
)

const (
	inboxProcessedDir = "processed"
	inboxFailedDir    = "failed"
	inboxDebounce     = 500 * time.Millisecond
	inboxRescan       = 30 * time.Second
)

// InboxWatcher monitors a directory for dropped .wav and .mp3 files and queues
// them for transcription. Finished files are moved to processed/ or failed/
// below the inbox so a restart never picks them up again.
type InboxWatcher struct {
	pipeline *Pipeline
	dir      string
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// Files queued or in flight, keyed by path.
	pendingMu sync.Mutex
	pending   map[string]bool

	// Set when a file was turned away by a full queue; the next rescan tick
	// queues it again.
	missed      atomic.Bool
	rescanEvery time.Duration

	filesProcessed atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

func newInboxWatcher(p *Pipeline, dir string, log zerolog.Logger) *InboxWatcher {
	iw := &InboxWatcher{
		pipeline:       p,
		dir:            dir,
		log:            log.With().Str("component", "inbox").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
		pending:        make(map[string]bool),
		rescanEvery:    inboxRescan,
	}
	iw.status.Store("starting")
	return iw
}

// Start creates the inbox layout, begins watching and queues files that were
// dropped while the service was down.
func (iw *InboxWatcher) Start() error {
	for _, sub := range []string{"", inboxProcessedDir, inboxFailedDir} {
		if err := os.MkdirAll(filepath.Join(iw.dir, sub), 0o755); err != nil {
			return fmt.Errorf("create inbox: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(iw.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", iw.dir, err)
	}
	iw.watcher = w

	iw.log.Info().Str("watch_dir", iw.dir).Msg("inbox watcher initialized")

	go iw.watchLoop()
	go iw.backfill()
	return nil
}

// Stop closes the fsnotify watcher and drops pending debounced files.
func (iw *InboxWatcher) Stop() {
	iw.status.Store("stopped")
	if iw.watcher != nil {
		iw.watcher.Close()
		<-iw.done
	}

	iw.debounceMu.Lock()
	for path, t := range iw.debounceTimers {
		t.Stop()
		delete(iw.debounceTimers, path)
	}
	iw.debounceMu.Unlock()

	iw.log.Info().
		Int64("files_processed", iw.filesProcessed.Load()).
		Int64("files_failed", iw.filesFailed.Load()).
		Msg("inbox watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (iw *InboxWatcher) Status() *api.WatcherStatusData {
	s, _ := iw.status.Load().(string)
	st := &api.WatcherStatusData{
		Status:         s,
		WatchDir:       iw.dir,
		FilesProcessed: iw.filesProcessed.Load(),
		FilesFailed:    iw.filesFailed.Load(),
	}
	if iw.pipeline.pool != nil {
		st.QueuePending = iw.pipeline.pool.Stats().Pending
	}
	return st
}

func (iw *InboxWatcher) watchLoop() {
	defer close(iw.done)
	ticker := time.NewTicker(iw.rescanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if iw.missed.Swap(false) {
				found, queued := iw.scan()
				iw.log.Info().Int("found", found).Int("queued", queued).Msg("inbox rescan after full queue")
			}

		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isInboxAudio(event.Name) {
				continue
			}
			iw.scheduleEnqueue(event.Name)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// isInboxAudio accepts .wav and .mp3 files, ignoring hidden and partial uploads.
func isInboxAudio(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

// scheduleEnqueue waits until a file has stopped changing for the debounce
// interval before queueing it.
func (iw *InboxWatcher) scheduleEnqueue(path string) {
	iw.debounceMu.Lock()
	defer iw.debounceMu.Unlock()

	if t, ok := iw.debounceTimers[path]; ok {
		t.Reset(inboxDebounce)
		return
	}

	iw.debounceTimers[path] = time.AfterFunc(inboxDebounce, func() {
		iw.debounceMu.Lock()
		delete(iw.debounceTimers, path)
		iw.debounceMu.Unlock()

		iw.enqueue(path)
	})
}

func (iw *InboxWatcher) enqueue(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	iw.pendingMu.Lock()
	if iw.pending[path] {
		iw.pendingMu.Unlock()
		return false
	}
	iw.pending[path] = true
	iw.pendingMu.Unlock()

	job := transcribe.Job{
		ID:       uuid.NewString(),
		Path:     path,
		Filename: filepath.Base(path),
		Options:  transcribe.DefaultOptions(),
	}
	if !iw.pipeline.pool.Enqueue(job) {
		iw.clearPending(path)
		iw.missed.Store(true)
		iw.log.Warn().Str("file", job.Filename).Msg("transcription queue full, file left in inbox for rescan")
		return false
	}
	iw.log.Debug().Str("file", job.Filename).Str("job_id", job.ID).Msg("inbox file queued")
	return true
}

func (iw *InboxWatcher) clearPending(path string) {
	iw.pendingMu.Lock()
	delete(iw.pending, path)
	iw.pendingMu.Unlock()
}

// process is the worker pool's ProcessFunc. Files aborted by shutdown stay in
// the inbox for the next start.
func (iw *InboxWatcher) process(ctx context.Context, job transcribe.Job) error {
	defer iw.clearPending(job.Path)

	err := iw.pipeline.ProcessInboxFile(ctx, job)
	if errors.Is(err, context.Canceled) && iw.pipeline.ctx.Err() != nil {
		return err
	}

	sub := inboxProcessedDir
	if err != nil {
		sub = inboxFailedDir
		iw.filesFailed.Add(1)
	} else {
		iw.filesProcessed.Add(1)
	}
	if merr := iw.move(job.Path, sub); merr != nil {
		iw.log.Error().Err(merr).Str("file", job.Filename).Msg("failed to move inbox file")
	}
	return err
}

// move renames path into the given inbox subdirectory. An existing file of the
// same name is kept; the new one gets a timestamp prefix.
func (iw *InboxWatcher) move(path, sub string) error {
	name := filepath.Base(path)
	dst := filepath.Join(iw.dir, sub, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(iw.dir, sub, time.Now().UTC().Format("20060102T150405")+"_"+name)
	}
	return os.Rename(path, dst)
}

// backfill queues audio already sitting in the inbox, oldest first.
func (iw *InboxWatcher) backfill() {
	iw.status.Store("backfilling")
	found, queued := iw.scan()
	if found > 0 {
		iw.log.Info().Int("found", found).Int("queued", queued).Msg("inbox backfill complete")
	}
	iw.status.CompareAndSwap("backfilling", "watching")
}

// scan tries to queue every audio file in the inbox, oldest first, and
// reports how many it saw and how many were queued.
func (iw *InboxWatcher) scan() (found, queued int) {
	entries, err := os.ReadDir(iw.dir)
	if err != nil {
		iw.log.Warn().Err(err).Msg("inbox scan failed")
		return 0, 0
	}

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !isInboxAudio(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{path: filepath.Join(iw.dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if iw.enqueue(f.path) {
			queued++
		}
	}
	return len(files), queued
}
