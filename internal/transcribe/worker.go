package transcribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is a batch transcription request, typically a file dropped into the
// inbox directory.
type Job struct {
	ID       string
	Path     string // audio file on disk
	Filename string // original name, decides the decoder
	Options  Options
	Queued   time.Time
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ProcessFunc runs one job. The context is canceled when the pool stops.
type ProcessFunc func(ctx context.Context, job Job) error

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per job; 0 = none
	Process   ProcessFunc
	Log       zerolog.Logger
}

// WorkerPool manages transcription workers.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a new transcription worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("transcription worker pool started")
}

// Stop refuses new jobs, lets workers drain the queue and waits for them.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job to the queue. Returns false if the queue is full or the
// pool has stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	if j.Queued.IsZero() {
		j.Queued = time.Now()
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		start := time.Now()
		if err := wp.processJob(job); err != nil {
			wp.failed.Add(1)
			log.Warn().Err(err).
				Str("job_id", job.ID).
				Str("file", job.Filename).
				Msg("transcription job failed")
		} else {
			wp.completed.Add(1)
			log.Debug().
				Str("job_id", job.ID).
				Dur("elapsed", time.Since(start)).
				Dur("waited", start.Sub(job.Queued)).
				Msg("transcription job complete")
		}
	}
}

func (wp *WorkerPool) processJob(job Job) error {
	if wp.opts.Process == nil {
		return nil
	}
	ctx := wp.ctx
	if wp.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.opts.Timeout)
		defer cancel()
	}
	return wp.opts.Process(ctx, job)
}
