package ingest

import (
	"sync"
	"time"
)

// Batcher hands items to flushFn in batches: when maxSize items are pending
// or interval has passed since the first pending item. flushFn runs on the
// batcher's own goroutine, one batch at a time.
type Batcher[T any] struct {
	maxSize  int
	interval time.Duration
	flushFn  func([]T)

	in    chan T
	flush chan chan struct{}
	done  chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// NewBatcher starts a batcher.
func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	b := &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
		in:       make(chan T, maxSize),
		flush:    make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues an item. It reports false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	b.in <- item
	return true
}

// Flush hands pending items to flushFn and waits for it to return.
func (b *Batcher[T]) Flush() {
	ack := make(chan struct{})
	select {
	case b.flush <- ack:
		<-ack
	case <-b.done:
	}
}

// Stop flushes what is pending and waits for the last batch. Later Adds are dropped.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.in)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	var (
		pending []T
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	emit := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) > 0 {
			b.flushFn(pending)
			pending = nil
		}
	}

	for {
		select {
		case item, ok := <-b.in:
			if !ok {
				emit()
				return
			}
			pending = append(pending, item)
			if len(pending) >= b.maxSize {
				emit()
			} else if len(pending) == 1 {
				timer = time.NewTimer(b.interval)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			emit()
		case ack := <-b.flush:
			emit()
			close(ack)
		}
	}
}
