package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/transcriptor/internal/api"
	"github.com/snarg/transcriptor/internal/metrics"
)

// Event types published on the bus.
const (
	EventAudioReady          = "audio_ready"
	EventTranscriptionStart  = "transcription_started"
	EventTranscriptionUpdate = "transcription_progress"
	EventTranscriptionDone   = "transcription_finished"
	EventTranscriptionFailed = "transcription_failed"
	EventSummaryReady        = "summary_ready"
	EventArtifactArchived    = "artifact_archived"
	EventSessionClosed       = "session_closed"
	EventInboxFile           = "inbox_file"
)

// EventBus provides pub-sub event distribution for SSE subscribers.
// It keeps a ring buffer of recent events for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []api.SSEEvent
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan api.SSEEvent
	filter api.EventFilter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]api.SSEEvent, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan api.SSEEvent, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events published after lastEventID, oldest first.
// An empty or no longer buffered lastEventID replays the whole buffer.
func (eb *EventBus) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []api.SSEEvent
	found := lastEventID == "" || !eb.bufferedLocked(lastEventID)

	for i := 0; i < eb.ringSize; i++ {
		e := eb.ring[(eb.ringHead+i)%eb.ringSize]
		if e.ID == "" {
			continue
		}
		if !found {
			found = e.ID == lastEventID
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

func (eb *EventBus) bufferedLocked(id string) bool {
	for _, e := range eb.ring {
		if e.ID == id {
			return true
		}
	}
	return false
}

// EventData holds the fields needed to publish an event.
type EventData struct {
	Type      string
	SessionID string
	Payload   any
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (eb *EventBus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	now := time.Now()
	event := api.SSEEvent{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), eb.seq.Add(1)),
		Type:      e.Type,
		Timestamp: now.UTC().Format(time.RFC3339),
		SessionID: e.SessionID,
		Data:      data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
	metrics.SSEEventsPublishedTotal.Inc()
}

// matchesFilter applies the type list and the session. Events without a
// session (inbox activity) reach every subscriber that passes the type filter.
func matchesFilter(e api.SSEEvent, f api.EventFilter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if strings.TrimSpace(t) == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.SessionID != "" && e.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	return true
}
