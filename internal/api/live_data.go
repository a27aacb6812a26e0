package api

// LiveDataSource provides real-time data from the ingest pipeline to the API layer.
// The pipeline implements this interface; api owns it so there is no import cycle.
type LiveDataSource interface {
	// Subscribe returns a channel that receives SSE events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter EventFilter) (<-chan SSEEvent, func())

	// ReplaySince returns buffered events since the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter EventFilter) []SSEEvent

	// WatcherStatus returns the inbox watcher status, or nil if not active.
	WatcherStatus() *WatcherStatusData
}

// WatcherStatusData represents the status of the inbox watcher.
type WatcherStatusData struct {
	Status         string `json:"status"` // "watching", "backfilling", "stopped"
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesFailed    int64  `json:"files_failed"`
	QueuePending   int    `json:"queue_pending"`
}

// EventFilter specifies which events an SSE subscriber wants to receive.
type EventFilter struct {
	Types     []string
	SessionID string
}

// SSEEvent represents a server-sent event ready for transmission.
type SSEEvent struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}
