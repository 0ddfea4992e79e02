// Package events fans out file system change notifications to subscribers
// such as the SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

const (
	EventEntryAdded       = "entry_added"
	EventEntryRemoved     = "entry_removed"
	EventTransferProgress = "transfer_progress"
)

// Transfer kinds carried by progress events.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

// ProgressFailed marks a transfer that did not complete.
const ProgressFailed = -1.0

// Event represents a committed change or transfer progress.
type Event struct {
	Type      string  `json:"type"`
	Path      string  `json:"path"`
	Dir       string  `json:"dir"`
	Kind      string  `json:"kind,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// EntryAdded returns the event for a newly visible path.
func EntryAdded(path string) Event {
	return Event{Type: EventEntryAdded, Path: path, Dir: vpath.Parent(path)}
}

// EntryRemoved returns the event for a path that no longer exists.
func EntryRemoved(path string) Event {
	return Event{Type: EventEntryRemoved, Path: path, Dir: vpath.Parent(path)}
}

// TransferProgress returns a progress event for an upload or download.
func TransferProgress(kind, path string, progress float64) Event {
	return Event{Type: EventTransferProgress, Path: path, Dir: vpath.Parent(path), Kind: kind, Progress: progress}
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing
// twice is a no-op.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
