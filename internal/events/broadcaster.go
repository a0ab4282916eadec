// Package events provides an SSE event broadcaster for live change
// notification after storage mutations.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hts-nas/nasgate/internal/metrics"
)

// Actions carried by change events.
const (
	ActionFolderCreated = "folder-created"
	ActionUploaded      = "uploaded"
	ActionRemoved       = "removed"
	ActionRenamed       = "renamed"
	ActionMoved         = "moved"
	ActionCopied        = "copied"
	ActionLocked        = "locked"
	ActionUnlocked      = "unlocked"
)

// Item types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// ItemDelta describes one item touched by a mutation.
type ItemDelta struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Path         string `json:"path"`
	PreviousPath string `json:"previousPath,omitempty"`
	ParentPath   string `json:"parentPath"`
	Removed      bool   `json:"removed,omitempty"`
	Locked       bool   `json:"locked,omitempty"`
}

// Event describes one completed mutation. Events are ephemeral: broadcast
// once to live subscribers, never persisted.
type Event struct {
	Action    string      `json:"action"`
	Actor     string      `json:"actor"`
	Parents   []string    `json:"affectedParentPaths"`
	Items     []ItemDelta `json:"items"`
	Timestamp int64       `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and fans out events.
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
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once for the same channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Never blocks: a subscriber
// whose buffer is full is treated as dead and removed immediately, so a
// slow peer can never stall a mutation.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	var dead []chan Event
	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			dead = append(dead, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range dead {
		b.Unsubscribe(ch)
	}
	metrics.RecordSSEEvent(event.Action)
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
