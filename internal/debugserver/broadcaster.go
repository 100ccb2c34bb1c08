package debugserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized structpb.Struct, base64 encoded for SSE
}

// ResultEvent is one completed recognition job as seen by debug clients.
type ResultEvent struct {
	RegionID    string    `json:"region_id"`
	Rect        [4]int    `json:"rect"` // x, y, w, h
	Text        string    `json:"text"`
	Confidences []int     `json:"confidences"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// NewResultEvent describes the result of recognizing r.
func NewResultEvent(r *tracker.Region, res types.Result, at time.Time) ResultEvent {
	rect := r.Rect()
	ev := ResultEvent{
		RegionID:    r.ID().String(),
		Rect:        [4]int{rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy()},
		Text:        res.Text,
		Confidences: res.Confidences,
		DurationMs:  res.Duration.Milliseconds(),
		At:          at,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// ResultBroadcaster manages fanout of recognition results to multiple SSE
// clients and keeps a short history for polling clients.
type ResultBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	history []ResultEvent
	limit   int

	dropped atomic.Uint64
}

// NewResultBroadcaster creates a broadcaster remembering up to history results.
func NewResultBroadcaster(history int) *ResultBroadcaster {
	if history <= 0 {
		history = DefaultConfig().History
	}
	return &ResultBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		limit:   history,
	}
}

// Subscribe adds a new client and returns a channel for receiving results.
func (rb *ResultBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	id := rb.nextID
	rb.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	rb.clients[id] = ch

	logger.Debug("ResultBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(rb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (rb *ResultBroadcaster) Unsubscribe(id int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if ch, ok := rb.clients[id]; ok {
		close(ch)
		delete(rb.clients, id)
		logger.Debug("ResultBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(rb.clients))
	}
}

// Clients returns the number of subscribed clients.
func (rb *ResultBroadcaster) Clients() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.clients)
}

// Dropped returns how many events slow clients missed.
func (rb *ResultBroadcaster) Dropped() uint64 {
	return rb.dropped.Load()
}

// History returns the most recent results, oldest first.
func (rb *ResultBroadcaster) History() []ResultEvent {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]ResultEvent, len(rb.history))
	copy(out, rb.history)
	return out
}

// Publish records ev and sends it to every client. It never blocks: a
// client whose buffer is full misses the event.
func (rb *ResultBroadcaster) Publish(ev ResultEvent) {
	event, err := serialize(ev)
	if err != nil {
		logger.Error("ResultBroadcaster", "Serialize result: %v", err)
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.history = append(rb.history, ev)
	if len(rb.history) > rb.limit {
		rb.history = rb.history[len(rb.history)-rb.limit:]
	}
	for _, ch := range rb.clients {
		select {
		case ch <- event:
		default:
			rb.dropped.Add(1)
		}
	}
}

// serialize encodes v as JSON and as a base64 protobuf Struct.
func serialize(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal: %w", err)
	}
	pbData, err := structBytes(jsonData)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// structBytes converts a JSON object into a serialized structpb.Struct.
// Going through JSON normalizes typed slices and structs, which structpb
// does not accept directly.
func structBytes(jsonData []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("JSON unmarshal: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	return b, nil
}
