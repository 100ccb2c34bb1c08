// Package capture provides frame sources for the scheduler: the camera
// daemon's shared-memory ring buffer and a replay source for still images.
package capture

import (
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/scheduler"
)

// request holds the single outstanding frame request of a source.
type request struct {
	mu       sync.Mutex
	receiver scheduler.Receiver
	wake     chan struct{}
}

func newRequest() *request {
	return &request{wake: make(chan struct{}, 1)}
}

// set replaces the outstanding request. nil cancels it.
func (q *request) set(r scheduler.Receiver) {
	q.mu.Lock()
	q.receiver = r
	q.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *request) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receiver != nil
}

// take clears and returns the outstanding request.
func (q *request) take() scheduler.Receiver {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.receiver
	q.receiver = nil
	return r
}
