package recognition

import (
	"image"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
)

// Drainer hands over the regions to add and remove since the last call.
type Drainer interface {
	Drain() (enqueue, dequeue []*tracker.Region)
}

// DrainStage forwards a Drainer's output into a Queue once per frame. It
// runs right after the tracker on the same worker.
type DrainStage struct {
	source Drainer
	queue  *Queue

	enqueued atomic.Int64
	dequeued atomic.Int64
}

// NewDrainStage connects source to q.
func NewDrainStage(source Drainer, q *Queue) *DrainStage {
	return &DrainStage{source: source, queue: q}
}

func (d *DrainStage) Name() string           { return "recognition-drain" }
func (d *DrainStage) Init(image.Point) error { return nil }
func (d *DrainStage) Start()                 {}
func (d *DrainStage) Stop()                  {}
func (d *DrainStage) Shutdown()              {}

func (d *DrainStage) Process(*frame.Buffer) error {
	enqueue, dequeue := d.source.Drain()
	for _, r := range enqueue {
		d.queue.Enqueue(r)
	}
	for _, r := range dequeue {
		d.queue.Dequeue(r)
	}
	d.enqueued.Add(int64(len(enqueue)))
	d.dequeued.Add(int64(len(dequeue)))
	return nil
}

func (d *DrainStage) Debug() map[string]any {
	info := map[string]any{
		"enqueued": d.enqueued.Load(),
		"dequeued": d.dequeued.Load(),
		"pending":  d.queue.Len(),
	}
	if r := d.queue.InFlight(); r != nil {
		info["in_flight"] = r.ID().String()
	}
	return info
}
