package tracker

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/motion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

// xywh builds a rectangle from origin and size.
func xywh(x, y, w, h int) image.Rectangle {
	return image.Rect(x, y, x+w, y+h)
}

type scriptedDetector struct {
	next   types.DetectionSet
	err    error
	closed int
}

func (d *scriptedDetector) Close() error {
	d.closed++
	return nil
}

func (d *scriptedDetector) Detect(*frame.Buffer) (types.DetectionSet, error) {
	return d.next, d.err
}

func (d *scriptedDetector) show(rects ...image.Rectangle) {
	d.next = types.DetectionSet{}
	for _, r := range rects {
		d.next.Regions = append(d.next.Regions, types.Detection{Rect: r, Quality: 0.5})
	}
}

type constMotion struct{ dx, dy float64 }

func (m constMotion) AccumulatedDelta(time.Time, time.Time, image.Point, int) (float64, float64) {
	return m.dx, m.dy
}

type harness struct {
	t     *testing.T
	det   *scriptedDetector
	tr    *Tracker
	start time.Time
	seq   uint64
}

func newHarness(t *testing.T, motion MotionOracle) *harness {
	det := &scriptedDetector{}
	return &harness{
		t:     t,
		det:   det,
		tr:    New(DefaultConfig(), det, motion, nil),
		start: time.Unix(2000, 0),
	}
}

func (h *harness) at(ms int) {
	h.t.Helper()
	h.seq++
	f, err := frame.New(make([]byte, 160*120), 160, 120, frame.FormatGray,
		h.start.Add(time.Duration(ms)*time.Millisecond), frame.WithSeq(h.seq))
	require.NoError(h.t, err)
	require.NoError(h.t, f.StartStage())
	require.NoError(h.t, h.tr.Process(f))
	require.NoError(h.t, f.FinishStage())
}

func TestScenarioMatchTakesDetectionRect(t *testing.T) {
	r := xywh(10, 10, 50, 20)
	d := xywh(12, 11, 49, 21)

	score, ok := Similarity(r, d, 0)
	require.True(t, ok)
	assert.Greater(t, score, 1.5)

	h := newHarness(t, nil)
	h.det.show(r)
	h.at(0)
	h.det.show(d)
	h.at(33)

	regions := h.tr.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, d, regions[0].Rect())
	assert.False(t, regions[0].Missing())
}

func TestMatchIsDeterministicAndClaimsOnce(t *testing.T) {
	regions := []image.Rectangle{xywh(0, 0, 40, 10), xywh(0, 0, 40, 10), xywh(100, 100, 10, 40)}
	candidates := []image.Rectangle{xywh(1, 0, 40, 10), xywh(0, 1, 40, 10)}

	first := Match(regions, candidates, 0)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Match(regions, candidates, 0))
	}
	// The first region takes the better candidate; the second gets what is left.
	assert.Equal(t, []int{0, 1, -1}, first)
}

func TestMatchRejectsAspectMismatchAndLowOverlapWhenGated(t *testing.T) {
	_, ok := Similarity(xywh(0, 0, 40, 10), xywh(0, 0, 40, 20), 0)
	assert.False(t, ok, "aspect 4 vs 2")

	far := xywh(500, 500, 40, 10)
	_, ok = Similarity(xywh(0, 0, 40, 10), far, 0)
	assert.True(t, ok, "overlap gate disabled by default")
	_, ok = Similarity(xywh(0, 0, 40, 10), far, 0.2)
	assert.False(t, ok)
}

func TestPresenceDebounce(t *testing.T) {
	h := newHarness(t, nil)
	rect := xywh(20, 20, 60, 15)
	h.det.show(rect)

	h.at(0)
	h.at(499)
	enq, _ := h.tr.Drain()
	assert.Empty(t, enq)

	h.at(500)
	enq, _ = h.tr.Drain()
	require.Len(t, enq, 1)
	assert.True(t, enq[0].Submitted())

	h.at(600)
	h.at(5000)
	enq, _ = h.tr.Drain()
	assert.Empty(t, enq, "never enqueued twice while matched")
}

func TestAbsenceDebounce(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(xywh(20, 20, 60, 15))
	h.at(0)

	h.det.show()
	h.at(100)
	require.Len(t, h.tr.Regions(), 1)
	assert.True(t, h.tr.Regions()[0].Missing())

	h.at(100 + 1499)
	_, deq := h.tr.Drain()
	assert.Empty(t, deq)
	require.Len(t, h.tr.Regions(), 1)

	h.at(100 + 1500)
	_, deq = h.tr.Drain()
	assert.Len(t, deq, 1)
	assert.Empty(t, h.tr.Regions())

	h.at(5000)
	_, deq = h.tr.Drain()
	assert.Empty(t, deq)
}

func TestRematchClearsAbsence(t *testing.T) {
	h := newHarness(t, nil)
	rect := xywh(20, 20, 60, 15)
	h.det.show(rect)
	h.at(0)
	h.det.show()
	h.at(100)
	h.det.show(rect)
	h.at(1000)
	h.det.show()
	h.at(1100)
	h.at(2000)

	require.Len(t, h.tr.Regions(), 1, "absence restarted at 1100")
}

func TestDegenerateCandidatesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(image.Rect(10, 10, 10, 30), image.Rect(5, 5, 40, 5), xywh(20, 20, 60, 15))
	h.at(0)
	assert.Len(t, h.tr.Regions(), 1)
}

func TestMotionMovesRegionsBeforeMatching(t *testing.T) {
	h := newHarness(t, constMotion{dx: 30})
	h.det.show(xywh(10, 10, 40, 10))
	h.at(0)

	// Without the motion offset these would not overlap at all.
	h.tr.cfg.MinOverlap = 0.5
	h.det.show(xywh(40, 10, 40, 10))
	h.at(33)

	regions := h.tr.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, xywh(40, 10, 40, 10), regions[0].Rect())
}

func TestDetectorErrorLeavesStateAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(xywh(20, 20, 60, 15))
	h.at(0)

	h.det.err = errors.New("npu busy")
	f, err := frame.New(make([]byte, 160*120), 160, 120, frame.FormatGray, h.start.Add(3*time.Second))
	require.NoError(t, err)
	require.NoError(t, f.StartStage())
	assert.Error(t, h.tr.Process(f))
	assert.Len(t, h.tr.Regions(), 1)
	assert.False(t, h.tr.Regions()[0].Missing())
}

func TestNewRegionCapturesUpscaledPatch(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(xywh(20, 20, 60, 16))
	h.at(0)

	patch := h.tr.Regions()[0].Patch()
	require.NotNil(t, patch)
	assert.Equal(t, 32, patch.Bounds().Dy())
	assert.Equal(t, 120, patch.Bounds().Dx())
}

func TestSnapshotAndDebug(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(xywh(20, 20, 60, 15), xywh(20, 60, 60, 15))
	h.at(0)

	snap := h.tr.Snapshot()
	assert.Equal(t, uint64(1), snap.Seq)
	require.Len(t, snap.Regions, 2)
	assert.Equal(t, h.tr.Regions()[0].ID().String(), snap.Regions[0].ID)

	info := h.tr.Debug()
	assert.Len(t, info["regions"], 2)

	h.det.show()
	h.at(10)
	assert.Len(t, snap.Regions, 2, "published snapshots are immutable")
	assert.True(t, h.tr.Snapshot().Regions[0].Missing)
}

func TestInitQueuesSubmittedRegionsForRemoval(t *testing.T) {
	h := newHarness(t, nil)
	h.det.show(xywh(20, 20, 60, 15))
	h.at(0)
	h.at(600)
	enq, _ := h.tr.Drain()
	require.Len(t, enq, 1)

	require.NoError(t, h.tr.Init(image.Pt(320, 240)))
	_, deq := h.tr.Drain()
	assert.Equal(t, enq, deq)
	assert.Empty(t, h.tr.Regions())
}

// panFlow reports every feature of a 160x120 frame moving right by step.
type panFlow struct {
	step  float64
	calls int
}

func (p *panFlow) Track([]byte, int, int) ([]motion.Displacement, error) {
	p.calls++
	if p.calls == 1 {
		return nil, nil
	}
	var out []motion.Displacement
	for y := 5; y < 120; y += 10 {
		for x := 5; x < 160; x += 10 {
			out = append(out, motion.Displacement{X: float64(x), Y: float64(y), DX: p.step})
		}
	}
	return out, nil
}

func (p *panFlow) Reset()       {}
func (p *panFlow) Close() error { return nil }

func TestMotionStopsAtTrackedFrame(t *testing.T) {
	est := motion.New(motion.DefaultConfig(), &panFlow{step: 4})
	h := newHarness(t, est)

	// The motion stage runs ahead of the tracker: it has seen frames 0 to 3
	// while the tracker is still on frame 1.
	for i := 0; i < 4; i++ {
		f, err := frame.New(make([]byte, 160*120), 160, 120, frame.FormatGray,
			h.start.Add(time.Duration(i*33)*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, f.StartStage())
		require.NoError(t, est.Process(f))
		require.NoError(t, f.FinishStage())
	}

	h.det.show(xywh(20, 20, 40, 10))
	h.at(0)
	h.det.show()
	h.at(33)

	regions := h.tr.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, xywh(24, 20, 40, 10), regions[0].Rect(), "only motion up to frame 1 applies")
}

func TestZeroTimestampRegionsStillExpire(t *testing.T) {
	h := newHarness(t, nil)
	h.start = time.Time{}
	h.det.show(xywh(20, 20, 60, 15))
	h.at(0)

	h.det.show()
	h.at(0)
	require.Len(t, h.tr.Regions(), 1)
	assert.True(t, h.tr.Regions()[0].Missing())

	h.at(1500)
	_, deq := h.tr.Drain()
	assert.Len(t, deq, 1)
	assert.Empty(t, h.tr.Regions())
}

func TestShutdownClosesDetector(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.Shutdown()
	assert.Equal(t, 1, h.det.closed)
}
