package frame

import (
	"image"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGray(t *testing.T, w, h int, opts ...Option) *Buffer {
	t.Helper()
	data := make([]byte, w*h)
	for i := range data {
		data[i] = byte(i)
	}
	b, err := New(data, w, h, FormatGray, time.Now(), opts...)
	require.NoError(t, err)
	return b
}

func TestNewRejectsShortData(t *testing.T) {
	_, err := New(make([]byte, 10), 4, 4, FormatNV12, time.Now())
	assert.Error(t, err)

	_, err = New(nil, 0, 4, FormatGray, time.Now())
	assert.Error(t, err)
}

func TestReleaseOnlyAfterLastStage(t *testing.T) {
	var released int
	b := newGray(t, 4, 4, WithReleaseHook(func([]byte) { released++ }))

	require.NoError(t, b.StartStage())
	require.NoError(t, b.StartStage())

	require.NoError(t, b.FinishStage())
	assert.False(t, b.Released())
	_, err := b.Data()
	require.NoError(t, err)

	require.NoError(t, b.FinishStage())
	assert.True(t, b.Released())
	assert.Equal(t, 1, released)

	_, err = b.Data()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	_, err = b.Image()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	assert.ErrorIs(t, b.StartStage(), ErrUseAfterRelease)
}

func TestDoubleReleaseIsLifecycleError(t *testing.T) {
	b := newGray(t, 2, 2)
	require.NoError(t, b.StartStage())
	require.NoError(t, b.FinishStage())

	err := b.FinishStage()
	assert.ErrorIs(t, err, ErrDoubleRelease)
	assert.ErrorIs(t, err, ErrBufferLifecycle)
}

func TestStrictModePanics(t *testing.T) {
	SetStrict(true)
	defer SetStrict(false)

	b := newGray(t, 2, 2)
	assert.Panics(t, func() { _ = b.FinishStage() })
}

// Random interleavings of start/finish from many goroutines must release
// exactly once, and only when the count reaches zero.
func TestConcurrentStartFinishReleasesOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		var mu sync.Mutex
		releases := 0
		b := newGray(t, 8, 8, WithReleaseHook(func([]byte) {
			mu.Lock()
			releases++
			mu.Unlock()
		}))

		stages := 2 + rand.Intn(8)
		for i := 0; i < stages; i++ {
			require.NoError(t, b.StartStage())
		}

		var wg sync.WaitGroup
		for i := 0; i < stages; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = b.Luma()
				assert.NoError(t, b.FinishStage())
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, releases)
		assert.Equal(t, 0, b.Outstanding())
	}
}

func TestImageIsCachedAndDetached(t *testing.T) {
	b := newGray(t, 4, 2)
	require.NoError(t, b.StartStage())

	img1, err := b.Image()
	require.NoError(t, err)
	img2, err := b.Image()
	require.NoError(t, err)
	assert.Same(t, img1.(*image.Gray), img2.(*image.Gray))

	gray := img1.(*image.Gray)
	assert.Equal(t, uint8(5), gray.GrayAt(1, 1).Y)

	require.NoError(t, b.FinishStage())
	assert.Equal(t, uint8(5), gray.GrayAt(1, 1).Y)
}

func TestDecodeNV21SwapsChroma(t *testing.T) {
	w, h := 2, 2
	data := []byte{10, 20, 30, 40, 200, 100} // Y plane then V,U
	b, err := New(data, w, h, FormatNV21, time.Now())
	require.NoError(t, err)
	require.NoError(t, b.StartStage())

	img, err := b.Image()
	require.NoError(t, err)
	ycc := img.(*image.YCbCr)
	assert.Equal(t, []byte{10, 20, 30, 40}, ycc.Y)
	assert.Equal(t, uint8(100), ycc.Cb[0])
	assert.Equal(t, uint8(200), ycc.Cr[0])
}

func TestLumaSlicesYPlane(t *testing.T) {
	data := make([]byte, FormatNV12.Size(4, 4))
	b, err := New(data, 4, 4, FormatNV12, time.Now())
	require.NoError(t, err)
	require.NoError(t, b.StartStage())

	luma, err := b.Luma()
	require.NoError(t, err)
	assert.Len(t, luma, 16)
}
