//go:build linux && cgo

package capture

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

// Layout shared with the camera daemon.
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

typedef struct {
    uint64_t frame_number;
    int64_t sec;
    int64_t nsec;
    int width;
    int height;
    int format;
    size_t data_size;
} FrameHeader;

SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL, sizeof(SharedFrameBuffer), PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

// 0 on success, negative errno otherwise.
int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }
    if (timeout_ms <= 0) {
        if (sem_wait((sem_t*)&shm->new_frame_sem) != 0) {
            return -errno;
        }
        return 0;
    }
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

int read_header(SharedFrameBuffer* shm, uint32_t index, FrameHeader* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    Frame* f = &shm->frames[index];
    out->frame_number = f->frame_number;
    out->sec = f->timestamp.tv_sec;
    out->nsec = f->timestamp.tv_nsec;
    out->width = f->width;
    out->height = f->height;
    out->format = f->format;
    out->data_size = f->data_size;
    return 0;
}

// Copies only the pixel data; the Frame struct itself is ~3 MB.
int copy_data(SharedFrameBuffer* shm, uint32_t index, uint8_t* dst, size_t n) {
    if (index >= RING_BUFFER_SIZE || n > MAX_FRAME_SIZE) {
        return -1;
    }
    memcpy(dst, shm->frames[index].data, n);
    return 0;
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
)

const (
	ringBufferSize = 30
	maxFrameSize   = 1920 * 1080 * 3 / 2
	openRetries    = 30
)

// SHMReader reads the camera daemon's ring buffer.
type SHMReader struct {
	shm  *C.SharedFrameBuffer
	name string
}

// OpenSHM opens the named ring buffer, waiting up to 30 seconds for the
// camera daemon to create it.
func OpenSHM(name string) (*SHMReader, error) {
	if name == "" {
		name = DefaultSHMConfig().Name
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var shm *C.SharedFrameBuffer
	for i := 0; i < openRetries; i++ {
		shm = C.open_shm(cName)
		if shm != nil {
			break
		}
		if i%5 == 0 {
			logger.Info("Capture", "Waiting for shared memory %s to appear... (%d/%d)", name, i+1, openRetries)
		}
		time.Sleep(time.Second)
	}
	if shm == nil {
		return nil, fmt.Errorf("failed to open shared memory: %s (timeout after %ds)", name, openRetries)
	}

	logger.Info("Capture", "Opened shared memory: %s", name)
	return &SHMReader{shm: shm, name: name}, nil
}

// WaitNewFrame implements RingReader.
func (r *SHMReader) WaitNewFrame(timeout time.Duration) error {
	if r.shm == nil {
		return fmt.Errorf("shared memory not open")
	}
	result := int(C.wait_new_frame(r.shm, C.int(timeout.Milliseconds())))
	if result == 0 {
		return nil
	}

	switch errNum := -result; errNum {
	case 110: // ETIMEDOUT
		return ErrTimeout
	case 4: // EINTR
		return fmt.Errorf("interrupted (errno %d)", errNum)
	default:
		return fmt.Errorf("semaphore wait failed (errno %d)", errNum)
	}
}

// Latest implements RingReader.
func (r *SHMReader) Latest() (FrameHeader, error) {
	if r.shm == nil {
		return FrameHeader{}, fmt.Errorf("shared memory not open")
	}
	writeIndex := uint32(C.get_write_index(r.shm))
	if writeIndex == 0 {
		return FrameHeader{}, ErrNoFrame
	}
	slot := (writeIndex - 1) % ringBufferSize

	var ch C.FrameHeader
	if C.read_header(r.shm, C.uint32_t(slot), &ch) != 0 {
		return FrameHeader{}, fmt.Errorf("failed to read frame header at index %d", slot)
	}
	return FrameHeader{
		Number:    uint64(ch.frame_number),
		Timestamp: time.Unix(int64(ch.sec), int64(ch.nsec)),
		Width:     int(ch.width),
		Height:    int(ch.height),
		Format:    int(ch.format),
		Size:      int(ch.data_size),
		slot:      slot,
	}, nil
}

// CopyData implements RingReader.
func (r *SHMReader) CopyData(h FrameHeader, dst []byte) error {
	if r.shm == nil {
		return fmt.Errorf("shared memory not open")
	}
	if len(dst) == 0 {
		return nil
	}
	if len(dst) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds slot size", len(dst))
	}
	if C.copy_data(r.shm, C.uint32_t(h.slot), (*C.uint8_t)(unsafe.Pointer(&dst[0])), C.size_t(len(dst))) != 0 {
		return fmt.Errorf("failed to copy frame at index %d", h.slot)
	}
	return nil
}

// Close unmaps the ring buffer.
func (r *SHMReader) Close() error {
	if r.shm != nil {
		C.close_shm(r.shm)
		r.shm = nil
	}
	return nil
}
