//go:build !linux || !cgo

package capture

import (
	"errors"
	"time"
)

// SHMReader is unavailable without Linux shared memory and cgo.
type SHMReader struct{}

// OpenSHM always fails on this platform.
func OpenSHM(string) (*SHMReader, error) {
	return nil, errors.New("shared memory capture requires linux and cgo")
}

func (r *SHMReader) WaitNewFrame(time.Duration) error   { return ErrTimeout }
func (r *SHMReader) Latest() (FrameHeader, error)       { return FrameHeader{}, ErrNoFrame }
func (r *SHMReader) CopyData(FrameHeader, []byte) error { return ErrNoFrame }
func (r *SHMReader) Close() error                       { return nil }
