// Package mock provides in-memory [audio.CaptureDevice] and
// [audio.OutputDevice] implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// CaptureDevice is a scriptable capture device. Set OpenErr to simulate
// permission denial or a busy device; otherwise Open returns a
// [CaptureStream] whose frames are pushed by the test via Push.
type CaptureDevice struct {
	// OpenErr, when non-nil, is returned from every Open call.
	OpenErr error

	mu        sync.Mutex
	OpenCalls []audio.StreamConfig
	streams   []*CaptureStream
}

// Open records the call and returns a new scriptable stream.
func (d *CaptureDevice) Open(_ context.Context, cfg audio.StreamConfig) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &CaptureStream{frames: make(chan audio.Frame, 64)}
	d.streams = append(d.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *CaptureDevice) LastStream() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// CaptureStream is the stream returned by [CaptureDevice.Open].
type CaptureStream struct {
	frames chan audio.Frame

	mu     sync.Mutex
	closed bool
}

// Push delivers a frame to the stream's consumer. No-op after Close.
func (s *CaptureStream) Push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- f
}

// Frames returns the frame channel.
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Close closes the frame channel. Idempotent.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OutputDevice is a scriptable output graph that records every opened stream.
type OutputDevice struct {
	// OpenErr, when non-nil, is returned from every Open call.
	OpenErr error

	mu        sync.Mutex
	OpenCalls []audio.StreamConfig
	streams   []*OutputStream
}

// Open records the call and returns a new recording stream.
func (d *OutputDevice) Open(cfg audio.StreamConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{}
	d.streams = append(d.streams, s)
	return s, nil
}

// OpenCount returns how many times Open was called.
func (d *OutputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (d *OutputDevice) LastStream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OutputStream records every write and gain change. Writes return instantly,
// which makes playback-engine tests deterministic: scheduling completes as
// fast as the dispatch goroutine can run.
type OutputStream struct {
	mu      sync.Mutex
	writes  [][]byte
	gain    float64
	flushes int
	closed  bool

	// WriteErr, when non-nil, is returned from every Write call.
	WriteErr error

	// BlockWrites, when non-nil, makes Write wait until the channel is
	// signalled or closed. Used to test interruption mid-buffer.
	BlockWrites chan struct{}
}

// Write records pcm. Blocks on BlockWrites when configured.
func (s *OutputStream) Write(pcm []byte) error {
	if s.BlockWrites != nil {
		<-s.BlockWrites
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.writes = append(s.writes, buf)
	return nil
}

// SetGain records the most recent gain value.
func (s *OutputStream) SetGain(gain float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = gain
}

// Gain returns the most recently set gain.
func (s *OutputStream) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// Flush counts the call.
func (s *OutputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Flushes returns how many times Flush was called.
func (s *OutputStream) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Close marks the stream closed. Idempotent.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns a copy of all recorded writes.
func (s *OutputStream) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// WrittenBytes returns the total byte count across all writes.
func (s *OutputStream) WrittenBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		n += len(w)
	}
	return n
}
