// Package audio defines the frame types and device interfaces shared by the
// Cadenza voice pipeline.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — acquires the microphone and yields a stream of PCM frames.
//   - [OutputDevice] — the device audio-output graph that renders PCM buffers.
//
// Implementations are provided by backend packages (e.g., audio/portaudio for
// real hardware, audio/mock for tests). The microphone and the output graph
// are exclusive resources: callers must arbitrate access through a single
// owner rather than opening a device from several components at once.
package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for device acquisition. Permission denial is kept distinct
// from device unavailability because the two require different user remedies.
var (
	// ErrPermissionDenied indicates the user or OS refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable indicates no usable device exists or the device is
	// held by another process.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Frame represents a single frame of PCM audio flowing through the pipeline.
// Frames are the atomic unit of transport — captured from the microphone,
// analysed by the VAD, and streamed over the duplex channel.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for synthesis).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock duration of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// StreamConfig describes the format requested when opening a device stream.
type StreamConfig struct {
	// SampleRate in Hz. Must be > 0.
	SampleRate int

	// Channels is the channel count (1 = mono, 2 = stereo). Must be > 0.
	Channels int

	// FrameSizeMs is the duration of each delivered frame in milliseconds.
	// Zero selects the backend's default (typically 20 ms).
	FrameSizeMs int
}

// CaptureStream is an open microphone stream.
//
// A CaptureStream should not be shared between goroutines; the single reader
// owns it until Close.
type CaptureStream interface {
	// Frames returns the channel on which captured frames arrive. The channel
	// is closed when the stream ends or Close is called.
	Frames() <-chan Frame

	// Close releases the microphone. Idempotent; returns nil on repeat calls.
	Close() error
}

// CaptureDevice acquires the microphone.
//
// Implementations must surface permission denial as [ErrPermissionDenied] and
// a missing or busy device as [ErrDeviceUnavailable] so callers can react
// distinctly to each.
type CaptureDevice interface {
	// Open acquires the microphone and starts delivering frames in the
	// requested format. The supplied ctx governs the acquisition attempt only;
	// once open, the stream lives until [CaptureStream.Close].
	Open(ctx context.Context, cfg StreamConfig) (CaptureStream, error)
}

// OutputStream is an open rendering stream on the device audio-output graph.
//
// Write is the scheduling primitive: buffers written back-to-back render
// gaplessly. Implementations must make Write block only for roughly the
// duration of the device tick, so that a caller interleaving cancellation
// checks between writes can halt output within one tick.
type OutputStream interface {
	// Write schedules pcm (little-endian int16, in the stream's format) for
	// playback after all previously written data.
	Write(pcm []byte) error

	// SetGain sets the output gain. The value is expected to already be
	// clamped to [0, 1] by the caller; implementations apply it to current and
	// subsequent buffers.
	SetGain(gain float64)

	// Flush discards any device-side buffered audio that has not yet sounded.
	Flush() error

	// Close stops rendering and releases the stream. Idempotent.
	Close() error
}

// OutputDevice is the entry point to the device audio-output graph.
type OutputDevice interface {
	// Open prepares a rendering stream in the given format. Opening ahead of
	// first use warms the graph up and avoids first-buffer latency.
	Open(cfg StreamConfig) (OutputStream, error)
}

// Drain reads from ch until it is closed, discarding all values. Use this to
// prevent goroutine leaks when abandoning a streaming channel mid-flight.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
