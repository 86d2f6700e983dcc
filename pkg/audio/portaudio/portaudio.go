// Package portaudio provides the hardware-backed [audio.CaptureDevice] and
// [audio.OutputDevice] implementations, built on PortAudio's blocking API.
//
// PortAudio requires global initialization before any stream is opened. The
// package refcounts that state per open stream, so callers never touch
// Initialize/Terminate themselves and mixed-lifetime capture and output
// streams coexist safely.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

const defaultFrameSizeMs = 20

var (
	initMu    sync.Mutex
	initCount int
)

func acquireHost() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("%w: initialize: %v", audio.ErrDeviceUnavailable, err)
		}
	}
	initCount++
	return nil
}

func releaseHost() {
	initMu.Lock()
	defer initMu.Unlock()
	initCount--
	if initCount == 0 {
		pa.Terminate()
	}
}

// classify maps a PortAudio open failure onto the package sentinels. The C
// library reports permission problems and missing devices as plain error
// strings, so matching on the text is the only handle we get.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no default") || strings.Contains(msg, "no device") ||
		strings.Contains(msg, "device unavailable") || strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("portaudio: %w", err)
	}
}

func validate(cfg *audio.StreamConfig) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("portaudio: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return fmt.Errorf("portaudio: channel count must be positive, got %d", cfg.Channels)
	}
	if cfg.FrameSizeMs <= 0 {
		cfg.FrameSizeMs = defaultFrameSizeMs
	}
	return nil
}

// CaptureDevice opens the default system microphone.
type CaptureDevice struct {
	log *slog.Logger
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// NewCaptureDevice creates a capture device. A nil logger falls back to
// [slog.Default].
func NewCaptureDevice(log *slog.Logger) *CaptureDevice {
	if log == nil {
		log = slog.Default()
	}
	return &CaptureDevice{log: log}
}

// Open acquires the default input device and starts delivering frames of
// cfg.FrameSizeMs each. The stream lives until [audio.CaptureStream.Close].
func (d *CaptureDevice) Open(ctx context.Context, cfg audio.StreamConfig) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("portaudio: open capture: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := acquireHost(); err != nil {
		return nil, err
	}

	framesPerBuffer := cfg.SampleRate * cfg.FrameSizeMs / 1000
	buf := make([]int16, framesPerBuffer*cfg.Channels)

	stream, err := pa.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), framesPerBuffer, buf)
	if err != nil {
		releaseHost()
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releaseHost()
		return nil, classify(err)
	}

	s := &captureStream{
		cfg:    cfg,
		stream: stream,
		buf:    buf,
		frames: make(chan audio.Frame, 8),
		done:   make(chan struct{}),
		log:    d.log,
	}
	go s.run()
	return s, nil
}

type captureStream struct {
	cfg    audio.StreamConfig
	stream *pa.Stream
	buf    []int16
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func (s *captureStream) Frames() <-chan audio.Frame { return s.frames }

// Close stops delivery. The read loop owns the underlying stream, so teardown
// happens there within one frame period.
func (s *captureStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// run reads hardware buffers and converts them to frames until Close fires
// or the device fails. It owns the PortAudio stream end to end: teardown in
// the same goroutine means Close never races a blocking Read.
func (s *captureStream) run() {
	defer func() {
		s.stream.Stop()
		s.stream.Close()
		releaseHost()
		close(s.frames)
	}()

	start := time.Now()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
				// A read error during teardown is expected noise.
			default:
				s.log.Warn("capture read failed", "error", err)
			}
			return
		}

		frame := audio.Frame{
			Data:       audio.Int16ToBytes(s.buf),
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// OutputDevice opens rendering streams on the default system output.
type OutputDevice struct {
	log *slog.Logger
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// NewOutputDevice creates an output device. A nil logger falls back to
// [slog.Default].
func NewOutputDevice(log *slog.Logger) *OutputDevice {
	if log == nil {
		log = slog.Default()
	}
	return &OutputDevice{log: log}
}

// Open prepares a rendering stream. Writes block for roughly one device tick
// (cfg.FrameSizeMs), which keeps cancellation between writes responsive.
func (d *OutputDevice) Open(cfg audio.StreamConfig) (audio.OutputStream, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := acquireHost(); err != nil {
		return nil, err
	}

	framesPerBuffer := cfg.SampleRate * cfg.FrameSizeMs / 1000
	buf := make([]int16, framesPerBuffer*cfg.Channels)

	stream, err := pa.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), framesPerBuffer, buf)
	if err != nil {
		releaseHost()
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releaseHost()
		return nil, classify(err)
	}

	return &outputStream{
		stream: stream,
		buf:    buf,
		gain:   1.0,
		log:    d.log,
	}, nil
}

type outputStream struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	gain   float64
	closed bool
	log    *slog.Logger
}

// Write schedules pcm for playback, one device buffer at a time. A short
// final buffer is zero-padded; PortAudio's blocking write paces each call to
// the buffer duration.
func (s *outputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("portaudio: write on closed stream")
	}

	samples := audio.BytesToInt16(pcm)
	for off := 0; off < len(samples); off += len(s.buf) {
		n := copy(s.buf, samples[off:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if s.gain != 1.0 {
			for i := 0; i < n; i++ {
				s.buf[i] = int16(float64(s.buf[i]) * s.gain)
			}
		}
		if err := s.stream.Write(); err != nil {
			return classify(err)
		}
	}
	return nil
}

// SetGain applies gain to subsequent buffers. The caller clamps to [0, 1].
func (s *outputStream) SetGain(gain float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = gain
}

// Flush aborts the device queue, discarding scheduled audio that has not yet
// sounded, then restarts the stream for further writes.
func (s *outputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.stream.Abort(); err != nil {
		return classify(err)
	}
	if err := s.stream.Start(); err != nil {
		return classify(err)
	}
	return nil
}

// Close stops rendering and releases the stream. Idempotent.
func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stream.Stop(); err != nil {
		s.log.Warn("stopping output stream", "error", err)
	}
	err := s.stream.Close()
	releaseHost()
	if err != nil {
		return classify(err)
	}
	return nil
}
