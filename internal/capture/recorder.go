// Package capture makes voice capture resilient to connectivity loss: it
// records microphone audio into the local store while offline and syncs the
// backlog opportunistically once the connection returns.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/codec"
	"github.com/cadenza-voice/cadenza/pkg/recording"
)

// Recorder wraps device audio capture and persists completed clips.
//
// Capture runs in a detached lifecycle from the caller's: device failures
// after StartRecording returns (busy device, revoked permission) surface
// through the OnError callback rather than a return value.
//
// All exported methods are safe for concurrent use.
type Recorder struct {
	device audio.CaptureDevice
	store  recording.Store
	cfg    audio.StreamConfig
	log    *slog.Logger

	mu       sync.Mutex
	stream   audio.CaptureStream
	pcm      []byte
	convID   string
	started  time.Time
	onError  func(error)
	stopOnce *sync.Once
}

// RecorderOption configures a [Recorder] during construction.
type RecorderOption func(*Recorder)

// WithStreamConfig sets the capture format. Defaults to 16 kHz mono with
// 20 ms frames.
func WithStreamConfig(cfg audio.StreamConfig) RecorderOption {
	return func(r *Recorder) { r.cfg = cfg }
}

// WithLogger sets the logger for capture events.
func WithLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = log }
}

// NewRecorder creates a Recorder persisting into store.
func NewRecorder(device audio.CaptureDevice, store recording.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		device: device,
		store:  store,
		cfg:    audio.StreamConfig{SampleRate: 16000, Channels: 1, FrameSizeMs: 20},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnError registers the callback for capture errors that occur after
// StartRecording has returned. Replaces any previous registration.
func (r *Recorder) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// IsRecording reports whether a capture is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Duration returns how much audio the in-progress recording has buffered.
// Zero when nothing is recording.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.PCMDuration(len(r.pcm), r.cfg.SampleRate, r.cfg.Channels)
}

// StartRecording acquires the microphone and starts buffering frames for
// conversationID. Returns an error if a recording is already in progress or
// the device cannot be opened; [audio.ErrPermissionDenied] and
// [audio.ErrDeviceUnavailable] pass through unwrapped for callers that react
// to them distinctly.
func (r *Recorder) StartRecording(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream != nil {
		return fmt.Errorf("capture: recording already in progress")
	}

	stream, err := r.device.Open(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	r.stream = stream
	r.pcm = nil
	r.convID = conversationID
	r.started = time.Now()
	r.stopOnce = &sync.Once{}

	go r.consume(stream)
	r.log.Info("recording started", "conversation_id", conversationID)
	return nil
}

// StopRecording ends the capture, persists the clip as a WAV recording with
// status pending, and returns it. Returns (nil, nil) when nothing was being
// recorded.
func (r *Recorder) StopRecording(ctx context.Context) (*recording.Recording, error) {
	r.mu.Lock()
	if r.stream == nil {
		r.mu.Unlock()
		return nil, nil
	}
	stream := r.stream
	once := r.stopOnce
	pcm := r.pcm
	convID := r.convID
	started := r.started
	r.stream = nil
	r.pcm = nil
	r.mu.Unlock()

	once.Do(func() {
		if err := stream.Close(); err != nil {
			r.log.Warn("closing capture stream", "error", err)
		}
	})

	// Frames still in flight when Close landed are not worth waiting for.
	blob, err := codec.EncodeWAV(pcm, r.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("capture: encode recording: %w", err)
	}

	rec := recording.Recording{
		ID:             uuid.New(),
		ConversationID: convID,
		Audio:          blob,
		MimeType:       codec.MimeWAV,
		Duration:       audio.PCMDuration(len(pcm), r.cfg.SampleRate, r.cfg.Channels),
		CreatedAt:      started,
		Status:         recording.StatusPending,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("capture: persist recording: %w", err)
	}

	r.log.Info("recording persisted",
		"recording_id", rec.ID,
		"conversation_id", convID,
		"duration", rec.Duration,
		"bytes", len(blob))
	return &rec, nil
}

// CancelRecording stops capture without persisting anything. Always safe to
// call, including when nothing is recording.
func (r *Recorder) CancelRecording() {
	r.mu.Lock()
	if r.stream == nil {
		r.mu.Unlock()
		return
	}
	stream := r.stream
	once := r.stopOnce
	r.stream = nil
	r.pcm = nil
	r.mu.Unlock()

	once.Do(func() {
		if err := stream.Close(); err != nil {
			r.log.Warn("closing capture stream", "error", err)
		}
	})
	r.log.Info("recording cancelled")
}

// consume is the per-recording goroutine buffering captured frames until the
// stream closes.
func (r *Recorder) consume(stream audio.CaptureStream) {
	for frame := range stream.Frames() {
		r.mu.Lock()
		if r.stream != stream {
			// Stopped or cancelled; drop the remainder.
			r.mu.Unlock()
			audio.Drain(stream.Frames())
			return
		}
		r.pcm = append(r.pcm, frame.Data...)
		r.mu.Unlock()
	}

	// The stream ended on its own: the device went away mid-recording.
	r.mu.Lock()
	ended := r.stream == stream
	handler := r.onError
	if ended {
		r.stream = nil
	}
	r.mu.Unlock()

	if ended {
		r.log.Warn("capture stream ended unexpectedly")
		if handler != nil {
			handler(fmt.Errorf("capture: stream ended: %w", audio.ErrDeviceUnavailable))
		}
	}
}
