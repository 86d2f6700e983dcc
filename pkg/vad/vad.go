// Package vad defines the Engine interface for voice activity detection
// backends and the Detector that drives one over a live capture stream.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (energy history, hysteresis counters) so that multiple concurrent audio
// streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// gate what gets sent upstream and trigger playback interruption.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// EnergyThreshold is the normalized RMS energy above which a frame is
	// classified as speech. Range: [0.0, 1.0]. Higher values reduce false
	// positives at the cost of increased speech start latency. Typical: 0.02.
	EnergyThreshold float64

	// MinSpeechDuration is how long energy must stay above the threshold
	// before a speech segment starts. Guards against clicks and pops.
	MinSpeechDuration time.Duration

	// MaxSilenceDuration is how long energy must stay below the threshold
	// before an active speech segment is considered ended. Guards against
	// natural mid-sentence pauses cutting an utterance in two.
	MaxSilenceDuration time.Duration
}

// Update is a partial configuration change applied to a live session. Nil
// fields are left untouched, so callers can retune one knob at a time.
type Update struct {
	EnergyThreshold    *float64
	MinSpeechDuration  *time.Duration
	MaxSilenceDuration *time.Duration
}

// Event represents a voice activity detection result for a single audio frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Energy is the normalized RMS energy of the frame (0.0–1.0).
	Energy float64
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// Session represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a
// live engine. Each session maintains its own detection state; Reset clears
// this state without closing the session.
//
// A Session should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type Session interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error
	// if the frame size is wrong or the engine hits an internal failure.
	//
	// This method is called synchronously in the audio pipeline loop; it must
	// not block.
	ProcessFrame(frame []byte) (Event, error)

	// UpdateConfig applies a partial retune without losing detection state.
	// Mid-utterance hysteresis counters survive the change.
	UpdateConfig(u Update)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame and Reset must return errors or be no-ops. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid or the engine cannot
	// allocate resources for the session.
	NewSession(cfg Config) (Session, error)
}
