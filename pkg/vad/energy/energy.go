// Package energy implements a voice activity detector based on normalized
// RMS energy with time-based hysteresis.
//
// The detector compares each frame's energy against a threshold and requires
// the signal to stay on one side of it for a minimum duration before flipping
// the speech decision. That keeps clicks from starting a segment and
// mid-sentence pauses from ending one.
package energy

import (
	"fmt"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*session)(nil)
)

// Defaults applied by [DefaultConfig]. The threshold is tuned for close-mic
// capture normalized to [0, 1]; far-field setups usually need it lowered.
const (
	DefaultEnergyThreshold    = 0.02
	DefaultMinSpeechDuration  = 200 * time.Millisecond
	DefaultMaxSilenceDuration = 800 * time.Millisecond
)

// DefaultConfig returns a config suitable for 16 kHz close-mic capture.
func DefaultConfig() vad.Config {
	return vad.Config{
		SampleRate:         16000,
		FrameSizeMs:        20,
		EnergyThreshold:    DefaultEnergyThreshold,
		MinSpeechDuration:  DefaultMinSpeechDuration,
		MaxSilenceDuration: DefaultMaxSilenceDuration,
	}
}

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// NewSession validates cfg and returns a session. Sessions are safe for
// concurrent use, so a live retune can race the frame loop without corruption.
func (Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.EnergyThreshold < 0 || cfg.EnergyThreshold > 1 {
		return nil, fmt.Errorf("energy: threshold %v out of range [0, 1]", cfg.EnergyThreshold)
	}
	if cfg.MinSpeechDuration < 0 || cfg.MaxSilenceDuration < 0 {
		return nil, fmt.Errorf("energy: negative hysteresis duration")
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		frameDur:   time.Duration(cfg.FrameSizeMs) * time.Millisecond,
	}, nil
}

// session holds the hysteresis state machine for one audio stream.
type session struct {
	frameBytes int
	frameDur   time.Duration

	mu         sync.Mutex
	cfg        vad.Config
	speaking   bool
	speechRun  time.Duration // consecutive above-threshold time while silent
	silenceRun time.Duration // consecutive below-threshold time while speaking
	closed     bool
}

// ProcessFrame classifies one frame. Speech starts once energy has been above
// the threshold for MinSpeechDuration in a row; it ends once energy has been
// below it for MaxSilenceDuration in a row. Boundary events are emitted
// exactly once per transition.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	energy := audio.RMS16(frame)
	above := energy >= s.cfg.EnergyThreshold
	ev := vad.Event{Energy: energy}

	if s.speaking {
		if above {
			s.silenceRun = 0
			ev.Type = vad.SpeechContinue
			return ev, nil
		}
		s.silenceRun += s.frameDur
		if s.silenceRun >= s.cfg.MaxSilenceDuration {
			s.speaking = false
			s.silenceRun = 0
			ev.Type = vad.SpeechEnd
			return ev, nil
		}
		// Pause shorter than the hysteresis window is still speech.
		ev.Type = vad.SpeechContinue
		return ev, nil
	}

	if !above {
		s.speechRun = 0
		ev.Type = vad.Silence
		return ev, nil
	}
	s.speechRun += s.frameDur
	if s.speechRun >= s.cfg.MinSpeechDuration {
		s.speaking = true
		s.speechRun = 0
		ev.Type = vad.SpeechStart
		return ev, nil
	}
	// Above threshold but not sustained long enough yet.
	ev.Type = vad.Silence
	return ev, nil
}

// UpdateConfig applies a partial retune. Hysteresis counters and the speaking
// flag survive, so retuning mid-utterance never re-fires a boundary event.
func (s *session) UpdateConfig(u vad.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.EnergyThreshold != nil {
		s.cfg.EnergyThreshold = *u.EnergyThreshold
	}
	if u.MinSpeechDuration != nil {
		s.cfg.MinSpeechDuration = *u.MinSpeechDuration
	}
	if u.MaxSilenceDuration != nil {
		s.cfg.MaxSilenceDuration = *u.MaxSilenceDuration
	}
}

// Reset clears hysteresis state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
