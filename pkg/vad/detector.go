package vad

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Detector drives a VAD [Engine] over a live capture stream and turns its
// per-frame events into callbacks.
//
// The detector owns one analysis goroutine between Attach and Detach. Speech
// boundary callbacks fire exactly once per transition; the energy callback
// fires on every frame regardless of the speech decision, which is what live
// level meters feed on.
//
// All exported methods are safe for concurrent use. Callbacks are invoked
// from the analysis goroutine and must not block.
type Detector struct {
	engine Engine
	log    *slog.Logger

	mu       sync.Mutex
	cfg      Config
	session  Session
	stream   audio.CaptureStream
	done     chan struct{}
	speaking bool
	energy   float64

	onSpeechStart []func()
	onSpeechEnd   []func()
	onEnergy      func(float64)
	onFrame       func(audio.Frame, Event)
}

// NewDetector creates a Detector backed by engine. Attach starts analysis.
func NewDetector(engine Engine, cfg Config, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{engine: engine, cfg: cfg, log: log}
}

// OnSpeechStart registers a callback fired when a speech segment begins.
// Callbacks accumulate and fire in registration order.
func (d *Detector) OnSpeechStart(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSpeechStart = append(d.onSpeechStart, fn)
}

// OnSpeechEnd registers a callback fired when a speech segment ends.
// Callbacks accumulate and fire in registration order.
func (d *Detector) OnSpeechEnd(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSpeechEnd = append(d.onSpeechEnd, fn)
}

// OnEnergy registers the per-frame energy callback.
func (d *Detector) OnEnergy(fn func(float64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEnergy = fn
}

// OnFrame registers a callback receiving every analysed frame together with
// its classification. This is how the detector gates downstream consumers:
// the attached stream has a single reader, so anything that needs mic audio
// subscribes here instead of competing for the channel.
func (d *Detector) OnFrame(fn func(audio.Frame, Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFrame = fn
}

// IsSpeaking reports whether a speech segment is currently active.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Energy returns the most recent normalized frame energy.
func (d *Detector) Energy() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.energy
}

// Attach starts analysing frames from stream. The detector takes ownership of
// the stream and closes it on Detach. Returns an error if already attached or
// if the engine rejects the configuration.
func (d *Detector) Attach(stream audio.CaptureStream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return fmt.Errorf("vad: detector already attached")
	}
	session, err := d.engine.NewSession(d.cfg)
	if err != nil {
		return fmt.Errorf("vad: create session: %w", err)
	}

	d.session = session
	d.stream = stream
	d.done = make(chan struct{})
	d.speaking = false
	go d.analyze(stream, d.done)
	return nil
}

// Detach stops the analysis loop and closes the attached stream, releasing
// the audio graph. Idempotent.
func (d *Detector) Detach() {
	d.mu.Lock()
	if d.stream == nil {
		d.mu.Unlock()
		return
	}
	stream := d.stream
	session := d.session
	done := d.done
	d.stream = nil
	d.session = nil
	d.speaking = false
	d.mu.Unlock()

	close(done)
	if err := stream.Close(); err != nil {
		d.log.Warn("closing capture stream", "error", err)
	}
	if err := session.Close(); err != nil {
		d.log.Warn("closing vad session", "error", err)
	}
}

// UpdateConfig hot-swaps tuning parameters without detaching. Detection state
// carries over, so a retune mid-utterance does not re-fire speech start.
func (d *Detector) UpdateConfig(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.EnergyThreshold != nil {
		d.cfg.EnergyThreshold = *u.EnergyThreshold
	}
	if u.MinSpeechDuration != nil {
		d.cfg.MinSpeechDuration = *u.MinSpeechDuration
	}
	if u.MaxSilenceDuration != nil {
		d.cfg.MaxSilenceDuration = *u.MaxSilenceDuration
	}
	if d.session != nil {
		d.session.UpdateConfig(u)
	}
}

// analyze is the per-attachment goroutine: it pulls frames off the stream,
// runs them through the session, and dispatches callbacks until the stream
// closes or Detach fires.
func (d *Detector) analyze(stream audio.CaptureStream, done chan struct{}) {
	for {
		select {
		case <-done:
			go audio.Drain(stream.Frames())
			return
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			d.processFrame(frame)
		}
	}
}

func (d *Detector) processFrame(frame audio.Frame) {
	d.mu.Lock()
	session := d.session
	if session == nil {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ev, err := session.ProcessFrame(frame.Data)
	if err != nil {
		d.log.Warn("vad frame rejected", "error", err)
		return
	}

	d.mu.Lock()
	d.energy = ev.Energy
	var fire []func()
	switch ev.Type {
	case SpeechStart:
		d.speaking = true
		fire = d.onSpeechStart
	case SpeechEnd:
		d.speaking = false
		fire = d.onSpeechEnd
	}
	onEnergy := d.onEnergy
	onFrame := d.onFrame
	d.mu.Unlock()

	if onEnergy != nil {
		onEnergy(ev.Energy)
	}
	if onFrame != nil {
		onFrame(frame, ev)
	}
	for _, fn := range fire {
		fn()
	}
}
