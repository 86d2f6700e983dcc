// Package playback renders an append-only stream of encoded audio fragments
// as continuous output on the device audio graph, while staying instantly
// interruptible.
//
// The engine is the receiving end of assistant speech: fragments arrive
// base64-encoded over the duplex channel, get decoded and resampled, and are
// scheduled back-to-back with no gap. Stop halts output within one device
// tick, which is what makes barge-in feel immediate.
package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/codec"
)

// State is the engine's playback state.
type State string

const (
	// StateIdle means no utterance is in flight.
	StateIdle State = "idle"

	// StateBuffering means the first fragment arrived but nothing has been
	// scheduled on the output graph yet.
	StateBuffering State = "buffering"

	// StatePlaying means buffers are being scheduled. The state persists
	// through queue underruns mid-utterance.
	StatePlaying State = "playing"

	// StateStopped means the utterance was cut off by an explicit Stop,
	// as opposed to finishing naturally (which returns to StateIdle).
	StateStopped State = "stopped"
)

// Metrics is a snapshot of the engine's latency and throughput counters.
type Metrics struct {
	// TimeToFirstAudio is the delay between the first fragment of the most
	// recent utterance being queued and its first buffer being scheduled.
	// Zero until the first utterance starts sounding.
	TimeToFirstAudio time.Duration

	// PlayedDuration is the total duration of audio scheduled since the last
	// Reset.
	PlayedDuration time.Duration

	// ChunksPlayed counts fragments fully scheduled on the output graph.
	ChunksPlayed int

	// ChunksDropped counts fragments discarded due to decode failure or Stop.
	ChunksDropped int

	// Underruns counts the times the queue ran dry mid-utterance.
	Underruns int
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithFormat sets the MIME type assumed for queued fragments.
// Defaults to audio/pcm.
func WithFormat(mime string) Option {
	return func(e *Engine) {
		e.mime = mime
	}
}

// WithStreamConfig sets the output stream format. Defaults to 24 kHz mono
// with 20 ms ticks.
func WithStreamConfig(cfg audio.StreamConfig) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger used for non-fatal playback events.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// chunk is one decoded fragment waiting in the FIFO play queue.
type chunk struct {
	pcm      []byte
	duration time.Duration
	enqueued time.Time
}

// Engine schedules decoded fragments on an [audio.OutputDevice].
//
// All exported methods are safe for concurrent use. The engine owns a
// background dispatch goroutine from New until Close.
type Engine struct {
	device audio.OutputDevice
	cfg    audio.StreamConfig
	mime   string
	log    *slog.Logger

	mu            sync.Mutex
	dec           *codec.Decoder
	state         State
	queue         []chunk
	stream        audio.OutputStream
	cancelPlaying chan struct{} // closed by Stop to interrupt the current utterance
	endOfStream   bool
	volume        float64
	metrics       Metrics
	ttfaStart     time.Time
	onState       func(old, new State)
	onError       func(error)

	notify chan struct{} // signalled when a chunk is queued or EndStream fires
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// New creates an Engine rendering to device. The engine starts its dispatch
// goroutine immediately; call [Engine.Close] to stop it.
func New(device audio.OutputDevice, opts ...Option) *Engine {
	e := &Engine{
		device: device,
		cfg:    audio.StreamConfig{SampleRate: 24000, Channels: 1, FrameSizeMs: 20},
		mime:   codec.MimePCM,
		log:    slog.Default(),
		dec:    codec.NewDecoder(),
		state:  StateIdle,
		volume: 1,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.dec.PCMSampleRate = e.cfg.SampleRate
	go e.dispatch()
	return e
}

// OnStateChange registers handler for state transitions. Only one handler may
// be active at a time; subsequent calls replace the previous registration.
// The handler is invoked without internal locks held and must not call back
// into the engine synchronously from Stop-critical paths.
func (e *Engine) OnStateChange(handler func(old, new State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = handler
}

// OnError registers handler for non-fatal playback errors (decode failures,
// device write errors). Replaces any previous registration.
func (e *Engine) OnError(handler func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = handler
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Volume returns the current output volume in [0, 1].
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// QueueChunk decodes a base64 fragment and appends it to the play queue.
//
// The first chunk of an utterance moves the engine to [StateBuffering] and
// starts the time-to-first-audio timer. A decode failure drops only the
// failed fragment: it is counted, reported through the OnError handler, and
// the rest of the queue plays on.
func (e *Engine) QueueChunk(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		e.dropChunk(fmt.Errorf("playback: base64 decode: %w", err))
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	buf, err := e.dec.Decode(raw, e.mime)
	if err != nil {
		e.metrics.ChunksDropped++
		handler := e.onError
		e.mu.Unlock()
		e.log.Warn("dropping undecodable audio fragment", "error", err)
		if handler != nil {
			handler(err)
		}
		return
	}

	pcm := audio.ResampleMono16(buf.PCM, buf.SampleRate, e.cfg.SampleRate)
	c := chunk{
		pcm:      pcm,
		duration: audio.PCMDuration(len(pcm), e.cfg.SampleRate, 1),
		enqueued: time.Now(),
	}

	var fire func()
	if e.state == StateIdle || e.state == StateStopped {
		// New utterance.
		e.endOfStream = false
		e.ttfaStart = c.enqueued
		fire = e.setStateLocked(StateBuffering)
	}
	e.queue = append(e.queue, c)
	e.wakeLocked()
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// EndStream marks that no further chunks are expected for the current
// utterance. Once the queue drains the engine returns to [StateIdle].
func (e *Engine) EndStream() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.endOfStream = true
	e.wakeLocked()
	e.mu.Unlock()
}

// Stop immediately halts output, discards all queued buffers, and moves to
// [StateStopped]. It completes within one device tick and never touches the
// network, which is what barge-in relies on.
func (e *Engine) Stop() {
	e.mu.Lock()
	fire := e.stopLocked()
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Reset is Stop plus clearing all metrics back to initial values. The engine
// returns to [StateIdle], ready for a fresh utterance.
func (e *Engine) Reset() {
	e.mu.Lock()
	fireStop := e.stopLocked()
	e.metrics = Metrics{}
	fireIdle := e.setStateLocked(StateIdle)
	e.mu.Unlock()

	if fireStop != nil {
		fireStop()
	}
	if fireIdle != nil {
		fireIdle()
	}
}

// SetVolume sets the output volume, clamping to [0, 1]. The value applies to
// the current buffer and all subsequent ones.
func (e *Engine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}

	e.mu.Lock()
	e.volume = v
	stream := e.stream
	e.mu.Unlock()

	if stream != nil {
		stream.SetGain(v)
	}
}

// Warmup pre-opens the output stream so the first real utterance does not pay
// graph initialization latency. Safe to call redundantly.
func (e *Engine) Warmup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_, err := e.streamLocked()
	return err
}

// Close stops the dispatch goroutine, discards queued buffers, and releases
// the output stream. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancelPlaying != nil {
		close(e.cancelPlaying)
		e.cancelPlaying = nil
	}
	e.queue = nil
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()

	close(e.done)
	if stream != nil {
		return stream.Close()
	}
	return nil
}

// stopLocked cancels the current utterance and clears the queue. Must be
// called with e.mu held. Returns the deferred state-change notification.
func (e *Engine) stopLocked() func() {
	if e.cancelPlaying != nil {
		close(e.cancelPlaying)
		e.cancelPlaying = nil
	}
	e.metrics.ChunksDropped += len(e.queue)
	e.queue = nil
	e.endOfStream = false

	var fire func()
	if e.state != StateIdle {
		fire = e.setStateLocked(StateStopped)
	}

	// Discard device-side audio that has not sounded yet.
	if e.stream != nil {
		if err := e.stream.Flush(); err != nil {
			e.log.Warn("flushing output stream", "error", err)
		}
	}
	return fire
}

// setStateLocked transitions to next and returns a closure that invokes the
// registered handler, to be called after e.mu is released. Returns nil when
// the state is unchanged or no handler is registered.
func (e *Engine) setStateLocked(next State) func() {
	if e.state == next {
		return nil
	}
	prev := e.state
	e.state = next
	handler := e.onState
	if handler == nil {
		return nil
	}
	return func() { handler(prev, next) }
}

// streamLocked returns the open output stream, opening it on first use.
// Must be called with e.mu held.
func (e *Engine) streamLocked() (audio.OutputStream, error) {
	if e.stream != nil {
		return e.stream, nil
	}
	s, err := e.device.Open(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("playback: open output stream: %w", err)
	}
	s.SetGain(e.volume)
	e.stream = s
	return s, nil
}

// wakeLocked signals the dispatch goroutine. Must be called with e.mu held.
func (e *Engine) wakeLocked() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) dropChunk(err error) {
	e.mu.Lock()
	e.metrics.ChunksDropped++
	handler := e.onError
	e.mu.Unlock()

	e.log.Warn("dropping undecodable audio fragment", "error", err)
	if handler != nil {
		handler(err)
	}
}

// tickBytes returns the byte length of one device tick at the output format.
func (e *Engine) tickBytes() int {
	ms := e.cfg.FrameSizeMs
	if ms <= 0 {
		ms = 20
	}
	n := e.cfg.SampleRate * 2 * e.cfg.Channels * ms / 1000
	if n < 2 {
		n = 2
	}
	return n
}

// dispatch is the background goroutine that pulls chunks off the queue and
// schedules them on the output graph, back-to-back with no gap. It runs until
// Close.
func (e *Engine) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}

		for {
			c, cancel, fire, ok := e.dequeue()
			if fire != nil {
				fire()
			}
			if !ok {
				break
			}
			completed := e.play(c, cancel)

			e.mu.Lock()
			if e.cancelPlaying == cancel {
				e.cancelPlaying = nil
			}
			if completed {
				e.metrics.ChunksPlayed++
				e.metrics.PlayedDuration += c.duration
			}
			e.mu.Unlock()
		}
	}
}

// dequeue pops the next chunk in FIFO order. When the queue is empty it also
// resolves the utterance boundary: drain-after-EndStream returns to idle, and
// an empty queue mid-utterance counts as an underrun (state stays playing).
// The returned fire closure delivers any state-change notification.
func (e *Engine) dequeue() (c chunk, cancel chan struct{}, fire func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		switch {
		case e.state == StatePlaying && e.endOfStream:
			// Natural end of utterance.
			e.endOfStream = false
			fire = e.setStateLocked(StateIdle)
		case e.state == StatePlaying:
			e.metrics.Underruns++
		}
		return chunk{}, nil, fire, false
	}

	c = e.queue[0]
	e.queue = e.queue[1:]

	if e.state == StateBuffering {
		// First buffer of the utterance reaches the output graph.
		e.metrics.TimeToFirstAudio = time.Since(e.ttfaStart)
		fire = e.setStateLocked(StatePlaying)
	}

	cancel = make(chan struct{})
	e.cancelPlaying = cancel
	return c, cancel, fire, true
}

// play schedules c on the output graph one device tick at a time, checking
// for interruption between ticks. Returns false if the chunk was cut short.
func (e *Engine) play(c chunk, cancel chan struct{}) bool {
	e.mu.Lock()
	stream, err := e.streamLocked()
	handler := e.onError
	e.mu.Unlock()
	if err != nil {
		e.log.Error("output stream unavailable", "error", err)
		if handler != nil {
			handler(err)
		}
		return false
	}

	step := e.tickBytes()
	for off := 0; off < len(c.pcm); off += step {
		select {
		case <-e.done:
			return false
		case <-cancel:
			return false
		default:
		}

		end := off + step
		if end > len(c.pcm) {
			end = len(c.pcm)
		}
		if err := stream.Write(c.pcm[off:end]); err != nil {
			e.log.Error("scheduling audio buffer", "error", err)
			if handler != nil {
				handler(fmt.Errorf("playback: write: %w", err))
			}
			return false
		}
	}
	return true
}
