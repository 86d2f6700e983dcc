// Package session implements the voice session manager: the state machine
// that owns the duplex transport, feeds captured speech upstream, routes
// synthesized audio into playback, and supervises reconnection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/playback"
	"github.com/cadenza-voice/cadenza/pkg/auth"
	"github.com/cadenza-voice/cadenza/pkg/realtime"
	"github.com/cadenza-voice/cadenza/pkg/vad"
)

// Default connection supervision parameters.
const (
	defaultReadyTimeout  = 10 * time.Second
	defaultMaxReconnects = 10
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 30 * time.Second
)

// Transport is the duplex connection surface the manager drives. Satisfied
// by [*realtime.Conn]; tests substitute scripted implementations.
type Transport interface {
	Events() <-chan realtime.ServerEvent
	Err() error
	CreateSession(prefs realtime.SessionPrefs) error
	AppendAudio(pcm []byte) error
	CommitAudio() error
	Interrupt() error
	SendMessage(text string) error
	SendToolResult(callID, output string) error
	Close() error
}

// DialFunc opens a Transport. The default wraps [realtime.Dial].
type DialFunc func(ctx context.Context, endpoint string, cred auth.Credential) (Transport, error)

// Player is the playback surface the manager feeds. Satisfied by
// [*playback.Engine].
type Player interface {
	QueueChunk(b64 string)
	EndStream()
	Stop()
	State() playback.State
}

// Config holds the session manager's connection parameters.
type Config struct {
	// Endpoint is the duplex channel WebSocket URL.
	Endpoint string

	// ConversationID names the conversation to create or resume.
	ConversationID string

	// Voice, Language, and VADSensitivity are handshake preferences. Nil
	// means unset: the server owns defaulting policy, so the client never
	// substitutes its own values.
	Voice          *string
	Language       *string
	VADSensitivity *float64

	// Capture is the microphone format. Zero selects 16 kHz mono, 20 ms.
	Capture audio.StreamConfig

	// ReadyTimeout bounds the wait for the server's session.ready
	// confirmation. Defaults to 10s if zero.
	ReadyTimeout time.Duration

	// MaxReconnects caps automatic reconnection attempts per drop.
	// Defaults to 10 if zero.
	MaxReconnects int

	// Backoff is the initial reconnection backoff, doubling per attempt up
	// to MaxBackoff. Defaults to 1s and 30s if zero.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Capture.SampleRate == 0 {
		c.Capture = audio.StreamConfig{SampleRate: 16000, Channels: 1, FrameSizeMs: 20}
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
}

// Option configures a [Manager] during construction.
type Option func(*Manager)

// WithDialFunc overrides how the manager opens transports. Used by tests.
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager owns one logical conversation's live connection.
//
// At most one transport is active at a time. Connect is idempotent while a
// connection attempt or session is in flight; Disconnect is the only path
// that permanently suppresses reconnection. All exported methods are safe
// for concurrent use.
type Manager struct {
	cfg      Config
	creds    auth.Provider
	mic      audio.CaptureDevice
	player   Player
	detector *vad.Detector
	dial     DialFunc
	log      *slog.Logger

	mu          sync.Mutex
	status      Status
	sessionID   string
	lastErr     error
	conn        Transport
	metrics     Metrics
	transcripts []TranscriptEntry

	// gen is bumped by every Connect and Disconnect; goroutines belonging
	// to an older generation observe the mismatch and stand down.
	gen         int
	micAttached bool

	// Latency anchors.
	lastCommit     time.Time
	awaitingAudio  bool
	sawTranscript  bool

	onStatus     func(old, new Status)
	onToolCall   func(name, arguments string) (string, error)
	onError      func(error)
	onTranscript func(TranscriptEntry)
}

// New creates a Manager. The detector's callbacks are owned by the manager
// from here on: speech boundaries drive barge-in and input commits, and
// analysed frames feed the outbound audio pump.
func New(cfg Config, creds auth.Provider, mic audio.CaptureDevice, player Player, detector *vad.Detector, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		creds:    creds,
		mic:      mic,
		player:   player,
		detector: detector,
		log:      slog.Default(),
		status:   StatusDisconnected,
	}
	m.dial = func(ctx context.Context, endpoint string, cred auth.Credential) (Transport, error) {
		return realtime.Dial(ctx, endpoint, cred)
	}
	for _, o := range opts {
		o(m)
	}

	detector.OnSpeechStart(m.handleSpeechStart)
	detector.OnSpeechEnd(m.handleSpeechEnd)
	detector.OnFrame(m.handleFrame)
	return m
}

// OnStatusChange registers handler for state transitions. Replaces any
// previous registration.
func (m *Manager) OnStatusChange(handler func(old, new Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = handler
}

// OnToolCall registers the handler invoked for server tool.call frames. The
// returned output is sent back as the tool result; a returned error is
// reported to the server in the output payload.
func (m *Manager) OnToolCall(handler func(name, arguments string) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolCall = handler
}

// OnError registers the handler for non-fatal server errors and terminal
// connection failures.
func (m *Manager) OnError(handler func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = handler
}

// OnTranscript registers handler for every transcript line as it arrives.
// Replaces any previous registration.
func (m *Manager) OnTranscript(handler func(TranscriptEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTranscript = handler
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SessionID returns the server-assigned session identifier, empty until
// ready.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Metrics returns a snapshot of the session metrics surface.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Transcripts returns a copy of the conversation transcript so far.
func (m *Manager) Transcripts() []TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscriptEntry, len(m.transcripts))
	copy(out, m.transcripts)
	return out
}

// LastError returns the most recent terminal error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect acquires a credential, the microphone, and the transport, performs
// the session handshake, and waits for the server's readiness confirmation.
//
// Calling Connect while already connecting, reconnecting, or ready is a
// no-op. Failures are typed: [auth.ErrCredential] and
// [audio.ErrPermissionDenied] are terminal (no reconnection can fix them),
// [realtime.ErrConnection] covers transport faults.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnecting, StatusReady, StatusReconnecting:
		m.mu.Unlock()
		m.log.Debug("connect ignored, session already active", "status", m.status)
		return nil
	}
	m.gen++
	gen := m.gen
	m.metrics = Metrics{SessionStart: time.Now()}
	m.transcripts = nil
	m.sessionID = ""
	m.lastErr = nil
	m.lastCommit = time.Time{}
	m.awaitingAudio = false
	m.sawTranscript = false
	fire := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	fire()

	start := time.Now()

	cred, err := m.creds.Credential(ctx)
	if err != nil {
		err = fmt.Errorf("session: credential: %w", err)
		m.failGen(gen, StatusError, err)
		return err
	}

	if err := m.attachMicrophone(ctx); err != nil {
		status := StatusError
		if errors.Is(err, audio.ErrPermissionDenied) {
			status = StatusMicPermissionDenied
		}
		m.failGen(gen, status, err)
		return err
	}

	conn, sid, err := m.establish(ctx, cred)
	if err != nil {
		m.failGen(gen, StatusError, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect raced the handshake; discard the fresh transport.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.sessionID = sid
	m.metrics.ConnectionTime = time.Since(start)
	fire = m.setStatusLocked(StatusReady)
	m.mu.Unlock()
	fire()

	m.log.Info("session ready",
		"session_id", sid,
		"conversation_id", m.cfg.ConversationID,
		"connection_time", time.Since(start))

	go m.inboundLoop(conn, gen)
	return nil
}

// Disconnect closes the transport, releases the microphone, clears the
// transcript, metrics, and tool-call state, and permanently suppresses
// reconnection for this session. It never blocks on the network.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.sessionID = ""
	m.transcripts = nil
	m.metrics = Metrics{}
	m.lastErr = nil
	m.micAttached = false
	fire := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.player.Stop()
	m.detector.Detach()
	fire()

	m.log.Info("session disconnected")
	return nil
}

// SendMessage submits a typed user utterance. Outside the ready state this
// is a warning-logged no-op rather than an error: sending is best effort.
func (m *Manager) SendMessage(text string) error {
	m.mu.Lock()
	conn := m.conn
	status := m.status
	m.mu.Unlock()

	if !status.CanSend() || conn == nil {
		m.log.Warn("dropping message, session not ready", "status", status)
		return nil
	}
	if err := conn.SendMessage(text); err != nil {
		return fmt.Errorf("session: send message: %w", err)
	}
	return nil
}

// attachMicrophone opens the capture device and hands the stream to the VAD
// detector, once per connected lifetime.
func (m *Manager) attachMicrophone(ctx context.Context) error {
	m.mu.Lock()
	attached := m.micAttached
	m.mu.Unlock()
	if attached {
		return nil
	}

	stream, err := m.mic.Open(ctx, m.cfg.Capture)
	if err != nil {
		return fmt.Errorf("session: open microphone: %w", err)
	}
	if err := m.detector.Attach(stream); err != nil {
		stream.Close()
		return fmt.Errorf("session: attach detector: %w", err)
	}

	m.mu.Lock()
	m.micAttached = true
	m.mu.Unlock()
	return nil
}

// establish dials the transport, sends the session.create handshake, and
// waits for session.ready. Readiness is required before the session counts
// as connected: an open transport alone must not let audio flow.
func (m *Manager) establish(ctx context.Context, cred auth.Credential) (Transport, string, error) {
	conn, err := m.dial(ctx, m.cfg.Endpoint, cred)
	if err != nil {
		return nil, "", fmt.Errorf("session: dial: %w", err)
	}

	if err := conn.CreateSession(realtime.SessionPrefs{
		ConversationID: m.cfg.ConversationID,
		Voice:          m.cfg.Voice,
		Language:       m.cfg.Language,
		Sensitivity:    m.cfg.VADSensitivity,
	}); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("session: handshake: %w", err)
	}

	timer := time.NewTimer(m.cfg.ReadyTimeout)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-conn.Events():
			if !ok {
				err := conn.Err()
				if err == nil {
					err = fmt.Errorf("%w: transport closed during handshake", realtime.ErrConnection)
				}
				conn.Close()
				return nil, "", err
			}
			switch evt.Type {
			case realtime.EventSessionReady:
				return conn, evt.SessionID, nil
			case realtime.EventError:
				conn.Close()
				return nil, "", fmt.Errorf("%w: %s", realtime.ErrConnection, evt.Error.String())
			default:
				// Pre-ready frames carry nothing actionable.
			}
		case <-timer.C:
			conn.Close()
			return nil, "", fmt.Errorf("%w: timed out waiting for session.ready", realtime.ErrConnection)
		case <-ctx.Done():
			conn.Close()
			return nil, "", fmt.Errorf("session: connect: %w", ctx.Err())
		}
	}
}

// inboundLoop consumes server events until the transport ends. A drop that
// was not caused by Disconnect moves the session into reconnection.
func (m *Manager) inboundLoop(conn Transport, gen int) {
	for evt := range conn.Events() {
		if m.stale(gen) {
			return
		}
		m.handleEvent(conn, evt)
	}

	err := conn.Err()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if err == nil {
		err = fmt.Errorf("%w: transport closed by server", realtime.ErrConnection)
	}
	fire := m.setStatusLocked(StatusReconnecting)
	m.mu.Unlock()
	fire()

	m.log.Warn("transport dropped", "error", err)
	m.reconnectLoop(gen)
}

// reconnectLoop retries the connection with capped exponential backoff.
// Exhaustion or a permanent failure (credential rejection) escalates to
// StatusError; a Disconnect during the loop stands it down silently.
func (m *Manager) reconnectLoop(gen int) {
	attempt := 0
	backoff := retry.WithMaxRetries(
		uint64(m.cfg.MaxReconnects-1),
		retry.WithCappedDuration(m.cfg.MaxBackoff, retry.NewExponential(m.cfg.Backoff)),
	)

	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		if m.stale(gen) {
			return nil
		}
		attempt++
		m.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxReconnects)

		cred, err := m.creds.Credential(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrCredential) {
				return err
			}
			return retry.RetryableError(err)
		}

		conn, sid, err := m.establish(ctx, cred)
		if err != nil {
			if errors.Is(err, auth.ErrCredential) {
				return err
			}
			return retry.RetryableError(err)
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			conn.Close()
			return nil
		}
		m.conn = conn
		m.sessionID = sid
		m.metrics.Reconnects++
		fire := m.setStatusLocked(StatusReady)
		m.mu.Unlock()
		fire()

		m.log.Info("reconnection successful", "attempt", attempt, "session_id", sid)
		go m.inboundLoop(conn, gen)
		return nil
	})

	if err != nil {
		m.log.Error("reconnection failed", "attempts", attempt, "error", err)
		m.failGen(gen, StatusError, fmt.Errorf("session: reconnect: %w", err))
	}
}

// handleEvent routes one inbound frame.
func (m *Manager) handleEvent(conn Transport, evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.EventAudioDelta:
		m.mu.Lock()
		if m.awaitingAudio && !m.lastCommit.IsZero() {
			m.metrics.LastResponseLatency = time.Since(m.lastCommit)
			m.awaitingAudio = false
		}
		m.mu.Unlock()

		m.player.QueueChunk(evt.Delta)
		if evt.Final {
			m.player.EndStream()
		}

	case realtime.EventAudioDone:
		m.player.EndStream()
		m.mu.Lock()
		m.metrics.AssistantResponses++
		m.mu.Unlock()

	case realtime.EventTranscript:
		m.handleTranscript(evt)

	case realtime.EventToolCall:
		m.handleToolCall(conn, evt)

	case realtime.EventError:
		m.mu.Lock()
		handler := m.onError
		m.mu.Unlock()
		m.log.Warn("server error", "code", codeOf(evt.Error), "message", evt.Error.String())
		if handler != nil {
			handler(fmt.Errorf("session: server error: %s", evt.Error.String()))
		}
	}
}

func (m *Manager) handleTranscript(evt realtime.ServerEvent) {
	text := evt.Text
	if text == "" {
		text = evt.Transcript
	}
	if text == "" {
		return
	}

	entry := TranscriptEntry{
		Role:      evt.Role,
		Text:      text,
		Final:     evt.Final,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	m.transcripts = append(m.transcripts, entry)
	if !m.sawTranscript {
		m.sawTranscript = true
		m.metrics.TimeToFirstTranscript = time.Since(m.metrics.SessionStart)
	}
	if evt.Role == "user" && evt.Final {
		m.metrics.UserTranscripts++
		if !m.lastCommit.IsZero() {
			m.metrics.LastSTTLatency = time.Since(m.lastCommit)
		}
	}
	handler := m.onTranscript
	m.mu.Unlock()

	if handler != nil {
		handler(entry)
	}
}

func (m *Manager) handleToolCall(conn Transport, evt realtime.ServerEvent) {
	m.mu.Lock()
	handler := m.onToolCall
	m.mu.Unlock()

	if handler == nil {
		m.log.Warn("dropping tool call, no handler registered", "tool", evt.Name)
		return
	}

	// Tool handlers may block on their own I/O; keep them off the inbound
	// loop.
	go func() {
		output, err := handler(evt.Name, evt.Arguments)
		if err != nil {
			output = fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		if err := conn.SendToolResult(evt.CallID, output); err != nil {
			m.log.Warn("sending tool result", "tool", evt.Name, "error", err)
		}
	}()
}

// handleSpeechStart implements barge-in: user speech during assistant
// playback cuts audio locally first, then tells the server. The local cutoff
// never waits for the network round trip.
func (m *Manager) handleSpeechStart() {
	m.mu.Lock()
	conn := m.conn
	ready := m.status.CanSend()
	m.mu.Unlock()

	if !ready || conn == nil {
		return
	}

	if s := m.player.State(); s == playback.StatePlaying || s == playback.StateBuffering {
		m.player.Stop()
		go func() {
			if err := conn.Interrupt(); err != nil {
				m.log.Warn("sending interrupt", "error", err)
			}
		}()
		m.log.Debug("barge-in: playback stopped")
	}
}

// handleSpeechEnd commits the input segment and anchors the latency
// measurements for the server's reply.
func (m *Manager) handleSpeechEnd() {
	m.mu.Lock()
	conn := m.conn
	ready := m.status.CanSend()
	m.mu.Unlock()

	if !ready || conn == nil {
		return
	}
	if err := conn.CommitAudio(); err != nil {
		m.log.Warn("committing input audio", "error", err)
		return
	}

	m.mu.Lock()
	m.lastCommit = time.Now()
	m.awaitingAudio = true
	m.mu.Unlock()
}

// handleFrame is the outbound pump: speech-classified mic frames stream to
// the server while the session is ready. Everything else is dropped here;
// offline capture owns the microphone through its own recorder lifecycle.
func (m *Manager) handleFrame(frame audio.Frame, ev vad.Event) {
	if ev.Type != vad.SpeechStart && ev.Type != vad.SpeechContinue {
		return
	}

	m.mu.Lock()
	conn := m.conn
	ready := m.status.CanSend()
	m.mu.Unlock()

	if !ready || conn == nil {
		return
	}
	if err := conn.AppendAudio(frame.Data); err != nil {
		m.log.Warn("streaming input audio", "error", err)
	}
}

// failGen records a terminal failure for generation gen, unless a newer
// Connect or Disconnect superseded it.
func (m *Manager) failGen(gen int, status Status, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.micAttached = false
	handler := m.onError
	fire := m.setStatusLocked(status)
	m.mu.Unlock()

	// Terminal failure: release the audio graph so offline capture can take
	// the microphone over.
	m.player.Stop()
	m.detector.Detach()

	fire()
	if handler != nil {
		handler(err)
	}
}

// stale reports whether gen has been superseded.
func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// setStatusLocked transitions to next and returns the deferred notification
// closure (never nil). Must be called with m.mu held.
func (m *Manager) setStatusLocked(next Status) func() {
	if m.status == next {
		return func() {}
	}
	prev := m.status
	m.status = next
	handler := m.onStatus
	if handler == nil {
		return func() {}
	}
	return func() { handler(prev, next) }
}

func codeOf(e *realtime.ErrorDetail) string {
	if e == nil {
		return ""
	}
	return e.Code
}
