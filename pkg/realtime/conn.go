package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/cadenza-voice/cadenza/pkg/auth"
)

// Option configures a [Conn] during dialing.
type Option func(*dialConfig)

type dialConfig struct {
	httpClient *http.Client
	eventBuf   int
}

// WithHTTPClient overrides the HTTP client used for the WebSocket handshake.
// Primarily used in tests to point at a local server.
func WithHTTPClient(c *http.Client) Option {
	return func(d *dialConfig) { d.httpClient = c }
}

// WithEventBuffer sets the capacity of the inbound event channel.
func WithEventBuffer(n int) Option {
	return func(d *dialConfig) {
		if n > 0 {
			d.eventBuf = n
		}
	}
}

// Conn is an open duplex voice connection.
//
// One read-loop goroutine owns the event channel from Dial until the
// connection ends; the channel closes when the loop exits. Write methods are
// safe for concurrent use.
type Conn struct {
	conn   *websocket.Conn
	events chan ServerEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error
	closed bool

	closeOnce sync.Once
}

// Dial opens a connection to endpoint authenticated with cred, and starts the
// read loop. Failures wrap [ErrConnection]; an expired credential fails with
// [auth.ErrCredential] before any network traffic.
func Dial(ctx context.Context, endpoint string, cred auth.Credential, opts ...Option) (*Conn, error) {
	cfg := dialConfig{eventBuf: 64}
	for _, o := range opts {
		o(&cfg)
	}

	if cred.Expired(0) {
		return nil, fmt.Errorf("%w: token expired", auth.ErrCredential)
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: cfg.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.Token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   ws,
		events: make(chan ServerEvent, cfg.eventBuf),
		ctx:    connCtx,
		cancel: connCancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Events returns the inbound event channel. It is closed when the connection
// ends for any reason; check [Conn.Err] afterwards to tell a local close from
// a remote drop.
func (c *Conn) Events() <-chan ServerEvent { return c.events }

// Err returns the error that terminated the connection, or nil if it was
// closed locally via [Conn.Close].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// CreateSession asks the backend to start (or resume) a session for the given
// conversation. The backend answers with a session.ready event.
func (c *Conn) CreateSession(prefs SessionPrefs) error {
	return c.writeJSON(sessionCreateFrame{
		Type:           "session.create",
		ConversationID: prefs.ConversationID,
		Voice:          prefs.Voice,
		Language:       prefs.Language,
		Sensitivity:    prefs.Sensitivity,
	})
}

// AppendAudio streams one PCM16 capture fragment to the backend.
func (c *Conn) AppendAudio(pcm []byte) error {
	return c.writeJSON(audioAppendFrame{
		Type:  "input_audio.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio marks the current input segment complete, typically on a VAD
// speech-end boundary.
func (c *Conn) CommitAudio() error {
	return c.writeJSON(map[string]string{"type": "input_audio.commit"})
}

// Interrupt cancels the in-flight response on the backend. The local playback
// cutoff does not wait for this round trip.
func (c *Conn) Interrupt() error {
	return c.writeJSON(map[string]string{"type": "response.interrupt"})
}

// SendMessage submits a typed user utterance.
func (c *Conn) SendMessage(text string) error {
	return c.writeJSON(messageCreateFrame{Type: "message.create", Text: text})
}

// SendToolResult returns the output of a tool.call event to the backend.
func (c *Conn) SendToolResult(callID, output string) error {
	return c.writeJSON(toolResultFrame{Type: "tool.result", CallID: callID, Output: output})
}

// Close terminates the connection locally. Idempotent. After Close, Err
// returns nil: a local close is not a failure.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection closed", ErrConnection)
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	return nil
}

// receiveLoop reads frames and dispatches recognized events in arrival order.
// It owns the events channel and closes it on exit.
func (c *Conn) receiveLoop() {
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			// A drop we did not initiate is a connection failure; a local
			// Close is not.
			if !c.closed && c.ctx.Err() == nil && c.errVal == nil {
				c.errVal = fmt.Errorf("%w: read: %v", ErrConnection, err)
			}
			c.mu.Unlock()
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case EventSessionReady, EventAudioDelta, EventAudioDone,
			EventTranscript, EventToolCall, EventError:
			select {
			case c.events <- evt:
			case <-c.ctx.Done():
				return
			}
		default:
			// Unknown event type: skip, keep reading.
		}
	}
}
