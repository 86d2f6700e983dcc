package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenza-voice/cadenza/pkg/auth"
	"github.com/cadenza-voice/cadenza/pkg/realtime"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func testCred() auth.Credential {
	return auth.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
}

func recvEvent(t *testing.T, c *realtime.Conn) realtime.ServerEvent {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return realtime.ServerEvent{}
}

func TestDialSendsBearerToken(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn.Read(context.Background()) // hold the connection open
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	if got := <-gotAuth; got != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", got)
	}
}

func TestDialExpiredCredential(t *testing.T) {
	t.Parallel()

	cred := auth.Credential{Token: "tok", ExpiresAt: time.Now().Add(-time.Minute)}
	_, err := realtime.Dial(t.Context(), "ws://localhost:1", cred)
	if !errors.Is(err, auth.ErrCredential) {
		t.Errorf("Dial error = %v, want ErrCredential", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, err := realtime.Dial(ctx, "ws://127.0.0.1:1", testCred())
	if !errors.Is(err, realtime.ErrConnection) {
		t.Errorf("Dial error = %v, want ErrConnection", err)
	}
}

func TestSessionCreateHandshake(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var frame map[string]any
		readJSON(t, conn, &frame)
		if frame["type"] != "session.create" {
			t.Errorf("first frame type = %v, want session.create", frame["type"])
		}
		if frame["conversation_id"] != "conv-7" {
			t.Errorf("conversation_id = %v, want conv-7", frame["conversation_id"])
		}
		if frame["voice"] != "aria" {
			t.Errorf("voice = %v, want aria", frame["voice"])
		}
		if v, present := frame["language"]; !present || v != nil {
			t.Errorf("language = %v (present %v), want explicit null", v, present)
		}
		if v, present := frame["sensitivity"]; !present || v != nil {
			t.Errorf("sensitivity = %v (present %v), want explicit null", v, present)
		}
		writeJSON(t, conn, map[string]any{"type": "session.ready", "session_id": "sess-1"})
		conn.Read(context.Background())
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	voice := "aria"
	if err := c.CreateSession(realtime.SessionPrefs{ConversationID: "conv-7", Voice: &voice}); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	evt := recvEvent(t, c)
	if evt.Type != realtime.EventSessionReady {
		t.Fatalf("event type = %q, want session.ready", evt.Type)
	}
	if evt.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", evt.SessionID)
	}
}

func TestAppendAudioEncodesBase64(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			var frame map[string]any
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			frames <- frame
		}
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := c.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio error: %v", err)
	}
	if err := c.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio error: %v", err)
	}
	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt error: %v", err)
	}
	if err := c.SendMessage("hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	want := []struct {
		typ   string
		check func(t *testing.T, f map[string]any)
	}{
		{"input_audio.append", func(t *testing.T, f map[string]any) {
			if got := f["audio"]; got != base64.StdEncoding.EncodeToString(pcm) {
				t.Errorf("audio = %v, want base64 of %v", got, pcm)
			}
		}},
		{"input_audio.commit", nil},
		{"response.interrupt", nil},
		{"message.create", func(t *testing.T, f map[string]any) {
			if f["text"] != "hello" {
				t.Errorf("text = %v, want hello", f["text"])
			}
		}},
	}
	for _, w := range want {
		select {
		case f := <-frames:
			if f["type"] != w.typ {
				t.Fatalf("frame type = %v, want %s", f["type"], w.typ)
			}
			if w.check != nil {
				w.check(t, f)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s frame", w.typ)
		}
	}
}

func TestAudioDeltaStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "QUFB", "final": false})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "QkJC", "final": true})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done"})
		conn.Read(context.Background())
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	first := recvEvent(t, c)
	if first.Type != realtime.EventAudioDelta || first.Delta != "QUFB" || first.Final {
		t.Errorf("first delta = %+v, want non-final QUFB", first)
	}
	second := recvEvent(t, c)
	if !second.Final || second.Delta != "QkJC" {
		t.Errorf("second delta = %+v, want final QkJC", second)
	}
	if done := recvEvent(t, c); done.Type != realtime.EventAudioDone {
		t.Errorf("third event type = %q, want response.audio.done", done.Type)
	}
}

func TestUnknownEventsSkipped(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
		writeJSON(t, conn, map[string]any{"type": "transcript", "role": "user", "text": "hi", "final": true})
		conn.Read(context.Background())
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	evt := recvEvent(t, c)
	if evt.Type != realtime.EventTranscript || evt.Text != "hi" || evt.Role != "user" {
		t.Errorf("event = %+v, want user transcript hi", evt)
	}
}

func TestRemoteDropSetsErr(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusInternalError, "backend restarting")
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()

	// The channel closes once the remote drops.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if err := c.Err(); !errors.Is(err, realtime.ErrConnection) {
					t.Errorf("Err() = %v, want ErrConnection", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after remote drop")
		}
	}
}

func TestLocalCloseIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Read(context.Background())
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if err := c.Err(); err != nil {
					t.Errorf("Err() after local close = %v, want nil", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after local close")
		}
	}

}

func TestWriteAfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Read(context.Background())
	})

	c, err := realtime.Dial(t.Context(), wsURL(srv), testCred())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	c.Close()

	if err := c.AppendAudio([]byte{1}); !errors.Is(err, realtime.ErrConnection) {
		t.Errorf("AppendAudio after Close = %v, want ErrConnection", err)
	}
}
