// Package realtime implements the duplex voice protocol client.
//
// It maintains a bidirectional WebSocket connection to the reasoning backend
// and exchanges JSON events. Outbound audio travels as base64-encoded PCM16
// fragments; inbound events (session readiness, synthesized audio deltas,
// transcripts, tool calls) surface on a single ordered event channel.
package realtime

import (
	"errors"
	"fmt"
)

// ErrConnection indicates the transport failed: dial error, handshake
// rejection, or an unexpected remote drop. The session manager treats these
// as reconnectable, unlike credential errors.
var ErrConnection = errors.New("realtime: connection failed")

// Server event types. Every inbound frame carries one of these in its "type"
// discriminant; unknown types are skipped so protocol additions do not break
// older clients.
const (
	// EventSessionReady is sent once the backend has a session ready for
	// audio. Carries SessionID.
	EventSessionReady = "session.ready"

	// EventAudioDelta carries one base64 fragment of synthesized speech.
	// Final marks the last fragment of the utterance.
	EventAudioDelta = "response.audio.delta"

	// EventAudioDone marks the end of the current synthesized response.
	EventAudioDone = "response.audio.done"

	// EventTranscript carries a user or assistant transcript line.
	EventTranscript = "transcript"

	// EventToolCall asks the client to execute a named tool.
	EventToolCall = "tool.call"

	// EventError reports a server-side error for the current session.
	EventError = "error"
)

// ErrorDetail is the nested error object of an [EventError] frame.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorDetail) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ServerEvent is the tagged union of all inbound frames. Type selects which
// fields are populated.
type ServerEvent struct {
	Type string `json:"type"`

	// session.ready
	SessionID string `json:"session_id,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"` // base64-encoded fragment
	Final bool   `json:"final,omitempty"`

	// transcript
	Role       string `json:"role,omitempty"` // "user" or "assistant"
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// tool.call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// SessionPrefs are the preferences sent with session.create. Nil pointer
// fields are transmitted as explicit JSON null, which the backend reads as
// "use the default".
type SessionPrefs struct {
	// ConversationID resumes or creates the named conversation.
	ConversationID string

	// Voice selects the synthesis voice.
	Voice *string

	// Language is a BCP 47 tag hinting the expected speech language.
	Language *string

	// Sensitivity tunes server-side turn detection, range [0, 1].
	Sensitivity *float64
}

// ── Client frame types ─────────────────────────────────────────────────────────

type sessionCreateFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	Voice          *string  `json:"voice"`
	Language       *string  `json:"language"`
	Sensitivity    *float64 `json:"sensitivity"`
}

type audioAppendFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type messageCreateFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResultFrame struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}
