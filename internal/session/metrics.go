package session

import "time"

// Metrics is the session manager's read-only latency and counter surface.
// Everything resets on each Connect, so values always describe the current
// session generation.
type Metrics struct {
	// ConnectionTime is how long Connect took from first call to the
	// backend's readiness confirmation.
	ConnectionTime time.Duration

	// TimeToFirstTranscript is the delay from readiness to the first
	// transcript of the session. Zero until one arrives.
	TimeToFirstTranscript time.Duration

	// LastSTTLatency is the delay between the most recent input commit and
	// the user transcript recognized from it.
	LastSTTLatency time.Duration

	// LastResponseLatency is the delay between the most recent input commit
	// and the first assistant audio of the reply.
	LastResponseLatency time.Duration

	// SessionStart is when Connect was called.
	SessionStart time.Time

	// UserTranscripts counts final user transcript lines.
	UserTranscripts int

	// AssistantResponses counts completed assistant audio responses.
	AssistantResponses int

	// Reconnects counts successful automatic reconnections this session.
	Reconnects int
}

// TranscriptEntry is one line of the conversation transcript.
type TranscriptEntry struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	Text string `json:"text"`

	// Final marks a completed line as opposed to a streaming partial.
	Final bool `json:"final"`

	Timestamp time.Time `json:"timestamp"`
}
