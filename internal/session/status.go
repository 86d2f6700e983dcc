package session

// Status is the session manager's connection state.
type Status string

const (
	// StatusDisconnected means no transport exists; the initial and final
	// state.
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means Connect is acquiring credentials, microphone,
	// and transport.
	StatusConnecting Status = "connecting"

	// StatusReady means the transport is open and the backend confirmed
	// session readiness; audio and messages may flow.
	StatusReady Status = "ready"

	// StatusReconnecting means the transport dropped and automatic
	// reconnection is in progress.
	StatusReconnecting Status = "reconnecting"

	// StatusError means connection or reconnection failed terminally.
	StatusError Status = "error"

	// StatusMicPermissionDenied is the distinguished failure for microphone
	// denial, so the UI can prompt for permission instead of suggesting a
	// network fix.
	StatusMicPermissionDenied Status = "mic_permission_denied"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusReady,
		StatusReconnecting, StatusError, StatusMicPermissionDenied:
		return true
	}
	return false
}

// CanSend reports whether user messages and audio may be sent in this state.
func (s Status) CanSend() bool { return s == StatusReady }
