// Package recording defines the locally persisted voice recording model and
// the storage, upload, and quota interfaces the offline capture subsystem is
// built on.
//
// Recordings are created while the network is down and reconciled later: each
// one moves through a strict status lifecycle so a crash mid-sync never loses
// track of what has reached the backend.
package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no recording has the requested ID.
var ErrNotFound = errors.New("recording: not found")

// Status is the sync lifecycle state of a recording.
type Status string

const (
	// StatusPending means the recording is stored locally and awaits upload.
	StatusPending Status = "pending"

	// StatusUploading means an upload attempt is in flight.
	StatusUploading Status = "uploading"

	// StatusUploaded means the backend acknowledged the recording. Terminal.
	StatusUploaded Status = "uploaded"

	// StatusFailed means the last upload attempt failed. A manual retry moves
	// the recording back to pending.
	StatusFailed Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next preserves the status
// lifecycle: pending → uploading → uploaded|failed. Two reversals are
// allowed: failed → pending (manual retry) and uploading → pending (a sync
// pass releasing its claim without an upload attempt, e.g. when the backend
// is known to be down). Uploaded is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusUploading
	case StatusUploading:
		return next == StatusUploaded || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending || next == StatusUploading
	default:
		return false
	}
}

// Recording is one locally captured audio clip.
type Recording struct {
	ID             uuid.UUID
	ConversationID string

	// Audio is the encoded blob, self-describing per MimeType (WAV for
	// locally captured clips). Excluded from JSON so status listings stay
	// small.
	Audio    []byte `json:"-"`
	MimeType string

	Duration   time.Duration
	CreatedAt  time.Time
	Status     Status
	RetryCount int
}

// Size returns the stored blob size in bytes.
func (r Recording) Size() int64 { return int64(len(r.Audio)) }

// Store persists recordings locally.
//
// Implementations must be safe for concurrent use and must enforce the status
// lifecycle in UpdateStatus, so racing sync passes cannot double-upload.
type Store interface {
	// Put inserts a new recording.
	Put(ctx context.Context, rec Recording) error

	// Get returns the recording with the given ID, or [ErrNotFound].
	Get(ctx context.Context, id uuid.UUID) (Recording, error)

	// ListByConversation returns all recordings for a conversation, newest
	// first.
	ListByConversation(ctx context.Context, conversationID string) ([]Recording, error)

	// ListByStatus returns all recordings in the given status, oldest first,
	// so sync works through the backlog in capture order.
	ListByStatus(ctx context.Context, status Status) ([]Recording, error)

	// UpdateStatus moves a recording to status, rejecting transitions that
	// violate [Status.CanTransition]. A transition to [StatusFailed]
	// increments the retry count atomically.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error

	// Delete removes a recording immediately and irreversibly. Deleting a
	// missing ID returns [ErrNotFound].
	Delete(ctx context.Context, id uuid.UUID) error
}

// Uploader delivers a recording to the backend.
type Uploader interface {
	// Upload sends rec. A nil return means the backend has durably accepted
	// the recording.
	Upload(ctx context.Context, rec Recording) error
}

// Quota describes local storage consumption.
type Quota struct {
	UsedBytes  int64
	QuotaBytes int64
}

// Percent returns usage as a percentage of the quota, 0 when no quota is set.
func (q Quota) Percent() float64 {
	if q.QuotaBytes <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.QuotaBytes) * 100
}

// QuotaReporter exposes storage usage so callers can warn or block capture
// near exhaustion.
type QuotaReporter interface {
	Usage(ctx context.Context) (Quota, error)
}

// UploadError wraps a failed upload attempt with the affected recording.
type UploadError struct {
	RecordingID uuid.UUID
	Err         error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("recording: upload %s: %v", e.RecordingID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StorageError wraps a failed local store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("recording: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
