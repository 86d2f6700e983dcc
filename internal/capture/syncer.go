package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/internal/resilience"
	"github.com/cadenza-voice/cadenza/pkg/recording"
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Uploaded int
	Failed   int
	Skipped  bool // offline or no uploader configured
}

// Syncer reconciles pending recordings with the backend.
//
// Each sync pass attempts every pending recording exactly once and keeps
// going past failures; retry happens on the next pass, typically triggered by
// a reconnection event. Safe for concurrent use — the store's status guard
// keeps overlapping passes from double-uploading.
type Syncer struct {
	store    recording.Store
	uploader recording.Uploader
	monitor  *Monitor
	log      *slog.Logger
}

// NewSyncer creates a Syncer. uploader may be nil, which turns SyncPending
// into a no-op (local-only deployments).
func NewSyncer(store recording.Store, uploader recording.Uploader, monitor *Monitor, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{store: store, uploader: uploader, monitor: monitor, log: log}
}

// SyncPending uploads every pending recording once. Per-recording outcomes:
// pending → uploading → uploaded on success, → failed (retry count bumped) on
// error. The pass continues past failures; the returned error joins the
// individual [recording.UploadError] values.
//
// A [resilience.ErrCircuitOpen] from the uploader ends the pass early: the
// backend has been declared dead, so the claimed recording is released back
// to pending and the rest of the backlog is left untouched for the next pass.
func (s *Syncer) SyncPending(ctx context.Context) (SyncResult, error) {
	if s.uploader == nil || s.monitor.IsOfflineMode() {
		return SyncResult{Skipped: true}, nil
	}

	pending, err := s.store.ListByStatus(ctx, recording.StatusPending)
	if err != nil {
		return SyncResult{}, fmt.Errorf("capture: list pending: %w", err)
	}
	if len(pending) == 0 {
		return SyncResult{}, nil
	}

	s.log.Info("syncing pending recordings", "count", len(pending))

	var res SyncResult
	var errs []error
	for _, rec := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		// Claim the recording; losing the claim means another pass has it.
		if err := s.store.UpdateStatus(ctx, rec.ID, recording.StatusUploading); err != nil {
			s.log.Warn("skipping recording, claim failed", "recording_id", rec.ID, "error", err)
			continue
		}

		if err := s.uploader.Upload(ctx, rec); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				if serr := s.store.UpdateStatus(ctx, rec.ID, recording.StatusPending); serr != nil {
					s.log.Error("releasing claim", "recording_id", rec.ID, "error", serr)
				}
				s.log.Warn("upload circuit open, deferring sync pass")
				errs = append(errs, err)
				break
			}
			res.Failed++
			errs = append(errs, &recording.UploadError{RecordingID: rec.ID, Err: err})
			if serr := s.store.UpdateStatus(ctx, rec.ID, recording.StatusFailed); serr != nil {
				s.log.Error("marking recording failed", "recording_id", rec.ID, "error", serr)
			}
			s.log.Warn("recording upload failed", "recording_id", rec.ID, "error", err)
			continue
		}

		if err := s.store.UpdateStatus(ctx, rec.ID, recording.StatusUploaded); err != nil {
			s.log.Error("marking recording uploaded", "recording_id", rec.ID, "error", err)
			continue
		}
		res.Uploaded++
	}

	s.log.Info("sync pass complete", "uploaded", res.Uploaded, "failed", res.Failed)
	return res, errors.Join(errs...)
}

// Pending returns the recordings still awaiting upload, oldest first.
func (s *Syncer) Pending(ctx context.Context) ([]recording.Recording, error) {
	return s.store.ListByStatus(ctx, recording.StatusPending)
}

// Retry moves a failed recording back to pending so the next sync pass picks
// it up.
func (s *Syncer) Retry(ctx context.Context, id uuid.UUID) error {
	if err := s.store.UpdateStatus(ctx, id, recording.StatusPending); err != nil {
		return fmt.Errorf("capture: retry %s: %w", id, err)
	}
	return nil
}

// Delete removes a recording immediately and irreversibly.
func (s *Syncer) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("capture: delete %s: %w", id, err)
	}
	return nil
}
