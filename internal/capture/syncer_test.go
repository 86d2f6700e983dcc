package capture_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/internal/capture"
	"github.com/cadenza-voice/cadenza/internal/resilience"
	"github.com/cadenza-voice/cadenza/pkg/recording"
	recmock "github.com/cadenza-voice/cadenza/pkg/recording/mock"
)

func onlineMonitor() *capture.Monitor {
	m := capture.NewMonitor(false, nil)
	m.SetOnline(true)
	return m
}

func putPending(t *testing.T, store *recmock.Store, createdAt time.Time) uuid.UUID {
	t.Helper()
	rec := recording.Recording{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		Audio:          []byte{1, 2, 3, 4},
		MimeType:       "audio/wav",
		CreatedAt:      createdAt,
		Status:         recording.StatusPending,
	}
	if err := store.Put(t.Context(), rec); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	return rec.ID
}

func TestSyncPendingPartialFailure(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	base := time.Now()
	first := putPending(t, store, base)
	second := putPending(t, store, base.Add(time.Second))
	third := putPending(t, store, base.Add(2*time.Second))

	uploadErr := errors.New("backend rejected payload")
	up := &recmock.Uploader{FailIDs: map[uuid.UUID]error{second: uploadErr}}
	s := capture.NewSyncer(store, up, onlineMonitor(), nil)

	res, err := s.SyncPending(t.Context())
	if res.Uploaded != 2 || res.Failed != 1 || res.Skipped {
		t.Errorf("result = %+v, want 2 uploaded, 1 failed", res)
	}

	// The pass continued past the failure and surfaced it as an UploadError.
	var ue *recording.UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("error %v does not contain an UploadError", err)
	}
	if ue.RecordingID != second {
		t.Errorf("failed recording = %s, want %s", ue.RecordingID, second)
	}
	if !errors.Is(err, uploadErr) {
		t.Errorf("error %v does not wrap the upload cause", err)
	}

	// All three were attempted exactly once, oldest first.
	calls := up.Calls()
	if len(calls) != 3 {
		t.Fatalf("upload attempts = %d, want 3", len(calls))
	}
	wantOrder := []uuid.UUID{first, second, third}
	for i, call := range calls {
		if call.RecordingID != wantOrder[i] {
			t.Errorf("attempt %d = %s, want %s", i, call.RecordingID, wantOrder[i])
		}
	}

	// Statuses and retry counts.
	for _, tc := range []struct {
		id         uuid.UUID
		wantStatus recording.Status
		wantRetry  int
	}{
		{first, recording.StatusUploaded, 0},
		{second, recording.StatusFailed, 1},
		{third, recording.StatusUploaded, 0},
	} {
		rec, err := store.Get(t.Context(), tc.id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", tc.id, err)
		}
		if rec.Status != tc.wantStatus {
			t.Errorf("recording %s status = %q, want %q", tc.id, rec.Status, tc.wantStatus)
		}
		if rec.RetryCount != tc.wantRetry {
			t.Errorf("recording %s retry count = %d, want %d", tc.id, rec.RetryCount, tc.wantRetry)
		}
	}
}

func TestSyncPendingTwiceUploadsOnce(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	id := putPending(t, store, time.Now())

	up := &recmock.Uploader{}
	s := capture.NewSyncer(store, up, onlineMonitor(), nil)

	for i := range 2 {
		res, err := s.SyncPending(t.Context())
		if err != nil {
			t.Fatalf("pass %d error: %v", i+1, err)
		}
		if want := 1 - i; res.Uploaded != want {
			t.Errorf("pass %d uploaded = %d, want %d", i+1, res.Uploaded, want)
		}
	}

	if got := len(up.Calls()); got != 1 {
		t.Errorf("uploads across two passes = %d, want 1", got)
	}
	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != recording.StatusUploaded {
		t.Errorf("status = %q, want uploaded", rec.Status)
	}
}

func TestSyncPendingCircuitOpenKeepsBacklogPending(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	base := time.Now()
	first := putPending(t, store, base)
	second := putPending(t, store, base.Add(time.Second))
	third := putPending(t, store, base.Add(2*time.Second))

	up := &recmock.Uploader{UploadErr: errors.New("intake unreachable")}
	guard := resilience.NewUploadGuard(up, resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	s := capture.NewSyncer(store, guard, onlineMonitor(), nil)

	res, err := s.SyncPending(t.Context())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if res.Uploaded != 0 || res.Failed != 1 {
		t.Errorf("result = %+v, want 0 uploaded, 1 failed", res)
	}

	// Only the first recording reached the backend; the breaker rejected the
	// second, and the pass ended before the third was claimed.
	if got := len(up.Calls()); got != 1 {
		t.Errorf("backend upload attempts = %d, want 1", got)
	}

	for _, tc := range []struct {
		id         uuid.UUID
		wantStatus recording.Status
		wantRetry  int
	}{
		{first, recording.StatusFailed, 1},
		{second, recording.StatusPending, 0},
		{third, recording.StatusPending, 0},
	} {
		rec, err := store.Get(t.Context(), tc.id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", tc.id, err)
		}
		if rec.Status != tc.wantStatus {
			t.Errorf("recording %s status = %q, want %q", tc.id, rec.Status, tc.wantStatus)
		}
		if rec.RetryCount != tc.wantRetry {
			t.Errorf("recording %s retry count = %d, want %d", tc.id, rec.RetryCount, tc.wantRetry)
		}
	}

	// The backlog stays visible to the next pass.
	pending, err := s.Pending(t.Context())
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after circuit-open pass = %d, want 2", len(pending))
	}
}

func TestSyncPendingNoAutoRetryWithinPass(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	id := putPending(t, store, time.Now())

	up := &recmock.Uploader{UploadErr: errors.New("offline backend")}
	s := capture.NewSyncer(store, up, onlineMonitor(), nil)

	if _, err := s.SyncPending(t.Context()); err == nil {
		t.Fatal("SyncPending succeeded, want error")
	}
	if got := len(up.Calls()); got != 1 {
		t.Errorf("upload attempts in one pass = %d, want 1 (no intra-pass retry)", got)
	}

	// A manual retry re-queues it for the next pass.
	if err := s.Retry(t.Context(), id); err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != recording.StatusPending {
		t.Errorf("status after Retry = %q, want pending", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", rec.RetryCount)
	}
}

func TestSyncPendingSkipsWhenOffline(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	putPending(t, store, time.Now())

	up := &recmock.Uploader{}
	m := capture.NewMonitor(false, nil) // never reported online
	s := capture.NewSyncer(store, up, m, nil)

	res, err := s.SyncPending(t.Context())
	if err != nil {
		t.Fatalf("SyncPending error: %v", err)
	}
	if !res.Skipped {
		t.Error("result not marked skipped while offline")
	}
	if len(up.Calls()) != 0 {
		t.Errorf("uploads attempted while offline: %d", len(up.Calls()))
	}
}

func TestSyncPendingSkipsWithoutUploader(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	putPending(t, store, time.Now())

	s := capture.NewSyncer(store, nil, onlineMonitor(), nil)
	res, err := s.SyncPending(t.Context())
	if err != nil {
		t.Fatalf("SyncPending error: %v", err)
	}
	if !res.Skipped {
		t.Error("result not marked skipped without uploader")
	}
}

func TestSyncPendingForcedOffline(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	putPending(t, store, time.Now())

	m := capture.NewMonitor(true, nil)
	m.SetOnline(true) // forced wins over connectivity
	s := capture.NewSyncer(store, &recmock.Uploader{}, m, nil)

	res, err := s.SyncPending(t.Context())
	if err != nil {
		t.Fatalf("SyncPending error: %v", err)
	}
	if !res.Skipped {
		t.Error("forced-offline sync was not skipped")
	}
}

func TestSyncerDelete(t *testing.T) {
	t.Parallel()

	store := recmock.NewStore()
	id := putPending(t, store, time.Now())
	s := capture.NewSyncer(store, &recmock.Uploader{}, onlineMonitor(), nil)

	if err := s.Delete(t.Context(), id); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := s.Delete(t.Context(), id); !errors.Is(err, recording.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}
