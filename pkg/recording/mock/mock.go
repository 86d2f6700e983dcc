// Package mock provides test doubles for the recording package interfaces.
//
// Store is a fully functional in-memory [recording.Store] that enforces the
// same status lifecycle as the PostgreSQL implementation, plus error
// injection fields. Uploader records every upload and can fail per recording.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/pkg/recording"
)

// Compile-time interface assertions.
var (
	_ recording.Store         = (*Store)(nil)
	_ recording.QuotaReporter = (*Store)(nil)
	_ recording.Uploader      = (*Uploader)(nil)
)

// Store is an in-memory recording store.
type Store struct {
	mu   sync.Mutex
	recs map[uuid.UUID]recording.Recording

	// QuotaBytes is reported by Usage. Zero disables the quota.
	QuotaBytes int64

	// PutErr, GetErr, ListErr, UpdateErr, DeleteErr are returned by the
	// corresponding methods when non-nil.
	PutErr    error
	GetErr    error
	ListErr   error
	UpdateErr error
	DeleteErr error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{recs: make(map[uuid.UUID]recording.Recording)}
}

// Put implements [recording.Store].
func (s *Store) Put(_ context.Context, rec recording.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.recs[rec.ID] = rec
	return nil
}

// Get implements [recording.Store].
func (s *Store) Get(_ context.Context, id uuid.UUID) (recording.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return recording.Recording{}, s.GetErr
	}
	rec, ok := s.recs[id]
	if !ok {
		return recording.Recording{}, recording.ErrNotFound
	}
	return rec, nil
}

// ListByConversation implements [recording.Store]. Newest first.
func (s *Store) ListByConversation(_ context.Context, conversationID string) ([]recording.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []recording.Recording
	for _, rec := range s.recs {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus implements [recording.Store]. Oldest first.
func (s *Store) ListByStatus(_ context.Context, status recording.Status) ([]recording.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []recording.Recording
	for _, rec := range s.recs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus implements [recording.Store], enforcing the same transition
// guard as the real store.
func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status recording.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	rec, ok := s.recs[id]
	if !ok {
		return recording.ErrNotFound
	}
	if !rec.Status.CanTransition(status) {
		return &recording.StorageError{Op: "update status", Err: errIllegalTransition(rec.Status, status)}
	}
	rec.Status = status
	if status == recording.StatusFailed {
		rec.RetryCount++
	}
	s.recs[id] = rec
	return nil
}

// Delete implements [recording.Store].
func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.recs[id]; !ok {
		return recording.ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

// Usage implements [recording.QuotaReporter].
func (s *Store) Usage(_ context.Context) (recording.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used int64
	for _, rec := range s.recs {
		used += rec.Size()
	}
	return recording.Quota{UsedBytes: used, QuotaBytes: s.QuotaBytes}, nil
}

// Len returns the number of stored recordings.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type transitionError struct {
	from, to recording.Status
}

func errIllegalTransition(from, to recording.Status) error {
	return &transitionError{from: from, to: to}
}

func (e *transitionError) Error() string {
	return "illegal transition " + string(e.from) + " -> " + string(e.to)
}

// UploadCall records one invocation of Uploader.Upload.
type UploadCall struct {
	RecordingID uuid.UUID
}

// Uploader is a scriptable recording uploader.
type Uploader struct {
	mu sync.Mutex

	// UploadErr, when non-nil, is returned from every Upload call.
	UploadErr error

	// FailIDs lists recording IDs whose upload fails with UploadErr (or a
	// generic error if UploadErr is nil) while all others succeed.
	FailIDs map[uuid.UUID]error

	// UploadCalls records every call to Upload in order.
	UploadCalls []UploadCall
}

// Upload records the call and returns the scripted result.
func (u *Uploader) Upload(_ context.Context, rec recording.Recording) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.UploadCalls = append(u.UploadCalls, UploadCall{RecordingID: rec.ID})
	if err, ok := u.FailIDs[rec.ID]; ok {
		return err
	}
	return u.UploadErr
}

// Calls returns a copy of the recorded upload calls.
func (u *Uploader) Calls() []UploadCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UploadCall, len(u.UploadCalls))
	copy(out, u.UploadCalls)
	return out
}
