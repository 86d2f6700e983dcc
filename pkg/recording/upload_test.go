package recording_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/pkg/auth"
	"github.com/cadenza-voice/cadenza/pkg/recording"
)

func testRecording() recording.Recording {
	return recording.Recording{
		ID:             uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		ConversationID: "conv-9",
		Audio:          []byte("RIFF-not-really"),
		MimeType:       "audio/wav",
		Duration:       1500 * time.Millisecond,
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:         recording.StatusPending,
	}
}

func TestHTTPUploaderSendsMetadataHeaders(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := recording.NewHTTPUploader(srv.URL, auth.Static{Cred: auth.Credential{Token: "tok-1"}})
	if err := u.Upload(context.Background(), testRecording()); err != nil {
		t.Fatalf("Upload() = %v", err)
	}

	if string(gotBody) != "RIFF-not-really" {
		t.Errorf("body = %q, want raw audio bytes", gotBody)
	}
	want := map[string]string{
		"Authorization":     "Bearer tok-1",
		"Content-Type":      "audio/wav",
		"X-Recording-Id":    "11111111-2222-3333-4444-555555555555",
		"X-Conversation-Id": "conv-9",
		"X-Duration-Ms":     "1500",
		"X-Recorded-At":     "2026-03-01T10:00:00Z",
	}
	for k, v := range want {
		if got := gotHeader.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestHTTPUploaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		wantErr    bool
		credential bool
	}{
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: true, credential: true},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true, credential: true},
		{name: "accepted", status: http.StatusAccepted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			u := recording.NewHTTPUploader(srv.URL, auth.Static{Cred: auth.Credential{Token: "tok"}})
			err := u.Upload(context.Background(), testRecording())
			if tc.wantErr && err == nil {
				t.Fatal("Upload() = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Upload() = %v", err)
			}
			if got := errors.Is(err, auth.ErrCredential); got != tc.credential {
				t.Errorf("errors.Is(err, ErrCredential) = %v, want %v (err: %v)", got, tc.credential, err)
			}
		})
	}
}
