package capture_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/capture"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/codec"
	audiomock "github.com/cadenza-voice/cadenza/pkg/audio/mock"
	"github.com/cadenza-voice/cadenza/pkg/recording"
	recmock "github.com/cadenza-voice/cadenza/pkg/recording/mock"
)

func captureFrame(n int) audio.Frame {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
}

func TestRecorderStartStopPersistsWAV(t *testing.T) {
	t.Parallel()

	dev := &audiomock.CaptureDevice{}
	store := recmock.NewStore()
	r := capture.NewRecorder(dev, store)

	if err := r.StartRecording(t.Context(), "conv-1"); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if !r.IsRecording() {
		t.Fatal("IsRecording = false after start")
	}

	stream := dev.LastStream()
	for range 10 {
		stream.Push(captureFrame(640)) // 10 × 20 ms at 16 kHz
	}

	// Wait for the consumer goroutine to buffer all 200 ms.
	deadline := time.Now().Add(2 * time.Second)
	for r.Duration() < 200*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("buffered %v, want 200ms", r.Duration())
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec, err := r.StopRecording(t.Context())
	if err != nil {
		t.Fatalf("StopRecording error: %v", err)
	}
	if rec == nil {
		t.Fatal("StopRecording returned nil recording")
	}
	if rec.Status != recording.StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
	if rec.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q, want conv-1", rec.ConversationID)
	}
	if rec.MimeType != codec.MimeWAV {
		t.Errorf("mime type = %q, want %s", rec.MimeType, codec.MimeWAV)
	}
	if rec.Duration != 200*time.Millisecond {
		t.Errorf("duration = %v, want 200ms", rec.Duration)
	}

	// The persisted blob must decode back to valid WAV.
	buf, err := codec.NewDecoder().Decode(rec.Audio, codec.MimeWAV)
	if err != nil {
		t.Fatalf("persisted blob does not decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Errorf("persisted sample rate = %d, want 16000", buf.SampleRate)
	}

	if store.Len() != 1 {
		t.Errorf("store holds %d recordings, want 1", store.Len())
	}
	if !stream.Closed() {
		t.Error("capture stream not closed by StopRecording")
	}
}

func TestRecorderStopWithoutStart(t *testing.T) {
	t.Parallel()

	r := capture.NewRecorder(&audiomock.CaptureDevice{}, recmock.NewStore())
	rec, err := r.StopRecording(t.Context())
	if err != nil {
		t.Fatalf("StopRecording error: %v", err)
	}
	if rec != nil {
		t.Errorf("StopRecording = %+v, want nil when nothing was recording", rec)
	}
}

func TestRecorderCancelPersistsNothing(t *testing.T) {
	t.Parallel()

	dev := &audiomock.CaptureDevice{}
	store := recmock.NewStore()
	r := capture.NewRecorder(dev, store)

	r.CancelRecording() // safe with nothing in progress

	if err := r.StartRecording(t.Context(), "conv-1"); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	dev.LastStream().Push(captureFrame(640))
	r.CancelRecording()

	if r.IsRecording() {
		t.Error("IsRecording = true after cancel")
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d recordings after cancel, want 0", store.Len())
	}
	if !dev.LastStream().Closed() {
		t.Error("capture stream not closed by CancelRecording")
	}
}

func TestRecorderStartTwiceFails(t *testing.T) {
	t.Parallel()

	dev := &audiomock.CaptureDevice{}
	r := capture.NewRecorder(dev, recmock.NewStore())

	if err := r.StartRecording(t.Context(), "conv-1"); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	defer r.CancelRecording()

	if err := r.StartRecording(t.Context(), "conv-1"); err == nil {
		t.Error("second StartRecording succeeded, want error")
	}
}

func TestRecorderPermissionDenied(t *testing.T) {
	t.Parallel()

	dev := &audiomock.CaptureDevice{OpenErr: audio.ErrPermissionDenied}
	r := capture.NewRecorder(dev, recmock.NewStore())

	err := r.StartRecording(t.Context(), "conv-1")
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("StartRecording error = %v, want ErrPermissionDenied", err)
	}
}

func TestRecorderStreamEndReportsError(t *testing.T) {
	t.Parallel()

	dev := &audiomock.CaptureDevice{}
	r := capture.NewRecorder(dev, recmock.NewStore())

	errs := make(chan error, 1)
	r.OnError(func(err error) { errs <- err })

	if err := r.StartRecording(t.Context(), "conv-1"); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}

	// The device dies mid-recording.
	dev.LastStream().Close()

	select {
	case err := <-errs:
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Errorf("callback error = %v, want ErrDeviceUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never invoked")
	}
	if r.IsRecording() {
		t.Error("IsRecording = true after stream ended")
	}
}
