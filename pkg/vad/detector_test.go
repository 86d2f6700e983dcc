package vad_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	audiomock "github.com/cadenza-voice/cadenza/pkg/audio/mock"
	"github.com/cadenza-voice/cadenza/pkg/vad"
	vadmock "github.com/cadenza-voice/cadenza/pkg/vad/mock"
)

func openStream(t *testing.T) (*audiomock.CaptureDevice, *audiomock.CaptureStream) {
	t.Helper()
	dev := &audiomock.CaptureDevice{}
	if _, err := dev.Open(t.Context(), audio.StreamConfig{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return dev, dev.LastStream()
}

func waitCond(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDetectorDispatchesCallbacks(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.Silence, Energy: 0.01},
		{Type: vad.SpeechStart, Energy: 0.2},
		{Type: vad.SpeechContinue, Energy: 0.3},
		{Type: vad.SpeechEnd, Energy: 0.01},
	}}
	engine := &vadmock.Engine{Session: sess}
	d := vad.NewDetector(engine, vad.Config{SampleRate: 16000, FrameSizeMs: 20}, nil)

	var mu sync.Mutex
	var starts, ends int
	var energies []float64
	d.OnSpeechStart(func() { mu.Lock(); starts++; mu.Unlock() })
	d.OnSpeechEnd(func() { mu.Lock(); ends++; mu.Unlock() })
	d.OnEnergy(func(e float64) { mu.Lock(); energies = append(energies, e); mu.Unlock() })

	_, stream := openStream(t)
	if err := d.Attach(stream); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	defer d.Detach()

	frame := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	for range 4 {
		stream.Push(frame)
	}

	waitCond(t, "all frames processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(energies) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	if starts != 1 {
		t.Errorf("speech start fired %d times, want 1", starts)
	}
	if ends != 1 {
		t.Errorf("speech end fired %d times, want 1", ends)
	}
	if energies[1] != 0.2 || energies[3] != 0.01 {
		t.Errorf("energies = %v, want per-frame values in order", energies)
	}
}

func TestDetectorSpeakingState(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Events: []vad.Event{
		{Type: vad.SpeechStart, Energy: 0.2},
	}}
	d := vad.NewDetector(&vadmock.Engine{Session: sess}, vad.Config{}, nil)

	_, stream := openStream(t)
	if err := d.Attach(stream); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	defer d.Detach()

	if d.IsSpeaking() {
		t.Error("IsSpeaking true before any frame")
	}
	stream.Push(audio.Frame{Data: make([]byte, 640)})
	waitCond(t, "speaking state", d.IsSpeaking)

	if got := d.Energy(); got != 0.2 {
		t.Errorf("Energy() = %v, want 0.2", got)
	}
}

func TestDetectorAttachTwiceFails(t *testing.T) {
	t.Parallel()

	d := vad.NewDetector(&vadmock.Engine{}, vad.Config{}, nil)
	_, stream := openStream(t)
	if err := d.Attach(stream); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	defer d.Detach()

	_, second := openStream(t)
	if err := d.Attach(second); err == nil {
		t.Error("second Attach succeeded, want error")
	}
}

func TestDetectorAttachEngineFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("model not loaded")
	d := vad.NewDetector(&vadmock.Engine{NewSessionErr: wantErr}, vad.Config{}, nil)

	_, stream := openStream(t)
	if err := d.Attach(stream); !errors.Is(err, wantErr) {
		t.Errorf("Attach error = %v, want %v", err, wantErr)
	}
}

func TestDetectorDetach(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	d := vad.NewDetector(&vadmock.Engine{Session: sess}, vad.Config{}, nil)

	_, stream := openStream(t)
	if err := d.Attach(stream); err != nil {
		t.Fatalf("Attach error: %v", err)
	}

	d.Detach()
	d.Detach() // idempotent

	if !stream.Closed() {
		t.Error("capture stream not closed by Detach")
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCallCount)
	}

	// A fresh attach works after detaching.
	_, next := openStream(t)
	if err := d.Attach(next); err != nil {
		t.Fatalf("re-Attach error: %v", err)
	}
	d.Detach()
}

func TestDetectorUpdateConfigForwarded(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	d := vad.NewDetector(&vadmock.Engine{Session: sess}, vad.Config{}, nil)

	_, stream := openStream(t)
	if err := d.Attach(stream); err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	defer d.Detach()

	threshold := 0.04
	d.UpdateConfig(vad.Update{EnergyThreshold: &threshold})

	if len(sess.UpdateConfigCalls) != 1 {
		t.Fatalf("UpdateConfig forwarded %d times, want 1", len(sess.UpdateConfigCalls))
	}
	if got := sess.UpdateConfigCalls[0].EnergyThreshold; got == nil || *got != threshold {
		t.Errorf("forwarded threshold = %v, want %v", got, threshold)
	}
}
