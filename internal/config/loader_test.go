package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/mock"
	"github.com/cadenza-voice/cadenza/pkg/vad"
	"github.com/cadenza-voice/cadenza/pkg/vad/energy"
)

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
app:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
vad:
  energy_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "energy_threshold") {
		t.Errorf("error should mention energy_threshold, got: %v", err)
	}
}

func TestValidate_VolumeOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  playback:
    volume: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range volume, got nil")
	}
	if !strings.Contains(err.Error(), "volume") {
		t.Errorf("error should mention volume, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
app:
  log_level: loud
audio:
  capture:
    channels: 7
vad:
  energy_threshold: -0.1
recording:
  quota_bytes: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log_level", "channels", "energy_threshold", "quota_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_MinimalConfigIsValid(t *testing.T) {
	t.Parallel()
	// Everything has a default or degrades with a warning: an empty file is a
	// legal, offline-only configuration.
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryCreateAndMiss(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterVAD("energy", func(cfg config.VADConfig) (vad.Engine, error) {
		return energy.Engine{}, nil
	})
	reg.RegisterCapture("mock", func(config.DeviceConfig) (audio.CaptureDevice, error) {
		return &mock.CaptureDevice{}, nil
	})
	reg.RegisterOutput("mock", func(config.PlaybackConfig) (audio.OutputDevice, error) {
		return &mock.OutputDevice{}, nil
	})

	if _, err := reg.CreateVAD(config.VADConfig{Engine: "energy"}); err != nil {
		t.Errorf("CreateVAD(energy) = %v", err)
	}
	if _, err := reg.CreateCapture(config.DeviceConfig{Backend: "mock"}); err != nil {
		t.Errorf("CreateCapture(mock) = %v", err)
	}
	if _, err := reg.CreateOutput(config.PlaybackConfig{DeviceConfig: config.DeviceConfig{Backend: "mock"}}); err != nil {
		t.Errorf("CreateOutput(mock) = %v", err)
	}

	_, err := reg.CreateVAD(config.VADConfig{Engine: "silero"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateVAD(silero) = %v, want ErrBackendNotRegistered", err)
	}
}
