package config

import "github.com/cadenza-voice/cadenza/pkg/vad"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (device backends, endpoints, storage) requires a restart.
type ConfigDiff struct {
	// VADChanged is true if any VAD tuning parameter changed. VADUpdate
	// carries only the changed fields, ready to hand to a live detector.
	VADChanged bool
	VADUpdate  vad.Update

	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float64

	ForceOfflineChanged bool
	NewForceOffline     bool
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.VADChanged && !d.LogLevelChanged && !d.VolumeChanged && !d.ForceOfflineChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.App.LogLevel != new.App.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.App.LogLevel
	}

	if old.VAD.EnergyThreshold != new.VAD.EnergyThreshold {
		t := new.VAD.EnergyThreshold
		d.VADUpdate.EnergyThreshold = &t
		d.VADChanged = true
	}
	if old.VAD.MinSpeechDuration != new.VAD.MinSpeechDuration {
		v := new.VAD.MinSpeechDuration.Std()
		d.VADUpdate.MinSpeechDuration = &v
		d.VADChanged = true
	}
	if old.VAD.MaxSilenceDuration != new.VAD.MaxSilenceDuration {
		v := new.VAD.MaxSilenceDuration.Std()
		d.VADUpdate.MaxSilenceDuration = &v
		d.VADChanged = true
	}

	if old.Playback().Volume != new.Playback().Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Playback().Volume
	}

	if old.Recording.ForceOffline != new.Recording.ForceOffline {
		d.ForceOfflineChanged = true
		d.NewForceOffline = new.Recording.ForceOffline
	}

	return d
}
