// Package app wires all Cadenza subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local status surface until the context is
// cancelled, and Shutdown tears everything down.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithCaptureDevice, etc.). When an option is not provided, New
// creates real implementations from the config via the backend registry.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-voice/cadenza/internal/capture"
	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/internal/health"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/resilience"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/playback"
	"github.com/cadenza-voice/cadenza/pkg/audio/portaudio"
	"github.com/cadenza-voice/cadenza/pkg/auth"
	"github.com/cadenza-voice/cadenza/pkg/recording"
	"github.com/cadenza-voice/cadenza/pkg/recording/postgres"
	"github.com/cadenza-voice/cadenza/pkg/vad"
	"github.com/cadenza-voice/cadenza/pkg/vad/energy"
)

// App owns all subsystem lifetimes and orchestrates the Cadenza voice engine.
type App struct {
	cfg *config.Config
	log *slog.Logger
	met *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	creds    auth.Provider
	capture  audio.CaptureDevice
	output   audio.OutputDevice
	vadEng   vad.Engine
	detector *vad.Detector
	player   *playback.Engine
	manager  *session.Manager
	store    recording.Store
	uploader recording.Uploader
	pinger   func(context.Context) error
	recorder *capture.Recorder
	monitor  *capture.Monitor
	syncer   *capture.Syncer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a recording store instead of connecting to PostgreSQL.
func WithStore(s recording.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCaptureDevice injects a capture device instead of creating one from
// the registry.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(a *App) { a.capture = d }
}

// WithOutputDevice injects an output device instead of creating one from
// the registry.
func WithOutputDevice(d audio.OutputDevice) Option {
	return func(a *App) { a.output = d }
}

// WithVADEngine injects a VAD engine instead of creating one from the
// registry.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vadEng = e }
}

// WithCredentials injects a credential provider instead of building one from
// the auth config.
func WithCredentials(p auth.Provider) Option {
	return func(a *App) { a.creds = p }
}

// WithUploader injects a recording uploader. Without one (and without a
// configured upload endpoint), sync is disabled and recordings stay pending.
func WithUploader(u recording.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// WithLogger sets the application logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics injects a Metrics instance; the default uses the global OTel
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// DefaultRegistry returns a registry with the built-in backends registered:
// portaudio devices and the energy VAD engine.
func DefaultRegistry(log *slog.Logger) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterCapture("portaudio", func(config.DeviceConfig) (audio.CaptureDevice, error) {
		return portaudio.NewCaptureDevice(log), nil
	})
	reg.RegisterOutput("portaudio", func(config.PlaybackConfig) (audio.OutputDevice, error) {
		return portaudio.NewOutputDevice(log), nil
	})
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.Engine{}, nil
	})
	return reg
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem; what is not injected is built
// from cfg via reg (nil selects [DefaultRegistry]).
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.met == nil {
		a.met = observe.DefaultMetrics()
	}
	if reg == nil {
		reg = DefaultRegistry(a.log)
	}

	if err := a.initDevices(reg); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}
	a.initAuth()
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initCapture()
	a.initSession()
	a.wireMetrics()

	return a, nil
}

// initDevices builds the audio devices, the playback engine, and the VAD
// detector.
func (a *App) initDevices(reg *config.Registry) error {
	if a.capture == nil {
		backend := a.cfg.Audio.Capture
		if backend.Backend == "" {
			backend.Backend = "portaudio"
		}
		dev, err := reg.CreateCapture(backend)
		if err != nil {
			return fmt.Errorf("capture backend: %w", err)
		}
		a.capture = dev
	}
	if a.output == nil {
		backend := a.cfg.Playback()
		if backend.Backend == "" {
			backend.Backend = "portaudio"
		}
		dev, err := reg.CreateOutput(backend)
		if err != nil {
			return fmt.Errorf("output backend: %w", err)
		}
		a.output = dev
	}
	if a.vadEng == nil {
		vcfg := a.cfg.VAD
		if vcfg.Engine == "" {
			vcfg.Engine = "energy"
		}
		eng, err := reg.CreateVAD(vcfg)
		if err != nil {
			return fmt.Errorf("vad backend: %w", err)
		}
		a.vadEng = eng
	}

	playbackOpts := []playback.Option{playback.WithLogger(a.log)}
	if pc := a.cfg.Audio.Playback.DeviceConfig; pc.SampleRate > 0 {
		playbackOpts = append(playbackOpts, playback.WithStreamConfig(audio.StreamConfig{
			SampleRate:  pc.SampleRate,
			Channels:    max(pc.Channels, 1),
			FrameSizeMs: pc.FrameSizeMs,
		}))
	}
	a.player = playback.New(a.output, playbackOpts...)
	a.player.SetVolume(a.cfg.Playback().Volume)
	a.closers = append(a.closers, a.player.Close)

	a.detector = vad.NewDetector(a.vadEng, a.vadConfig(), a.log)
	return nil
}

// vadConfig merges the configured tuning with the energy engine defaults.
func (a *App) vadConfig() vad.Config {
	cfg := energy.DefaultConfig()
	if sr := a.cfg.Audio.Capture.SampleRate; sr > 0 {
		cfg.SampleRate = sr
	}
	if fs := a.cfg.Audio.Capture.FrameSizeMs; fs > 0 {
		cfg.FrameSizeMs = fs
	}
	if t := a.cfg.VAD.EnergyThreshold; t > 0 {
		cfg.EnergyThreshold = t
	}
	if d := a.cfg.VAD.MinSpeechDuration.Std(); d > 0 {
		cfg.MinSpeechDuration = d
	}
	if d := a.cfg.VAD.MaxSilenceDuration.Std(); d > 0 {
		cfg.MaxSilenceDuration = d
	}
	return cfg
}

// initAuth builds the credential provider. A token endpoint selects the
// refreshing HTTP provider; a bare API key degrades to a static credential
// for development setups.
func (a *App) initAuth() {
	if a.creds != nil {
		return
	}
	ac := a.cfg.Auth
	if ac.TokenEndpoint != "" {
		var hopts []auth.HTTPOption
		if d := ac.RefreshLeeway.Std(); d > 0 {
			hopts = append(hopts, auth.WithRefreshLeeway(d))
		}
		a.creds = auth.NewHTTPProvider(ac.TokenEndpoint, ac.APIKey, hopts...)
		return
	}
	a.creds = auth.Static{Cred: auth.Credential{Token: ac.APIKey}}
}

// initStore connects the PostgreSQL recording store when configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Recording.PostgresDSN
	if dsn == "" {
		return nil // offline capture disabled, warned at config load
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Recording.QuotaBytes)
	if err != nil {
		return err
	}
	a.store = store
	a.pinger = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initCapture builds the offline capture stack: connectivity monitor,
// recorder, and syncer.
func (a *App) initCapture() {
	a.monitor = capture.NewMonitor(a.cfg.Recording.ForceOffline, a.log)

	if a.store == nil {
		return
	}

	recorderOpts := []capture.RecorderOption{capture.WithLogger(a.log)}
	if cc := a.cfg.Audio.Capture; cc.SampleRate > 0 {
		recorderOpts = append(recorderOpts, capture.WithStreamConfig(audio.StreamConfig{
			SampleRate:  cc.SampleRate,
			Channels:    max(cc.Channels, 1),
			FrameSizeMs: cc.FrameSizeMs,
		}))
	}
	a.recorder = capture.NewRecorder(a.capture, a.store, recorderOpts...)

	if a.uploader == nil && a.cfg.Recording.UploadEndpoint != "" {
		// Guarded so a dead intake endpoint doesn't burn a full retry pass
		// per pending recording.
		a.uploader = resilience.NewUploadGuard(
			recording.NewHTTPUploader(a.cfg.Recording.UploadEndpoint, a.creds),
			resilience.CircuitBreakerConfig{},
		)
	}
	a.syncer = capture.NewSyncer(a.store, a.uploader, a.monitor, a.log)
}

// initSession builds the session manager over the shared devices.
func (a *App) initSession() {
	sc := a.cfg.Session
	mcfg := session.Config{
		Endpoint:       sc.Endpoint,
		ConversationID: sc.ConversationID,
		ReadyTimeout:   sc.ReadyTimeout.Std(),
		MaxReconnects:  sc.MaxReconnects,
		Backoff:        sc.Backoff.Std(),
		MaxBackoff:     sc.MaxBackoff.Std(),
	}
	if sc.Voice != "" {
		v := sc.Voice
		mcfg.Voice = &v
	}
	if sc.Language != "" {
		l := sc.Language
		mcfg.Language = &l
	}
	if t := a.cfg.VAD.EnergyThreshold; t > 0 {
		mcfg.VADSensitivity = &t
	}
	if cc := a.cfg.Audio.Capture; cc.SampleRate > 0 {
		mcfg.Capture = audio.StreamConfig{
			SampleRate:  cc.SampleRate,
			Channels:    max(cc.Channels, 1),
			FrameSizeMs: cc.FrameSizeMs,
		}
	}

	a.manager = session.New(mcfg, a.creds, a.capture, a.player, a.detector,
		session.WithLogger(a.log))

	// Connectivity follows the session: a live session proves the network,
	// and regaining it triggers a sync pass for anything captured offline.
	// When reconnection is exhausted, capture diverts to the local recorder
	// so the user's speech is not lost.
	a.manager.OnStatusChange(func(old, next session.Status) {
		ctx := context.Background()
		switch next {
		case session.StatusReady:
			a.met.ActiveSessions.Add(ctx, 1)
			if ct := a.manager.Metrics().ConnectionTime; ct > 0 {
				a.met.ConnectDuration.Record(ctx, ct.Seconds())
			}
			if old == session.StatusReconnecting {
				a.met.RecordReconnect(ctx)
			}
			a.monitor.SetOnline(true)
			a.stopDiversion(ctx)
			if a.syncer != nil {
				go a.syncPass(ctx)
			}
		case session.StatusReconnecting, session.StatusError, session.StatusDisconnected:
			if old == session.StatusReady {
				a.met.ActiveSessions.Add(ctx, -1)
			}
			a.monitor.SetOnline(false)
			if next == session.StatusError {
				a.startDiversion(ctx)
			}
		}
	})
}

// startDiversion begins a local recording when the session is gone for good
// (reconnection exhausted or a terminal failure). Brief reconnects do not
// divert; the microphone belongs to the session until it gives up.
func (a *App) startDiversion(ctx context.Context) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.StartRecording(ctx, a.cfg.Session.ConversationID); err != nil {
		a.log.Warn("offline capture not started", "error", err)
		return
	}
	a.log.Info("session lost, diverting capture to local recording")
}

// stopDiversion persists any diverted recording once the session is back.
func (a *App) stopDiversion(ctx context.Context) {
	if a.recorder == nil {
		return
	}
	rec, err := a.recorder.StopRecording(ctx)
	if err != nil {
		a.log.Warn("persisting diverted recording", "error", err)
		return
	}
	if rec != nil {
		a.met.PendingRecordings.Add(ctx, 1)
		a.log.Info("diverted recording persisted", "recording_id", rec.ID)
	}
}

// syncPass runs one sync pass and mirrors the outcome into the metrics.
func (a *App) syncPass(ctx context.Context) {
	res, err := a.syncer.SyncPending(ctx)
	if err != nil {
		a.log.Warn("sync pass incomplete", "error", err)
	}
	for i := 0; i < res.Uploaded; i++ {
		a.met.RecordSyncUpload(ctx, "uploaded")
	}
	for i := 0; i < res.Failed; i++ {
		a.met.RecordSyncUpload(ctx, "failed")
	}
	if res.Uploaded > 0 {
		a.met.PendingRecordings.Add(ctx, -int64(res.Uploaded))
	}
}

// wireMetrics feeds the OTel instruments from subsystem callbacks.
func (a *App) wireMetrics() {
	ctx := context.Background()

	a.detector.OnSpeechEnd(func() {
		a.met.RecordSpeechSegment(ctx)
	})

	a.manager.OnTranscript(func(e session.TranscriptEntry) {
		if !e.Final {
			return
		}
		m := a.manager.Metrics()
		switch e.Role {
		case "user":
			if m.LastSTTLatency > 0 {
				a.met.STTLatency.Record(ctx, m.LastSTTLatency.Seconds())
			}
		case "assistant":
			if m.LastResponseLatency > 0 {
				a.met.ResponseLatency.Record(ctx, m.LastResponseLatency.Seconds())
			}
		}
	})

	// Underruns and drops are cumulative counters on the engine; mirror the
	// deltas on each state change. The callback fires from both the playback
	// loop and Stop callers, hence the lock.
	var (
		playbackMu   sync.Mutex
		lastPlayback playback.Metrics
	)
	a.player.OnStateChange(func(old, next playback.State) {
		m := a.player.Metrics()
		if old == playback.StateBuffering && next == playback.StatePlaying && m.TimeToFirstAudio > 0 {
			a.met.TimeToFirstAudio.Record(ctx, m.TimeToFirstAudio.Seconds())
		}
		playbackMu.Lock()
		underruns := m.Underruns - lastPlayback.Underruns
		dropped := m.ChunksDropped - lastPlayback.ChunksDropped
		if underruns > 0 {
			lastPlayback.Underruns = m.Underruns
		}
		if dropped > 0 {
			lastPlayback.ChunksDropped = m.ChunksDropped
		}
		playbackMu.Unlock()
		if underruns > 0 {
			a.met.PlaybackUnderruns.Add(ctx, int64(underruns))
		}
		if dropped > 0 {
			a.met.ChunksDropped.Add(ctx, int64(dropped))
		}
	})
}

// Manager exposes the session manager for callers driving conversations.
func (a *App) Manager() *session.Manager { return a.manager }

// Recorder exposes the offline capture recorder, nil when storage is not
// configured.
func (a *App) Recorder() *capture.Recorder { return a.recorder }

// Syncer exposes the recording syncer, nil when storage is not configured.
func (a *App) Syncer() *capture.Syncer { return a.syncer }

// Monitor exposes the connectivity monitor.
func (a *App) Monitor() *capture.Monitor { return a.monitor }

// Player exposes the playback engine.
func (a *App) Player() *playback.Engine { return a.player }

// Detector exposes the VAD detector.
func (a *App) Detector() *vad.Detector { return a.detector }

// ApplyDiff hot-applies a config change produced by [config.Diff]. Non
// hot-reloadable fields are ignored; the watcher logs what requires a
// restart.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.VADChanged {
		a.detector.UpdateConfig(d.VADUpdate)
		a.log.Info("applied VAD tuning update")
	}
	if d.VolumeChanged {
		a.player.SetVolume(d.NewVolume)
		a.log.Info("applied playback volume", "volume", d.NewVolume)
	}
	if d.ForceOfflineChanged {
		a.monitor.ForceOffline(d.NewForceOffline)
		a.log.Info("applied offline mode override", "forced", d.NewForceOffline)
	}
}

// Run connects the session when an endpoint is configured, serves the local
// status surface, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Session.Endpoint != "" {
		g.Go(func() error {
			if err := a.player.Warmup(); err != nil {
				a.log.Warn("playback warmup failed", "error", err)
			}
			if err := a.manager.Connect(ctx); err != nil {
				// Terminal connect failures leave the engine in offline
				// capture mode rather than killing the process.
				a.log.Error("initial connect failed", "error", err)
			}
			return nil
		})
	}

	if addr := a.cfg.App.StatusAddr; addr != "" {
		srv := a.statusServer(addr)
		g.Go(func() error {
			a.log.Info("status endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	a.log.Info("cadenza running",
		"conversation_id", a.cfg.Session.ConversationID,
		"offline_capture", a.store != nil)
	return g.Wait()
}

// healthChecks assembles the readiness checks for the status surface.
func (a *App) healthChecks() []health.Check {
	var checks []health.Check
	if a.pinger != nil {
		checks = append(checks, health.Check{Name: "recording_store", Run: a.pinger})
	}
	checks = append(checks, health.Check{
		Name: "credentials",
		Run: func(ctx context.Context) error {
			_, err := a.creds.Credential(ctx)
			return err
		},
	})
	return checks
}

// Shutdown disconnects the session and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.manager.Disconnect(); err != nil {
			a.log.Warn("session disconnect error", "error", err)
		}
		if a.recorder != nil {
			// An in-flight offline recording is worth keeping.
			if rec, err := a.recorder.StopRecording(ctx); err != nil {
				a.log.Warn("final recording not persisted", "error", err)
			} else if rec != nil {
				a.log.Info("persisted in-flight recording", "id", rec.ID)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
