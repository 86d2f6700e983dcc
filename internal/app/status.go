package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadenza-voice/cadenza/internal/health"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/pkg/recording"
)

// statusResponse is the JSON body served on /status. It is a snapshot of the
// engine meant for local dashboards and debugging, not a stable API.
type statusResponse struct {
	Status         string                    `json:"status"`
	SessionID      string                    `json:"session_id,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	OfflineMode    bool                      `json:"offline_mode"`
	PlaybackState  string                    `json:"playback_state"`
	Speaking       bool                      `json:"speaking"`
	Energy         float64                   `json:"energy"`
	PendingCount   int                       `json:"pending_recordings"`
	LastError      string                    `json:"last_error,omitempty"`
	Metrics        statusMetrics             `json:"metrics"`
	Storage        *statusStorage            `json:"storage,omitempty"`
	Transcripts    []session.TranscriptEntry `json:"transcripts,omitempty"`
}

type statusMetrics struct {
	ConnectionTimeMs        int64 `json:"connection_time_ms"`
	TimeToFirstTranscriptMs int64 `json:"time_to_first_transcript_ms"`
	LastSTTLatencyMs        int64 `json:"last_stt_latency_ms"`
	LastResponseLatencyMs   int64 `json:"last_response_latency_ms"`
	UserTranscripts         int   `json:"user_transcripts"`
	AssistantResponses      int   `json:"assistant_responses"`
	Reconnects              int   `json:"reconnects"`
}

type statusStorage struct {
	UsedBytes    int64   `json:"used_bytes"`
	QuotaBytes   int64   `json:"quota_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// StatusHandler returns the local HTTP surface: health probes, the
// Prometheus scrape endpoint for the OTel bridge, and the /status snapshot.
func (a *App) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.healthChecks()).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", a.handleStatus)
	return observe.Middleware(a.met)(mux)
}

func (a *App) statusServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context(), a.log)
	m := a.manager.Metrics()
	resp := statusResponse{
		Status:         string(a.manager.Status()),
		SessionID:      a.manager.SessionID(),
		ConversationID: a.cfg.Session.ConversationID,
		OfflineMode:    a.monitor.IsOfflineMode(),
		PlaybackState:  string(a.player.State()),
		Speaking:       a.detector.IsSpeaking(),
		Energy:         a.detector.Energy(),
		Metrics: statusMetrics{
			ConnectionTimeMs:        m.ConnectionTime.Milliseconds(),
			TimeToFirstTranscriptMs: m.TimeToFirstTranscript.Milliseconds(),
			LastSTTLatencyMs:        m.LastSTTLatency.Milliseconds(),
			LastResponseLatencyMs:   m.LastResponseLatency.Milliseconds(),
			UserTranscripts:         m.UserTranscripts,
			AssistantResponses:      m.AssistantResponses,
			Reconnects:              m.Reconnects,
		},
	}
	if err := a.manager.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if a.syncer != nil {
		if pending, err := a.syncer.Pending(r.Context()); err == nil {
			resp.PendingCount = len(pending)
		} else {
			log.Warn("pending recordings unavailable", "error", err)
		}
	}
	if qr, ok := a.store.(recording.QuotaReporter); ok {
		if quota, err := qr.Usage(r.Context()); err == nil {
			resp.Storage = &statusStorage{
				UsedBytes:    quota.UsedBytes,
				QuotaBytes:   quota.QuotaBytes,
				UsagePercent: quota.Percent(),
			}
		} else {
			log.Warn("storage usage unavailable", "error", err)
		}
	}
	if r.URL.Query().Get("transcripts") == "true" {
		resp.Transcripts = a.manager.Transcripts()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("status encode", "error", err)
	}
}
