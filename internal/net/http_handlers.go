package net

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"lockstepd/internal/lockstep"
	"lockstepd/internal/observability"
	"lockstepd/internal/results"
	"lockstepd/internal/telemetry"
	"lockstepd/logging"
)

const diagnosticsTimeout = 2 * time.Second

// HostLoop runs calls on the host's event loop. lockstep.Host satisfies it.
type HostLoop interface {
	Do(ctx context.Context, fn func(*lockstep.Host)) error
}

// GameHistory lists recorded games. results.Store satisfies it.
type GameHistory interface {
	Games(ctx context.Context) ([]results.GameRecord, error)
}

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Metrics       *logging.Metrics
	Results       GameHistory
	WebSocket     nethttp.Handler
	Observability observability.Config
}

func NewHTTPHandler(host HostLoop, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := telemetry.Or(cfg.Logger)

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), diagnosticsTimeout)
		defer cancel()

		var snapshot lockstep.HostSnapshot
		if err := host.Do(ctx, func(h *lockstep.Host) { snapshot = h.Snapshot() }); err != nil {
			logger.Printf("diagnostics unavailable: %v", err)
			httpError(w, "host unavailable", nethttp.StatusServiceUnavailable)
			return
		}

		payload := struct {
			Status     string                `json:"status"`
			ServerTime int64                 `json:"serverTime"`
			Session    lockstep.HostSnapshot `json:"session"`
			Telemetry  map[string]uint64     `json:"telemetry"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Session:    snapshot,
			Telemetry:  cfg.Metrics.Snapshot(),
		}
		writeJSON(w, payload)
	})

	if cfg.Results != nil {
		mux.HandleFunc("/results", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			if r.Method != nethttp.MethodGet {
				httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
				return
			}
			games, err := cfg.Results.Games(r.Context())
			if err != nil {
				logger.Printf("failed to list results: %v", err)
				httpError(w, "failed to list results", nethttp.StatusInternalServerError)
				return
			}
			if games == nil {
				games = []results.GameRecord{}
			}
			writeJSON(w, struct {
				Games []results.GameRecord `json:"games"`
			}{Games: games})
		})
	}

	if cfg.WebSocket != nil {
		mux.Handle("/ws", cfg.WebSocket)
	}

	if cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Printf("pprof enabled at /debug/pprof/")
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
