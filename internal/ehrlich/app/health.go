package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nmattis/ehrlichgpt/common/version"
)

// HealthServer exposes /health and /status over HTTP. It is optional; the
// bot runs without it when health.addr is empty.
type HealthServer struct {
	addr      string
	status    statusProvider
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
	logger    *slog.Logger
}

// statusProvider reports what the bot currently holds in memory.
type statusProvider interface {
	ChannelCount() int
	ConsolidatingCount() int
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	healthResponse
	BuildTime     string    `json:"build_time"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	Channels      int       `json:"channels"`
	Consolidating int       `json:"consolidating"`
}

// NewHealthServer configures the server without starting it.
func NewHealthServer(addr string, sp statusProvider, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		status:    sp,
		startedAt: time.Now(),
		mux:       mux,
		logger:    logger,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start listens in the background. It returns once the listener is open.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		h.logger.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server stopped", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, okResponse())
}

func okResponse() healthResponse {
	return healthResponse{Status: "ok", Version: version.Version, Commit: version.Commit()}
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	resp := statusResponse{
		healthResponse: okResponse(),
		BuildTime:      version.Built(),
		StartedAt:      h.startedAt,
		Uptime:         strings.TrimSpace(humanize.RelTime(h.startedAt, now, "", "")),
		UptimeSecs:     now.Sub(h.startedAt).Seconds(),
	}
	if h.status != nil {
		resp.Channels = h.status.ChannelCount()
		resp.Consolidating = h.status.ConsolidatingCount()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("health: encode response", "err", err)
	}
}
