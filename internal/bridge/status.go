package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// statusServer is the bridge's small operational surface: a health
// endpoint, the Prometheus scrape endpoint, and a websocket that streams
// periodic status snapshots to plant dashboards.
type statusServer struct {
	logger  *zap.Logger
	bridge  *Bridge
	server  *http.Server
	upgrade websocket.Upgrader
}

// statusSnapshot is one frame on the websocket and the /healthz body.
type statusSnapshot struct {
	ControlPlaneConnected bool      `json:"control_plane_connected"`
	UptimeSeconds         int64     `json:"uptime_seconds"`
	Time                  time.Time `json:"time"`
}

func newStatusServer(b *Bridge, addr string, logger *zap.Logger) *statusServer {
	s := &statusServer{
		logger: logger,
		bridge: b,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from anywhere on the plant network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(b.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWebsocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *statusServer) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("bridge: status server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Warn("bridge: status server stopped", zap.Error(err))
	}
}

func (s *statusServer) snapshot() statusSnapshot {
	return statusSnapshot{
		ControlPlaneConnected: s.bridge.client.IsConnected(),
		UptimeSeconds:         int64(time.Since(s.bridge.started).Seconds()),
		Time:                  time.Now().UTC(),
	}
}

func (s *statusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !snap.ControlPlaneConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("bridge: health encode failed", zap.Error(err))
	}
}

// handleWebsocket pushes a status snapshot every few seconds until the
// client goes away.
func (s *statusServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		payload, err := json.Marshal(s.snapshot())
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// statusAddr renders the configured port as a listen address.
func statusAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
