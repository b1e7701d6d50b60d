// SPDX-License-Identifier: Apache-2.0

// server.go hosts the ops HTTP endpoints using standard net/http.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type Server struct {
	mux    *http.ServeMux
	server *http.Server
	app    *App
}

func NewServer(addr string, app *App) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		mux: mux,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%v", addr),
			Handler: mux,
		},
		app: app,
	}
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/status", srv.handleStatus)
	return srv
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`ok`))
}

// handleStatus reports the last sweep summary as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := struct {
		Time      time.Time          `json:"time"`
		LastSweep escalationSnapshot `json:"last_sweep"`
	}{
		Time: time.Now().UTC(),
	}
	if s.app != nil && s.app.Processor != nil {
		last := s.app.Processor.LastSummary()
		status.LastSweep = escalationSnapshot{
			Total:      last.Total,
			Processed:  last.Processed,
			Skipped:    last.Skipped,
			Errors:     len(last.Errors),
			StartedAt:  last.StartedAt,
			FinishedAt: last.FinishedAt,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Error("failed to write status response", "err", err)
	}
}

type escalationSnapshot struct {
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Start runs the HTTP server (blocking).
func (s *Server) Start() error {
	slog.Info("starting server", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
