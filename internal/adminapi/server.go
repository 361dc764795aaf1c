// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package adminapi exposes a broker's Snapshot over a small read-only HTTP
// surface, for dashboards and health checks. It never mutates broker state:
// there is no submit/cancel endpoint here, only introspection.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"remus/internal/broker"
	"remus/internal/logger"
)

// SnapshotSource is the subset of *broker.Broker this package depends on.
// Defining it as an interface keeps adminapi testable without a running
// broker and without pulling in ZeroMQ sockets.
type SnapshotSource interface {
	Snapshot() broker.Snapshot
}

// Server serves read-only broker introspection endpoints.
type Server struct {
	source SnapshotSource
	logger zerolog.Logger
	server *http.Server
}

// New creates a Server backed by source.
func New(source SnapshotSource) *Server {
	return &Server{
		source: source,
		logger: logger.New(),
	}
}

// Handler builds the mux router for this server, exported separately from
// Start so tests can exercise routes with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return router
}

// Start binds address and serves until the process calls Stop. It returns
// once the listener is closed, mirroring http.Server.ListenAndServe.
func (s *Server) Start(address string) error {
	s.server = &http.Server{
		Addr:         address,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("address", address).Msg("starting admin API server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the server, if it was started.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("admin API request")
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusResponse is the JSON shape of GET /api/v1/status.
type statusResponse struct {
	StartTime      time.Time `json:"startTime"`
	Uptime         string    `json:"uptime"`
	Tick           uint64    `json:"tick"`
	QueueLength    int       `json:"queueLength"`
	WorkerCount    int       `json:"workerCount"`
	ActiveJobs     int       `json:"activeJobs"`
	ClientFramesIn uint64    `json:"clientFramesIn"`
	WorkerFramesIn uint64    `json:"workerFramesIn"`
	Dispatches     uint64    `json:"dispatches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	s.sendJSON(w, http.StatusOK, statusResponse{
		StartTime:      snap.StartTime,
		Uptime:         time.Since(snap.StartTime).String(),
		Tick:           snap.Tick,
		QueueLength:    snap.QueueLength,
		WorkerCount:    len(snap.Workers),
		ActiveJobs:     snap.ActiveJobs,
		ClientFramesIn: snap.ClientFramesIn,
		WorkerFramesIn: snap.WorkerFramesIn,
		Dispatches:     snap.Dispatches,
	})
}

// workerResponse is the JSON shape of one entry in GET /api/v1/workers.
type workerResponse struct {
	Address    string    `json:"address"`
	MeshType   string    `json:"meshType"`
	WorkerName string    `json:"workerName"`
	State      string    `json:"state"`
	Expiry     time.Time `json:"expiry"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	out := make([]workerResponse, 0, len(snap.Workers))
	for _, worker := range snap.Workers {
		out = append(out, workerResponse{
			Address:    worker.Address,
			MeshType:   worker.Requirements.MeshType.String(),
			WorkerName: worker.Requirements.WorkerName,
			State:      worker.State,
			Expiry:     worker.Expiry,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
