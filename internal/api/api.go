// Package api serves the read-only status endpoints. There are no
// mutation routes; the serial command grammar and the aggregator poll
// are the only control paths into the node.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JFreitz/siboltech-node/internal/controller"
	"github.com/JFreitz/siboltech-node/internal/model"
)

// StateSource provides the latest published controller snapshot.
type StateSource interface {
	Snapshot() controller.Snapshot
}

type Server struct {
	state StateSource
}

type StatusResponse struct {
	Device     string               `json:"device"`
	Connected  bool                 `json:"connected"`
	Relays     []RelayStateResponse `json:"relays"`
	Readings   model.Readings       `json:"readings"`
	LastPoll   time.Time            `json:"last_poll"`
	LastUpload time.Time            `json:"last_upload"`
	LastRead   time.Time            `json:"last_read"`
}

type RelayStateResponse struct {
	Relay int    `json:"relay"`
	State string `json:"state"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(state StateSource) *Server {
	return &Server{state: state}
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting status API server")

	return http.ListenAndServe(addr, s.handler())
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleNotFound)

	// CORS middleware so the aggregator dashboard can read the node
	// directly from the browser.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.state.Snapshot()

	relays := make([]RelayStateResponse, len(snap.Relays))
	for i, on := range snap.Relays {
		state := "OFF"
		if on {
			state = "ON"
		}
		relays[i] = RelayStateResponse{Relay: i + 1, State: state}
	}

	response := StatusResponse{
		Device:     snap.Device,
		Connected:  snap.Connected,
		Relays:     relays,
		Readings:   snap.Readings,
		LastPoll:   snap.LastPoll,
		LastUpload: snap.LastUpload,
		LastRead:   snap.LastRead,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "Not found")
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
