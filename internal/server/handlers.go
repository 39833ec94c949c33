package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Recording bool            `json:"recording"`
	Formats   string          `json:"formats"`
	Uptime    string          `json:"uptime"`
	Pipeline  *recorder.Stats `json:"pipeline,omitempty"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Recording: s.recorder.IsRecording(),
		Formats:   s.recorder.Snapshot().String(),
	}
	s.mu.Lock()
	if !s.startTime.IsZero() {
		resp.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}
	s.mu.Unlock()
	if p := s.recorder.Current(); p != nil {
		st := p.Stats()
		resp.Pipeline = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *StatusServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
