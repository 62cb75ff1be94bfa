package apihttp

import (
	"net/http"
	"strings"

	"justserve/internal/domain"
)

type startSessionRequest struct {
	Kind        domain.SessionKind    `json:"kind"`
	Port        int                   `json:"port"`
	ContentPath string                `json:"contentPath"`
	Password    string                `json:"password"`
	AllowUpload bool                  `json:"allowUpload"`
	AuthToken   string                `json:"authToken"`
	Protocol    domain.TunnelProtocol `json:"protocol"`
}

type startSessionResponse struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req startSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	url, err := s.sessions.StartSession(r.Context(), domain.SessionKind(strings.TrimSpace(string(req.Kind))), domain.SessionParams{
		Port:        req.Port,
		ContentPath: strings.TrimSpace(req.ContentPath),
		Password:    req.Password,
		AllowUpload: req.AllowUpload,
		AuthToken:   strings.TrimSpace(req.AuthToken),
		Protocol:    domain.TunnelProtocol(strings.ToLower(strings.TrimSpace(string(req.Protocol)))),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startSessionResponse{URL: url})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.sessions.StopSession(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stopped"})
}

func (s *Server) handleAcknowledgeFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.sessions.AcknowledgeFault(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}
