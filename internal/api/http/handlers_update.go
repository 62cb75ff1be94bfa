package apihttp

import (
	"net/http"

	"justserve/internal/domain"
)

type installUpdateRequest struct {
	URL string `json:"url"`
}

type installUpdateResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	info := domain.UpdateInfo{}
	if s.updates != nil {
		if cached, ok := s.updates.Latest(); ok {
			info = cached
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.checkUpdate == nil {
		writeJSON(w, http.StatusOK, domain.UpdateInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.checkUpdate.Execute(r.Context()))
}

func (s *Server) handleUpdateInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.installUpdate == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "updates not configured")
		return
	}
	var req installUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.URL == "" && s.updates != nil {
		if cached, ok := s.updates.Latest(); ok && cached.Available {
			req.URL = cached.DownloadURL
		}
	}
	msg, err := s.installUpdate.Execute(r.Context(), req.URL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installUpdateResponse{Message: msg})
}
