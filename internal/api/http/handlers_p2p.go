package apihttp

import (
	"encoding/json"
	"net/http"
	"time"

	"justserve/internal/domain"
)

type p2pSendRequest struct {
	Path string `json:"path"`
}

type p2pConnectRequest struct {
	Address string `json:"address"`
}

type p2pDiscoverRequest struct {
	TimeoutSeconds json.Number `json:"timeoutSeconds"`
}

type p2pDiscoverResponse struct {
	Peers []domain.Peer `json:"peers"`
}

const maxDiscoverySeconds = 60

func (s *Server) handleP2PSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req p2pSendRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	p2p, err := s.sessions.StartP2PSend(r.Context(), req.Path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p2p)
}

func (s *Server) handleP2PConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req p2pConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	p2p, err := s.sessions.ConnectToPeer(r.Context(), req.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p2p)
}

func (s *Server) handleP2PStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.sessions.StopP2P(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "stopped"})
}

// handleP2PDiscover always answers 200; a failed or timed out round is an
// empty peer list.
func (s *Server) handleP2PDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req p2pDiscoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	timeout, err := discoveryTimeout(req.TimeoutSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	peers := s.sessions.DiscoverPeers(r.Context(), timeout)
	if peers == nil {
		peers = []domain.Peer{}
	}
	writeJSON(w, http.StatusOK, p2pDiscoverResponse{Peers: peers})
}

// discoveryTimeout returns 0 (client default) when no timeout was given.
func discoveryTimeout(raw json.Number) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := raw.Float64()
	if err != nil || secs <= 0 || secs > maxDiscoverySeconds {
		return 0, domain.Validationf("timeoutSeconds must be between 0 and %d", maxDiscoverySeconds)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
