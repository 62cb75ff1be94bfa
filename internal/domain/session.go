package domain

import (
	"errors"
	"time"
)

// SessionKind selects which backend serve/tunnel operation a Session drives.
type SessionKind string

const (
	KindLocalServe  SessionKind = "file-serve-local"
	KindPublicServe SessionKind = "file-serve-public"
	KindPortTunnel  SessionKind = "port-tunnel"
)

func (k SessionKind) Valid() bool {
	switch k {
	case KindLocalServe, KindPublicServe, KindPortTunnel:
		return true
	default:
		return false
	}
}

// UsesListenPort reports whether the backend binds Params.Port locally for
// this kind, which is what makes a port conflict recoverable.
func (k SessionKind) UsesListenPort() bool {
	return k == KindLocalServe
}

// ServesContent reports whether the kind needs a content path.
func (k SessionKind) ServesContent() bool {
	return k == KindLocalServe || k == KindPublicServe
}

// RequiresToken reports whether the kind exposes content publicly.
func (k SessionKind) RequiresToken() bool {
	return k == KindPublicServe || k == KindPortTunnel
}

type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionStopping SessionStatus = "stopping"
	SessionFaulted  SessionStatus = "faulted"
)

// Outstanding reports whether the status occupies the single session slot.
func (s SessionStatus) Outstanding() bool {
	return s == SessionStarting || s == SessionActive || s == SessionStopping
}

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines the adjacency list of allowed session transitions.
// Fault and stop resets go straight to idle from any outstanding state.
var validTransitions = map[SessionStatus][]SessionStatus{
	SessionIdle:     {SessionStarting},
	SessionStarting: {SessionActive, SessionFaulted, SessionStopping, SessionIdle},
	SessionActive:   {SessionStopping, SessionIdle},
	SessionStopping: {SessionIdle},
	SessionFaulted:  {SessionIdle, SessionStarting},
}

// CanTransition reports whether a transition from one status to another is valid.
func CanTransition(from, to SessionStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type TunnelProtocol string

const (
	TunnelHTTP TunnelProtocol = "http"
	TunnelTCP  TunnelProtocol = "tcp"
)

func (p TunnelProtocol) Valid() bool {
	return p == TunnelHTTP || p == TunnelTCP
}

// SessionParams carries every input a serve or tunnel start may need.
type SessionParams struct {
	Port        int            `json:"port,omitempty"`
	ContentPath string         `json:"contentPath,omitempty"`
	Password    string         `json:"-"`
	AllowUpload bool           `json:"allowUpload"`
	AuthToken   string         `json:"-"`
	Protocol    TunnelProtocol `json:"protocol,omitempty"`
}

type Session struct {
	ID          string        `json:"id"`
	Kind        SessionKind   `json:"kind"`
	Params      SessionParams `json:"params"`
	Status      SessionStatus `json:"status"`
	ResolvedURL string        `json:"resolvedUrl,omitempty"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
