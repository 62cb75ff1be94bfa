package ports

import (
	"context"
	"time"

	"justserve/internal/domain"
)

// SessionBackend starts and stops serve/tunnel sessions in the backend process.
type SessionBackend interface {
	StartLocalServe(ctx context.Context, params domain.SessionParams) (string, error)
	StartPublicServe(ctx context.Context, params domain.SessionParams) (string, error)
	StartTunnel(ctx context.Context, params domain.SessionParams) (string, error)
	StopSession(ctx context.Context) error
}

type P2PBackend interface {
	StartP2PSend(ctx context.Context, path string) (domain.SendDescriptor, error)
	StopP2P(ctx context.Context) error
	ConnectP2P(ctx context.Context, address string) (domain.PeerDescriptor, error)
}

type DiscoveryBackend interface {
	DiscoverPeers(ctx context.Context, timeout time.Duration) ([]domain.Peer, error)
}

type UpdateBackend interface {
	CheckUpdate(ctx context.Context) (domain.UpdateInfo, error)
	InstallUpdate(ctx context.Context, downloadURL string) (string, error)
}

// Backend is the full RPC surface of the backend process.
type Backend interface {
	SessionBackend
	P2PBackend
	DiscoveryBackend
	UpdateBackend
}
