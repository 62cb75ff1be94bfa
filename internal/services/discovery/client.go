package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
	"justserve/internal/metrics"
)

const (
	DefaultTimeout = 5 * time.Second
	maxReplyMargin = 500 * time.Millisecond
)

type LogSink interface {
	Append(category domain.LogCategory, message string) domain.LogEntry
}

// Client runs bounded peer discovery rounds against the backend. A round
// never fails: errors and timeouts produce an empty list plus a log notice.
type Client struct {
	backend        ports.DiscoveryBackend
	logs           LogSink
	logger         *slog.Logger
	defaultTimeout time.Duration

	discovering atomic.Bool

	mu        sync.RWMutex
	peers     []domain.Peer
	listeners []func()
}

func NewClient(backend ports.DiscoveryBackend, logs LogSink, defaultTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Client{
		backend:        backend,
		logs:           logs,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		peers:          []domain.Peer{},
	}
}

// Discover runs one round bounded by timeout (the client default when <= 0)
// and replaces the known peer list with its result. While a round is in
// progress further calls return the current list without starting another.
func (c *Client) Discover(ctx context.Context, timeout time.Duration) []domain.Peer {
	if !c.discovering.CompareAndSwap(false, true) {
		c.logger.Debug("discovery already in progress")
		return c.Peers()
	}
	c.notify()
	defer func() {
		c.discovering.Store(false)
		c.notify()
	}()

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		peers []domain.Peer
		err   error
	}
	replies := make(chan reply, 1)
	go func() {
		peers, err := c.backend.DiscoverPeers(roundCtx, backendWindow(timeout))
		replies <- reply{peers: peers, err: err}
	}()

	var (
		peers  []domain.Peer
		result string
	)
	select {
	case r := <-replies:
		if r.err != nil {
			result = "error"
			c.notice(fmt.Sprintf("Peer discovery failed: %v", r.err), r.err)
			break
		}
		peers = sanitize(r.peers)
		result = "found"
		if len(peers) == 0 {
			result = "empty"
		}
	case <-roundCtx.Done():
		result = "timeout"
		err := roundCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", domain.ErrDiscoveryTimeout, timeout)
		}
		c.notice(fmt.Sprintf("Peer discovery stopped: %v", err), err)
	}
	if peers == nil {
		peers = []domain.Peer{}
	}

	metrics.DiscoveryRoundsTotal.WithLabelValues(result).Inc()
	metrics.DiscoveredPeers.Set(float64(len(peers)))

	c.mu.Lock()
	c.peers = peers
	c.mu.Unlock()
	return append([]domain.Peer(nil), peers...)
}

func (c *Client) Discovering() bool {
	return c.discovering.Load()
}

// Peers returns the result of the latest completed round.
func (c *Client) Peers() []domain.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Peer{}, c.peers...)
}

func (c *Client) OnChange(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) notify() {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

func (c *Client) notice(message string, err error) {
	if c.logs != nil {
		c.logs.Append(domain.LogWarning, message)
	}
	c.logger.Warn("peer discovery round failed", slog.String("error", err.Error()))
}

// backendWindow leaves the backend a little less than the local bound so a
// reply collected up to its own deadline still arrives in time.
func backendWindow(timeout time.Duration) time.Duration {
	margin := timeout / 10
	if margin > maxReplyMargin {
		margin = maxReplyMargin
	}
	return timeout - margin
}

func sanitize(peers []domain.Peer) []domain.Peer {
	out := make([]domain.Peer, 0, len(peers))
	seen := make(map[domain.Peer]struct{}, len(peers))
	for _, p := range peers {
		p.Code = strings.TrimSpace(p.Code)
		p.URL = strings.TrimSpace(p.URL)
		if p.Code == "" || p.URL == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
