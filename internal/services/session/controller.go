package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
	"justserve/internal/metrics"
)

// Backend is the subset of the backend RPC surface the controller drives.
type Backend interface {
	ports.SessionBackend
	ports.P2PBackend
}

// PreferencesStore is read at every start and updated after port retries and
// successful starts.
type PreferencesStore interface {
	Get() domain.Preferences
	SetDefaultPort(port int) error
	SetLastContentPath(path string) error
	SetLastReceiveAddress(address string) error
}

type LogSink interface {
	Append(category domain.LogCategory, message string) domain.LogEntry
	Clear()
}

// PeerDiscoverer runs discovery rounds. OnChange callbacks fire whenever the
// discovering flag or the peer list changes.
type PeerDiscoverer interface {
	Discover(ctx context.Context, timeout time.Duration) []domain.Peer
	Discovering() bool
	Peers() []domain.Peer
	OnChange(fn func())
}

// Snapshot is a point-in-time copy of everything the controller owns.
type Snapshot struct {
	Session     domain.Session     `json:"session"`
	P2P         *domain.P2PSession `json:"p2p"`
	Peers       []domain.Peer      `json:"peers"`
	Discovering bool               `json:"discovering"`
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Controller) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithCallTimeout bounds start, stop and connect RPCs. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithDiscovery(d PeerDiscoverer) Option {
	return func(c *Controller) { c.discovery = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// Controller owns the single serve/tunnel slot and the single P2P slot.
//
// Every start captures a generation number. Stops and fault events bump the
// generation, so a backend response that arrives for an older generation is
// discarded instead of being applied.
type Controller struct {
	backend   Backend
	prefs     PreferencesStore
	logs      LogSink
	discovery PeerDiscoverer

	logger      *slog.Logger
	tracer      trace.Tracer
	retry       RetryPolicy
	sleep       Sleeper
	callTimeout time.Duration
	now         func() time.Time
	newID       func() string

	mu         sync.Mutex
	session    domain.Session
	sessionGen uint64
	p2p        *domain.P2PSession
	p2pPending bool
	p2pGen     uint64

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

func NewController(backend Backend, prefs PreferencesStore, logs LogSink, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		prefs:   prefs,
		logs:    logs,
		logger:  slog.Default(),
		tracer:  otel.Tracer("justserve/session"),
		retry:   DefaultRetryPolicy(),
		sleep:   SleepContext,
		now:     time.Now,
		newID:   uuid.NewString,
		session: domain.Session{Status: domain.SessionIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.discovery != nil {
		c.discovery.OnChange(c.notify)
	}
	return c
}

// StartSession validates params, starts the backend session and returns its
// URL. A local serve that hits a port conflict is retried on the next port up
// to RetryPolicy.MaxRetries times; the conflict after that is returned as
// ErrStartupFailed.
func (c *Controller) StartSession(ctx context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error) {
	ctx, span := c.tracer.Start(ctx, "session.start", trace.WithAttributes(attribute.String("session.kind", string(kind))))
	defer span.End()

	url, err := c.startSession(ctx, kind, params)
	result := "success"
	if err != nil {
		result = resultLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.SessionStartsTotal.WithLabelValues(string(kind), result).Inc()
	return url, err
}

func (c *Controller) startSession(ctx context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error) {
	params, err := c.resolveParams(kind, params)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.session.Status.Outstanding() {
		status := c.session.Status
		c.mu.Unlock()
		return "", fmt.Errorf("%w (%s)", domain.ErrSessionBusy, status)
	}
	now := c.now()
	c.sessionGen++
	gen := c.sessionGen
	c.session = domain.Session{
		ID:        c.newID(),
		Kind:      kind,
		Params:    params,
		Status:    domain.SessionStarting,
		Attempts:  1,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.mu.Unlock()
	c.notify()

	c.logs.Clear()
	c.logs.Append(domain.LogSystem, startMessage(kind, params))

	retries := 0
	for {
		url, err := c.callStart(ctx, kind, params)

		c.mu.Lock()
		if c.sessionGen != gen {
			c.mu.Unlock()
			c.logger.Info("discarding start result for superseded session",
				slog.String("kind", string(kind)),
				slog.Bool("succeeded", err == nil),
			)
			return "", domain.ErrSessionCancelled
		}

		if err == nil {
			c.session.Status = domain.SessionActive
			c.session.ResolvedURL = url
			c.session.LastError = ""
			c.session.UpdatedAt = c.now()
			c.mu.Unlock()

			metrics.ActiveSessions.Set(1)
			c.notify()
			c.logs.Append(domain.LogSuccess, fmt.Sprintf("Server started at %s", url))
			c.logger.Info("session started",
				slog.String("kind", string(kind)),
				slog.String("url", url),
				slog.Int("retries", retries),
			)
			if kind.ServesContent() {
				if perr := c.prefs.SetLastContentPath(params.ContentPath); perr != nil {
					c.logger.Warn("persist last content path failed", slog.String("error", perr.Error()))
				}
			}
			return url, nil
		}

		if kind.UsesListenPort() && errors.Is(err, domain.ErrPortInUse) {
			next := params.Port + 1
			if retries < c.retry.MaxRetries && domain.ValidPort(next) {
				retries++
				prev := params.Port
				params.Port = next
				// The retry supersedes the conflicted instance.
				now := c.now()
				c.session = domain.Session{
					ID:        c.newID(),
					Kind:      kind,
					Params:    params,
					Status:    domain.SessionStarting,
					Attempts:  retries + 1,
					StartedAt: now,
					UpdatedAt: now,
				}
				c.mu.Unlock()
				c.notify()

				c.onPortConflict(prev, next, retries)
				if serr := c.sleep(ctx, c.retry.Delay(retries)); serr != nil {
					return "", c.fail(gen, kind, serr)
				}
				if !c.currentGen(gen) {
					return "", domain.ErrSessionCancelled
				}
				continue
			}
			err = fmt.Errorf("%w after %d retries: %w", domain.ErrStartupFailed, retries, err)
		}
		c.mu.Unlock()
		return "", c.fail(gen, kind, err)
	}
}

func (c *Controller) currentGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionGen == gen
}

func (c *Controller) onPortConflict(prev, next, retry int) {
	metrics.PortRetriesTotal.Inc()
	if err := c.prefs.SetDefaultPort(next); err != nil {
		c.logger.Warn("persist retry port failed", slog.Int("port", next), slog.String("error", err.Error()))
	}
	c.logs.Append(domain.LogWarning, fmt.Sprintf("Port %d is in use, retrying on port %d (%d/%d)", prev, next, retry, c.retry.MaxRetries))
	c.logger.Warn("port conflict, retrying",
		slog.Int("port", prev),
		slog.Int("next", next),
		slog.Int("retry", retry),
	)
}

// fail moves the session of generation gen to faulted. If the session was
// stopped or reset in the meantime the error is reported as cancelled.
func (c *Controller) fail(gen uint64, kind domain.SessionKind, err error) error {
	c.mu.Lock()
	if c.sessionGen != gen {
		c.mu.Unlock()
		return domain.ErrSessionCancelled
	}
	c.session.Status = domain.SessionFaulted
	c.session.ResolvedURL = ""
	c.session.LastError = err.Error()
	c.session.UpdatedAt = c.now()
	c.mu.Unlock()

	c.notify()
	c.logs.Append(domain.LogError, fmt.Sprintf("Failed to start server: %v", err))
	c.logger.Error("session start failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return err
}

func (c *Controller) resolveParams(kind domain.SessionKind, params domain.SessionParams) (domain.SessionParams, error) {
	if !kind.Valid() {
		return params, domain.Validationf("unknown session kind %q", kind)
	}
	prefs := c.prefs.Get()
	params.ContentPath = strings.TrimSpace(params.ContentPath)
	params.AuthToken = strings.TrimSpace(params.AuthToken)

	switch kind {
	case domain.KindLocalServe:
		if params.Port == 0 {
			params.Port = prefs.DefaultPort
		}
	case domain.KindPortTunnel:
		if params.Port == 0 {
			params.Port = prefs.TunnelPort
		}
		if params.Protocol == "" {
			params.Protocol = prefs.TunnelProtocol
		}
		if !params.Protocol.Valid() {
			return params, domain.Validationf("tunnel protocol must be http or tcp")
		}
	}
	if kind.RequiresToken() && params.AuthToken == "" {
		params.AuthToken = strings.TrimSpace(prefs.TunnelAuthToken)
	}

	if kind.ServesContent() && params.ContentPath == "" {
		return params, domain.Validationf("content path is required")
	}
	if kind.RequiresToken() && params.AuthToken == "" {
		return params, domain.Validationf("tunnel auth token is required")
	}
	if kind != domain.KindPublicServe && !domain.ValidPort(params.Port) {
		return params, domain.Validationf("port %d out of range", params.Port)
	}
	return params, nil
}

func (c *Controller) callStart(ctx context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var (
		url string
		err error
	)
	switch kind {
	case domain.KindLocalServe:
		url, err = c.backend.StartLocalServe(callCtx, params)
	case domain.KindPublicServe:
		url, err = c.backend.StartPublicServe(callCtx, params)
	case domain.KindPortTunnel:
		url, err = c.backend.StartTunnel(callCtx, params)
	}
	if err != nil {
		return "", c.mapCallError(ctx, callCtx, err)
	}
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("%w: backend returned an empty url", domain.ErrRemote)
	}
	return url, nil
}

// StopSession stops the current session. Stopping an idle controller is a
// no-op; a faulted session is simply cleared. The backend stop is best
// effort and local state always returns to idle.
func (c *Controller) StopSession(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.stop")
	defer span.End()

	c.mu.Lock()
	switch c.session.Status {
	case domain.SessionIdle, domain.SessionStopping:
		c.mu.Unlock()
		return nil
	case domain.SessionFaulted:
		c.session = domain.Session{Status: domain.SessionIdle}
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.sessionGen++
	gen := c.sessionGen
	c.session.Status = domain.SessionStopping
	c.session.UpdatedAt = c.now()
	c.mu.Unlock()
	c.notify()

	callCtx, cancel := c.callContext(ctx)
	err := c.backend.StopSession(callCtx)
	cancel()

	c.mu.Lock()
	if c.sessionGen == gen {
		c.session = domain.Session{Status: domain.SessionIdle}
	}
	c.mu.Unlock()
	metrics.ActiveSessions.Set(0)
	c.notify()

	if err != nil {
		span.RecordError(err)
		c.logs.Append(domain.LogWarning, fmt.Sprintf("Server stopped (backend reported: %v)", err))
		c.logger.Warn("backend stop failed", slog.String("error", err.Error()))
		return nil
	}
	c.logs.Append(domain.LogSystem, "Server stopped")
	c.logger.Info("session stopped")
	return nil
}

// AcknowledgeFault clears a faulted session back to idle.
func (c *Controller) AcknowledgeFault() error {
	c.mu.Lock()
	status := c.session.Status
	switch status {
	case domain.SessionIdle:
		c.mu.Unlock()
		return nil
	case domain.SessionFaulted:
		c.session = domain.Session{Status: domain.SessionIdle}
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.mu.Unlock()
	return fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, status)
}

// StartP2PSend shares path and materializes a sender session in waiting
// status.
func (c *Controller) StartP2PSend(ctx context.Context, path string) (domain.P2PSession, error) {
	ctx, span := c.tracer.Start(ctx, "p2p.send")
	defer span.End()

	path = strings.TrimSpace(path)
	if path == "" {
		return domain.P2PSession{}, domain.Validationf("path is required")
	}
	gen, err := c.reserveP2P()
	if err != nil {
		return domain.P2PSession{}, err
	}

	callCtx, cancel := c.callContext(ctx)
	desc, err := c.backend.StartP2PSend(callCtx, path)
	if err != nil {
		err = c.mapCallError(ctx, callCtx, err)
	} else {
		err = desc.Validate()
	}
	cancel()

	session, err := c.commitP2P(gen, err, func() domain.P2PSession {
		return domain.NewSenderSession(c.newID(), desc, c.now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.P2PSession{}, err
	}
	metrics.P2PSessionsTotal.WithLabelValues(string(domain.RoleSender)).Inc()
	c.logs.Append(domain.LogP2P, fmt.Sprintf("Sharing %s with code %s", session.ContentName, session.ShareCode))
	return session, nil
}

// ConnectToPeer connects to a sender at address and materializes a receiver
// session exposing the peer descriptor plus address as its url.
func (c *Controller) ConnectToPeer(ctx context.Context, address string) (domain.P2PSession, error) {
	ctx, span := c.tracer.Start(ctx, "p2p.connect")
	defer span.End()

	address = strings.TrimSpace(address)
	if address == "" {
		return domain.P2PSession{}, domain.Validationf("peer address is required")
	}
	gen, err := c.reserveP2P()
	if err != nil {
		return domain.P2PSession{}, err
	}

	callCtx, cancel := c.callContext(ctx)
	desc, err := c.backend.ConnectP2P(callCtx, address)
	if err != nil {
		err = c.mapCallError(ctx, callCtx, err)
	} else {
		err = desc.Validate()
	}
	cancel()

	session, err := c.commitP2P(gen, err, func() domain.P2PSession {
		return domain.NewReceiverSession(c.newID(), address, desc, c.now())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.P2PSession{}, err
	}
	if perr := c.prefs.SetLastReceiveAddress(address); perr != nil {
		c.logger.Warn("persist receive address failed", slog.String("error", perr.Error()))
	}
	metrics.P2PSessionsTotal.WithLabelValues(string(domain.RoleReceiver)).Inc()
	c.logs.Append(domain.LogP2P, fmt.Sprintf("Connected to %s: %s (%d bytes)", address, desc.ContentName, desc.ContentSize))
	return session, nil
}

func (c *Controller) reserveP2P() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p2p != nil || c.p2pPending {
		return 0, fmt.Errorf("%w (p2p)", domain.ErrSessionBusy)
	}
	c.p2pPending = true
	c.p2pGen++
	return c.p2pGen, nil
}

func (c *Controller) commitP2P(gen uint64, callErr error, build func() domain.P2PSession) (domain.P2PSession, error) {
	c.mu.Lock()
	if c.p2pGen != gen {
		c.mu.Unlock()
		return domain.P2PSession{}, domain.ErrSessionCancelled
	}
	c.p2pPending = false
	if callErr != nil {
		c.mu.Unlock()
		c.logs.Append(domain.LogP2PError, callErr.Error())
		c.logger.Warn("p2p start failed", slog.String("error", callErr.Error()))
		return domain.P2PSession{}, callErr
	}
	session := build()
	c.p2p = &session
	c.mu.Unlock()

	c.notify()
	return session, nil
}

// StopP2P clears the P2P slot and asks the backend to stop. It succeeds
// whether or not a session existed.
func (c *Controller) StopP2P(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "p2p.stop")
	defer span.End()

	c.mu.Lock()
	had := c.p2p != nil || c.p2pPending
	c.p2p = nil
	c.p2pPending = false
	if had {
		c.p2pGen++
	}
	c.mu.Unlock()
	if !had {
		return nil
	}
	c.notify()

	callCtx, cancel := c.callContext(ctx)
	err := c.backend.StopP2P(callCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("backend p2p stop failed", slog.String("error", err.Error()))
	}
	c.logs.Append(domain.LogP2P, "Transfer stopped")
	return nil
}

// HandleEvent applies a backend push event. It reports whether the event
// changed controller state; events for sessions that no longer exist, or
// that would move a transfer backwards, are ignored.
func (c *Controller) HandleEvent(ev domain.PushEvent) bool {
	c.mu.Lock()
	applied := false
	switch ev.Category {
	case domain.EventServiceFault:
		if c.session.Status != domain.SessionIdle {
			c.sessionGen++
			c.session = domain.Session{Status: domain.SessionIdle, LastError: ev.Message, UpdatedAt: c.now()}
			applied = true
			metrics.ActiveSessions.Set(0)
		}
	case domain.EventP2PFault:
		if c.p2p != nil || c.p2pPending {
			c.p2pGen++
			c.p2p = nil
			c.p2pPending = false
			applied = true
		}
	case domain.EventP2PStatus:
		if c.p2p != nil && c.p2p.Role == domain.RoleSender && c.p2p.TransferStatus.Advances(ev.Status) {
			c.p2p.TransferStatus = ev.Status
			c.p2p.UpdatedAt = c.now()
			applied = true
		}
	case domain.EventP2PProgress:
		if c.p2p != nil && ev.Bytes > c.p2p.BytesTransferred {
			c.p2p.BytesTransferred = ev.Bytes
			c.p2p.UpdatedAt = c.now()
			applied = true
		}
	}
	c.mu.Unlock()

	if applied {
		c.notify()
	} else {
		c.logger.Debug("push event ignored",
			slog.String("category", string(ev.Category)),
			slog.String("status", string(ev.Status)),
			slog.Int64("bytes", ev.Bytes),
		)
	}
	return applied
}

// DiscoverPeers runs one discovery round. It never fails; an empty list is a
// valid outcome.
func (c *Controller) DiscoverPeers(ctx context.Context, timeout time.Duration) []domain.Peer {
	if c.discovery == nil {
		return []domain.Peer{}
	}
	ctx, span := c.tracer.Start(ctx, "p2p.discover")
	defer span.End()

	peers := c.discovery.Discover(ctx, timeout)
	span.SetAttributes(attribute.Int("peers", len(peers)))
	return peers
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{Session: c.session}
	if c.p2p != nil {
		p := *c.p2p
		if p.Peer != nil {
			peer := *p.Peer
			p.Peer = &peer
		}
		snap.P2P = &p
	}
	c.mu.Unlock()

	snap.Peers = []domain.Peer{}
	if c.discovery != nil {
		snap.Peers = c.discovery.Peers()
		snap.Discovering = c.discovery.Discovering()
	}
	return snap
}

// OnChange registers fn to receive a snapshot after every state change. fn
// runs on the goroutine that made the change and must not block.
func (c *Controller) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Controller) notify() {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// mapCallError turns an expiry of the local call timeout into ErrRemote.
// Expiry of the caller's own context is passed through.
func (c *Controller) mapCallError(parent, callCtx context.Context, err error) error {
	if c.callTimeout > 0 && parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: backend call timed out after %s", domain.ErrRemote, c.callTimeout)
	}
	return err
}

func startMessage(kind domain.SessionKind, params domain.SessionParams) string {
	switch kind {
	case domain.KindLocalServe:
		return fmt.Sprintf("Starting local server on port %d for %s", params.Port, params.ContentPath)
	case domain.KindPublicServe:
		return fmt.Sprintf("Starting public server for %s", params.ContentPath)
	default:
		return fmt.Sprintf("Starting %s tunnel to local port %d", params.Protocol, params.Port)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrSessionBusy):
		return "busy"
	case errors.Is(err, domain.ErrStartupFailed):
		return "startup_failed"
	case errors.Is(err, domain.ErrAuth):
		return "auth"
	case errors.Is(err, domain.ErrSessionCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
