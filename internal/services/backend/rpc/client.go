package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"justserve/internal/domain"
)

const (
	methodServeLocal    = "serve.local"
	methodServePublic   = "serve.public"
	methodTunnelStart   = "tunnel.start"
	methodSessionStop   = "session.stop"
	methodP2PSend       = "p2p.send"
	methodP2PStop       = "p2p.stop"
	methodP2PConnect    = "p2p.connect"
	methodP2PDiscover   = "p2p.discover"
	methodUpdateCheck   = "update.check"
	methodUpdateInstall = "update.install"

	maxResponseBytes = 1 << 20
)

// Client calls the backend process over its JSON RPC endpoint
// (POST {base}/rpc/{method}).
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		// No client timeout: calls are bounded by their context.
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    httpClient,
		logger:  logger,
	}
}

type serveRequest struct {
	Port        int    `json:"port,omitempty"`
	Path        string `json:"path,omitempty"`
	Password    string `json:"password,omitempty"`
	AllowUpload bool   `json:"allowUpload"`
	AuthToken   string `json:"authToken,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

func toServeRequest(p domain.SessionParams) serveRequest {
	return serveRequest{
		Port:        p.Port,
		Path:        p.ContentPath,
		Password:    p.Password,
		AllowUpload: p.AllowUpload,
		AuthToken:   p.AuthToken,
		Protocol:    string(p.Protocol),
	}
}

type urlResult struct {
	URL string `json:"url"`
}

func (c *Client) StartLocalServe(ctx context.Context, params domain.SessionParams) (string, error) {
	return c.startURL(ctx, methodServeLocal, params)
}

func (c *Client) StartPublicServe(ctx context.Context, params domain.SessionParams) (string, error) {
	return c.startURL(ctx, methodServePublic, params)
}

func (c *Client) StartTunnel(ctx context.Context, params domain.SessionParams) (string, error) {
	return c.startURL(ctx, methodTunnelStart, params)
}

func (c *Client) startURL(ctx context.Context, method string, params domain.SessionParams) (string, error) {
	var res urlResult
	if err := c.call(ctx, method, toServeRequest(params), &res); err != nil {
		return "", err
	}
	url := strings.TrimSpace(res.URL)
	if url == "" {
		return "", fmt.Errorf("%w: %s returned no url", domain.ErrRemote, method)
	}
	return url, nil
}

func (c *Client) StopSession(ctx context.Context) error {
	return c.call(ctx, methodSessionStop, nil, nil)
}

func (c *Client) StartP2PSend(ctx context.Context, path string) (domain.SendDescriptor, error) {
	var d domain.SendDescriptor
	err := c.call(ctx, methodP2PSend, map[string]string{"path": path}, &d)
	return d, err
}

func (c *Client) StopP2P(ctx context.Context) error {
	return c.call(ctx, methodP2PStop, nil, nil)
}

func (c *Client) ConnectP2P(ctx context.Context, address string) (domain.PeerDescriptor, error) {
	var d domain.PeerDescriptor
	err := c.call(ctx, methodP2PConnect, map[string]string{"address": address}, &d)
	return d, err
}

func (c *Client) DiscoverPeers(ctx context.Context, timeout time.Duration) ([]domain.Peer, error) {
	var peers []domain.Peer
	req := map[string]int64{"timeoutMs": timeoutMillis(timeout)}
	if err := c.call(ctx, methodP2PDiscover, req, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *Client) CheckUpdate(ctx context.Context) (domain.UpdateInfo, error) {
	var info domain.UpdateInfo
	err := c.call(ctx, methodUpdateCheck, nil, &info)
	return info, err
}

func (c *Client) InstallUpdate(ctx context.Context, downloadURL string) (string, error) {
	var res struct {
		Message string `json:"message"`
	}
	if err := c.call(ctx, methodUpdateInstall, map[string]string{"url": downloadURL}, &res); err != nil {
		return "", err
	}
	return res.Message, nil
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	var body io.Reader = http.NoBody
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrRemote, method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrRemote, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %w", domain.ErrRemote, method, err)
	}
	c.logger.Debug("backend call",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(started)),
	)

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s: backend HTTP %d: %s", domain.ErrRemote, method, resp.StatusCode, snippet(raw))
		}
		return fmt.Errorf("%w: %s: malformed response: %w", domain.ErrRemote, method, err)
	}
	if envelope.Error != nil {
		return classify(method, *envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: backend HTTP %d", domain.ErrRemote, method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return fmt.Errorf("%w: %s: empty result", domain.ErrRemote, method)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: %s: malformed result: %w", domain.ErrRemote, method, err)
	}
	return nil
}

// classify maps a backend error payload onto the domain taxonomy. Port
// conflicts are also recognised by message for backends that only forward
// the OS error text.
func classify(method string, e rpcError) error {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = e.Code
	}
	var sentinel error
	switch strings.ToLower(strings.TrimSpace(e.Code)) {
	case "validation", "invalid_argument":
		sentinel = domain.ErrValidation
	case "port_in_use", "address_in_use":
		sentinel = domain.ErrPortInUse
	case "auth", "unauthorized":
		sentinel = domain.ErrAuth
	default:
		sentinel = domain.ErrRemote
	}
	if errors.Is(sentinel, domain.ErrRemote) && isAddressInUse(msg) {
		sentinel = domain.ErrPortInUse
	}
	return fmt.Errorf("%w: %s: %s", sentinel, method, msg)
}

func isAddressInUse(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}

// timeoutMillis keeps sub-second precision so the backend window stays
// strictly inside the caller's bound.
func timeoutMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
