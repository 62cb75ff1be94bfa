package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"justserve/internal/domain"
	"justserve/internal/services/session"
)

// ---- fakes ----

type fakeController struct {
	startKind   domain.SessionKind
	startParams domain.SessionParams
	startURL    string
	startErr    error
	stopCalls   int
	stopErr     error
	ackErr      error
	sendPath    string
	connectAddr string
	p2p         domain.P2PSession
	p2pErr      error
	stopP2P     int
	discoverTO  time.Duration
	peers       []domain.Peer
	snapshot    session.Snapshot
}

func (f *fakeController) StartSession(_ context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error) {
	f.startKind = kind
	f.startParams = params
	return f.startURL, f.startErr
}

func (f *fakeController) StopSession(context.Context) error {
	f.stopCalls++
	return f.stopErr
}

func (f *fakeController) AcknowledgeFault() error { return f.ackErr }

func (f *fakeController) StartP2PSend(_ context.Context, path string) (domain.P2PSession, error) {
	f.sendPath = path
	return f.p2p, f.p2pErr
}

func (f *fakeController) ConnectToPeer(_ context.Context, address string) (domain.P2PSession, error) {
	f.connectAddr = address
	return f.p2p, f.p2pErr
}

func (f *fakeController) StopP2P(context.Context) error {
	f.stopP2P++
	return nil
}

func (f *fakeController) DiscoverPeers(_ context.Context, timeout time.Duration) []domain.Peer {
	f.discoverTO = timeout
	return f.peers
}

func (f *fakeController) Snapshot() session.Snapshot { return f.snapshot }

type fakeLogs struct {
	entries []domain.LogEntry
	cleared int
}

func (f *fakeLogs) Entries() []domain.LogEntry { return f.entries }
func (f *fakeLogs) Clear()                     { f.cleared++; f.entries = nil }

type fakeSettings struct {
	prefs    domain.Preferences
	patch    map[domain.PreferenceField]any
	applyErr error
	resets   int
}

func (f *fakeSettings) Get() domain.Preferences { return f.prefs }

func (f *fakeSettings) Apply(patch map[domain.PreferenceField]any) (domain.Preferences, error) {
	f.patch = patch
	if f.applyErr != nil {
		return f.prefs, f.applyErr
	}
	if v, ok := patch[domain.FieldTheme].(string); ok {
		f.prefs.Theme = domain.Theme(v)
	}
	return f.prefs, nil
}

func (f *fakeSettings) Reset(context.Context) (domain.Preferences, error) {
	f.resets++
	f.prefs = domain.DefaultPreferences()
	return f.prefs, nil
}

type fakeCheckUpdate struct{ info domain.UpdateInfo }

func (f fakeCheckUpdate) Execute(context.Context) domain.UpdateInfo { return f.info }

type fakeInstallUpdate struct {
	url string
	err error
}

func (f *fakeInstallUpdate) Execute(_ context.Context, url string) (string, error) {
	f.url = url
	if f.err != nil {
		return "", f.err
	}
	return "installed", nil
}

type fakeUpdateCache struct {
	info domain.UpdateInfo
	ok   bool
}

func (f fakeUpdateCache) Latest() (domain.UpdateInfo, bool) { return f.info, f.ok }

func newTestServer(t *testing.T, ctrl *fakeController, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(ctrl, opts...)
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env.Error
}

// ---- tests ----

func TestStartSession(t *testing.T) {
	ctrl := &fakeController{startURL: "http://192.168.1.5:8081"}
	s := newTestServer(t, ctrl)

	rec := doJSON(t, s, http.MethodPost, "/session/start", map[string]any{
		"kind":        "file-serve-local",
		"port":        8080,
		"contentPath": " /srv/share ",
		"password":    "pw",
		"allowUpload": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp startSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.URL != "http://192.168.1.5:8081" {
		t.Fatalf("url = %q", resp.URL)
	}
	if ctrl.startKind != domain.KindLocalServe || ctrl.startParams.Port != 8080 ||
		ctrl.startParams.ContentPath != "/srv/share" || ctrl.startParams.Password != "pw" || !ctrl.startParams.AllowUpload {
		t.Fatalf("unexpected start %q %+v", ctrl.startKind, ctrl.startParams)
	}
}

func TestStartSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", domain.Validationf("content path is required"), http.StatusBadRequest, "invalid_request"},
		{"auth", fmt.Errorf("%w: bad token", domain.ErrAuth), http.StatusUnauthorized, "auth_error"},
		{"startup failed", fmt.Errorf("%w after 3 retries: %w", domain.ErrStartupFailed, domain.ErrPortInUse), http.StatusServiceUnavailable, "startup_failed"},
		{"busy", domain.ErrSessionBusy, http.StatusConflict, "session_busy"},
		{"cancelled", domain.ErrSessionCancelled, http.StatusConflict, "session_cancelled"},
		{"remote", fmt.Errorf("%w: tunnel agent crashed", domain.ErrRemote), http.StatusBadGateway, "backend_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeController{startErr: tt.err})
			rec := doJSON(t, s, http.MethodPost, "/session/start", map[string]any{"kind": "port-tunnel"})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := decodeError(t, rec).Code; got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestStartSessionRejectsBadJSON(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	req := httptest.NewRequest(http.MethodPost, "/session/start", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	rec := doJSON(t, s, http.MethodGet, "/session/start", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestStopAndAcknowledge(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl)

	if rec := doJSON(t, s, http.MethodPost, "/session/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if ctrl.stopCalls != 1 {
		t.Fatalf("stop calls = %d", ctrl.stopCalls)
	}

	ctrl.ackErr = domain.ErrInvalidTransition
	rec := doJSON(t, s, http.MethodPost, "/session/ack", nil)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "invalid_transition" {
		t.Fatalf("ack status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestStateReturnsSnapshot(t *testing.T) {
	ctrl := &fakeController{snapshot: session.Snapshot{
		Session: domain.Session{Status: domain.SessionActive, ResolvedURL: "http://x"},
		Peers:   []domain.Peer{},
	}}
	s := newTestServer(t, ctrl)

	rec := doJSON(t, s, http.MethodGet, "/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Session.Status != domain.SessionActive || snap.Session.ResolvedURL != "http://x" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestP2PHandlers(t *testing.T) {
	ctrl := &fakeController{
		p2p:   domain.P2PSession{ID: "p1", Role: domain.RoleReceiver},
		peers: []domain.Peer{{Code: "1", URL: "http://10.0.0.4:9000"}},
	}
	s := newTestServer(t, ctrl)

	if rec := doJSON(t, s, http.MethodPost, "/p2p/send", map[string]string{"path": "/tmp/a"}); rec.Code != http.StatusOK {
		t.Fatalf("send status = %d", rec.Code)
	}
	if ctrl.sendPath != "/tmp/a" {
		t.Fatalf("send path = %q", ctrl.sendPath)
	}

	if rec := doJSON(t, s, http.MethodPost, "/p2p/connect", map[string]string{"address": "http://10.0.0.4:9000"}); rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d", rec.Code)
	}
	if ctrl.connectAddr != "http://10.0.0.4:9000" {
		t.Fatalf("connect address = %q", ctrl.connectAddr)
	}

	rec := doJSON(t, s, http.MethodPost, "/p2p/discover", map[string]any{"timeoutSeconds": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("discover status = %d", rec.Code)
	}
	var resp p2pDiscoverResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Peers) != 1 || ctrl.discoverTO != 5*time.Second {
		t.Fatalf("peers = %+v timeout = %v", resp.Peers, ctrl.discoverTO)
	}

	if rec := doJSON(t, s, http.MethodPost, "/p2p/stop", nil); rec.Code != http.StatusOK || ctrl.stopP2P != 1 {
		t.Fatalf("stop status = %d calls = %d", rec.Code, ctrl.stopP2P)
	}
}

func TestDiscoverDefaultsAndValidation(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl)

	rec := doJSON(t, s, http.MethodPost, "/p2p/discover", nil)
	if rec.Code != http.StatusOK || ctrl.discoverTO != 0 {
		t.Fatalf("status = %d timeout = %v", rec.Code, ctrl.discoverTO)
	}
	if body := rec.Body.String(); body != "{\"peers\":[]}\n" {
		t.Fatalf("body = %q", body)
	}

	rec = doJSON(t, s, http.MethodPost, "/p2p/discover", map[string]any{"timeoutSeconds": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative timeout status = %d", rec.Code)
	}
}

func TestLogsHandler(t *testing.T) {
	logs := &fakeLogs{entries: []domain.LogEntry{{Category: domain.LogSystem, Message: "started"}}}
	s := newTestServer(t, &fakeController{}, WithLogs(logs))

	rec := doJSON(t, s, http.MethodGet, "/logs", nil)
	var entries []domain.LogEntry
	_ = json.Unmarshal(rec.Body.Bytes(), &entries)
	if rec.Code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("status = %d entries = %+v", rec.Code, entries)
	}

	rec = doJSON(t, s, http.MethodDelete, "/logs", nil)
	if rec.Code != http.StatusNoContent || logs.cleared != 1 {
		t.Fatalf("status = %d cleared = %d", rec.Code, logs.cleared)
	}
}

func TestSettingsHandlers(t *testing.T) {
	settings := &fakeSettings{prefs: domain.DefaultPreferences()}
	s := newTestServer(t, &fakeController{}, WithSettings(settings))

	rec := doJSON(t, s, http.MethodPatch, "/settings", map[string]any{"theme": "light", "defaultPort": 9090})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if settings.prefs.Theme != domain.ThemeLight {
		t.Fatalf("theme = %q", settings.prefs.Theme)
	}
	if n, ok := settings.patch[domain.FieldDefaultPort].(json.Number); !ok || n.String() != "9090" {
		t.Fatalf("port patch = %#v", settings.patch[domain.FieldDefaultPort])
	}

	settings.applyErr = domain.Validationf("theme must be dark or light")
	rec = doJSON(t, s, http.MethodPatch, "/settings", map[string]any{"theme": "blue"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPatch, "/settings", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/settings/reset", nil)
	if rec.Code != http.StatusOK || settings.resets != 1 {
		t.Fatalf("reset status = %d resets = %d", rec.Code, settings.resets)
	}
}

func TestSettingsUnavailable(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	if rec := doJSON(t, s, http.MethodGet, "/settings", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpdateHandlers(t *testing.T) {
	cache := fakeUpdateCache{info: domain.UpdateInfo{Available: true, Version: "v2", DownloadURL: "https://dl/v2"}, ok: true}
	install := &fakeInstallUpdate{}
	s := newTestServer(t, &fakeController{}, WithUpdates(fakeCheckUpdate{info: cache.info}, install, cache))

	rec := doJSON(t, s, http.MethodGet, "/update", nil)
	var info domain.UpdateInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &info)
	if rec.Code != http.StatusOK || info.Version != "v2" {
		t.Fatalf("status = %d info = %+v", rec.Code, info)
	}

	if rec := doJSON(t, s, http.MethodPost, "/update/check", nil); rec.Code != http.StatusOK {
		t.Fatalf("check status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/update/install", nil)
	if rec.Code != http.StatusOK || install.url != "https://dl/v2" {
		t.Fatalf("install status = %d url = %q", rec.Code, install.url)
	}

	install.err = fmt.Errorf("%w: checksum mismatch", domain.ErrRemote)
	rec = doJSON(t, s, http.MethodPost, "/update/install", map[string]string{"url": "https://dl/v3"})
	if rec.Code != http.StatusBadGateway || install.url != "https://dl/v3" {
		t.Fatalf("install failure status = %d url = %q", rec.Code, install.url)
	}
}

func TestDiscoveryTimeout(t *testing.T) {
	tests := []struct {
		raw     json.Number
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"5", 5 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"0", 0, true},
		{"61", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := discoveryTimeout(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("discoveryTimeout(%q) = %v, %v", tt.raw, got, err)
		}
	}
}
