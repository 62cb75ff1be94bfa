package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"justserve/internal/domain"
)

// ---- fakes ----

type fakePrefsRepo struct {
	payload    []byte
	found      bool
	loadErr    error
	saveErr    error
	clearErr   error
	saveCalls  int
	clearCalls int
}

func (f *fakePrefsRepo) Load(_ context.Context) ([]byte, bool, error) {
	return f.payload, f.found, f.loadErr
}

func (f *fakePrefsRepo) Save(_ context.Context, payload []byte) error {
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.payload = append([]byte(nil), payload...)
	f.found = true
	return nil
}

func (f *fakePrefsRepo) Clear(_ context.Context) error {
	f.clearCalls++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.payload = nil
	f.found = false
	return nil
}

func storedEnvelope(t *testing.T, repo *fakePrefsRepo) (int, map[string]any) {
	t.Helper()
	var env struct {
		Version int            `json:"version"`
		State   map[string]any `json:"state"`
	}
	if err := json.Unmarshal(repo.payload, &env); err != nil {
		t.Fatalf("stored payload is not an envelope: %v", err)
	}
	return env.Version, env.State
}

// ---- tests ----

func TestPreferencesLoadAbsentPersistsDefaults(t *testing.T) {
	repo := &fakePrefsRepo{}
	mgr := NewPreferencesManager(repo, nil)

	res, err := mgr.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != LoadedDefaults {
		t.Fatalf("Outcome = %q, want defaults", res.Outcome)
	}
	if mgr.Get() != domain.DefaultPreferences() {
		t.Fatalf("Get() = %+v", mgr.Get())
	}
	if repo.saveCalls != 1 {
		t.Fatalf("defaults should be persisted once, saveCalls=%d", repo.saveCalls)
	}
	version, state := storedEnvelope(t, repo)
	if version != domain.PreferencesSchemaVersion {
		t.Fatalf("stored version = %d", version)
	}
	if state["defaultPort"] != float64(8080) {
		t.Fatalf("stored defaultPort = %v", state["defaultPort"])
	}
}

func TestPreferencesLoadStored(t *testing.T) {
	stored := domain.DefaultPreferences()
	stored.Theme = domain.ThemeLight
	stored.DefaultPort = 9000
	stored.TunnelAuthToken = "tok"
	payload, err := encodePreferences(stored)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	repo := &fakePrefsRepo{payload: payload, found: true}
	mgr := NewPreferencesManager(repo, nil)

	res, err := mgr.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != LoadedStored {
		t.Fatalf("Outcome = %q", res.Outcome)
	}
	if got := mgr.Get(); got != stored {
		t.Fatalf("Get() = %+v, want %+v", got, stored)
	}
	if repo.saveCalls != 0 {
		t.Fatalf("a current payload must not be rewritten")
	}
}

func TestPreferencesLoadMigratesV1(t *testing.T) {
	payload := []byte(`{"version":1,"state":{"theme":"light","lang":"th","ngrokToken":" abc ","serverPort":"8181","folderPath":"/srv/share","autoStart":true,"proxyPort":"4000","proxyProtocol":"tcp","serveMode":"local","p2pReceiveAddress":"192.168.1.4:9000"}}`)
	repo := &fakePrefsRepo{payload: payload, found: true}
	mgr := NewPreferencesManager(repo, nil)

	res, err := mgr.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != LoadedMigrated || res.FromVersion != 1 {
		t.Fatalf("result = %+v", res)
	}

	want := domain.Preferences{
		Theme:              domain.ThemeLight,
		Language:           "th",
		TunnelAuthToken:    "abc",
		DefaultPort:        8181,
		LastContentPath:    "/srv/share",
		AutoStart:          true,
		TunnelPort:         4000,
		TunnelProtocol:     domain.TunnelTCP,
		LastReceiveAddress: "192.168.1.4:9000",
	}
	if got := mgr.Get(); got != want {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}
	if version, _ := storedEnvelope(t, repo); version != domain.PreferencesSchemaVersion {
		t.Fatalf("migrated payload should be rewritten at the current version, got %d", version)
	}
}

func TestPreferencesMigrateV1BadPortsUseDefaults(t *testing.T) {
	payload := []byte(`{"version":1,"state":{"serverPort":"eighty","proxyPort":"70000"}}`)
	mgr := NewPreferencesManager(&fakePrefsRepo{payload: payload, found: true}, nil)

	if _, err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := mgr.Get()
	if got.DefaultPort != domain.DefaultServePort || got.TunnelPort != domain.DefaultTunnelPort {
		t.Fatalf("ports = %d/%d", got.DefaultPort, got.TunnelPort)
	}
}

func TestPreferencesLoadRecoversFromCorruption(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"garbage", `{not json`},
		{"future version", `{"version":7,"state":{"theme":"dark"}}`},
		{"missing state", `{"version":2}`},
		{"invalid port", `{"version":2,"state":{"defaultPort":0}}`},
		{"invalid theme", `{"version":2,"state":{"theme":"neon"}}`},
		{"wrong type", `{"version":2,"state":{"defaultPort":"8080"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakePrefsRepo{payload: []byte(tt.payload), found: true}
			mgr := NewPreferencesManager(repo, nil)

			res, err := mgr.Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if res.Outcome != LoadedRecovered {
				t.Fatalf("Outcome = %q, want recovered", res.Outcome)
			}
			if !errors.Is(res.Cause, domain.ErrPersistenceCorruption) {
				t.Fatalf("Cause = %v", res.Cause)
			}
			if mgr.Get() != domain.DefaultPreferences() {
				t.Fatalf("state should be defaults, got %+v", mgr.Get())
			}
			if repo.saveCalls != 1 {
				t.Fatalf("defaults should be re-persisted")
			}
			if version, _ := storedEnvelope(t, repo); version != domain.PreferencesSchemaVersion {
				t.Fatalf("stored version = %d", version)
			}
		})
	}
}

func TestPreferencesLoadReadError(t *testing.T) {
	repo := &fakePrefsRepo{loadErr: errors.New("disk gone")}
	mgr := NewPreferencesManager(repo, nil)

	if _, err := mgr.Load(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if mgr.Get() != domain.DefaultPreferences() {
		t.Fatalf("state should fall back to defaults")
	}
	if repo.saveCalls != 0 {
		t.Fatalf("a read failure must not overwrite stored data")
	}
}

func TestPreferencesSetPersists(t *testing.T) {
	repo := &fakePrefsRepo{}
	mgr := NewPreferencesManager(repo, nil)

	if err := mgr.SetDefaultPort(8081); err != nil {
		t.Fatalf("SetDefaultPort: %v", err)
	}
	if mgr.Get().DefaultPort != 8081 {
		t.Fatalf("DefaultPort = %d", mgr.Get().DefaultPort)
	}
	_, state := storedEnvelope(t, repo)
	if state["defaultPort"] != float64(8081) {
		t.Fatalf("persisted defaultPort = %v", state["defaultPort"])
	}
}

func TestPreferencesSetValidation(t *testing.T) {
	tests := []struct {
		name  string
		field domain.PreferenceField
		value any
	}{
		{"port zero", domain.FieldDefaultPort, 0},
		{"port too big", domain.FieldTunnelPort, 70000},
		{"port fraction", domain.FieldDefaultPort, 80.5},
		{"port type", domain.FieldDefaultPort, true},
		{"theme", domain.FieldTheme, "neon"},
		{"language", domain.FieldLanguage, "!!"},
		{"protocol", domain.FieldTunnelProtocol, "udp"},
		{"auto start type", domain.FieldAutoStart, "yes"},
		{"unknown", domain.PreferenceField("colour"), "red"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakePrefsRepo{}
			mgr := NewPreferencesManager(repo, nil)
			_, err := mgr.Set(tt.field, tt.value)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if repo.saveCalls != 0 {
				t.Fatalf("invalid values must not be persisted")
			}
			if mgr.Get() != domain.DefaultPreferences() {
				t.Fatalf("state changed on validation failure")
			}
		})
	}
}

func TestPreferencesApplyAcceptsJSONValues(t *testing.T) {
	mgr := NewPreferencesManager(&fakePrefsRepo{}, nil)
	got, err := mgr.Apply(map[domain.PreferenceField]any{
		domain.FieldDefaultPort:    float64(9090),
		domain.FieldTunnelPort:     "3100",
		domain.FieldLanguage:       "EN-us",
		domain.FieldTheme:          "Light",
		domain.FieldAutoStart:      true,
		domain.FieldTunnelProtocol: "TCP",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.DefaultPort != 9090 || got.TunnelPort != 3100 || got.Language != "en-US" || got.Theme != domain.ThemeLight || !got.AutoStart || got.TunnelProtocol != domain.TunnelTCP {
		t.Fatalf("Apply result = %+v", got)
	}
}

func TestPreferencesSetRollbackOnPersistFailure(t *testing.T) {
	repo := &fakePrefsRepo{saveErr: errors.New("write failed")}
	mgr := NewPreferencesManager(repo, nil)

	if err := mgr.SetDefaultPort(9999); err == nil {
		t.Fatalf("expected persist error")
	}
	if mgr.Get().DefaultPort != domain.DefaultServePort {
		t.Fatalf("in-memory state should roll back, got %d", mgr.Get().DefaultPort)
	}
}

func TestPreferencesReset(t *testing.T) {
	repo := &fakePrefsRepo{}
	mgr := NewPreferencesManager(repo, nil)
	if err := mgr.SetLastContentPath("/tmp/share"); err != nil {
		t.Fatalf("SetLastContentPath: %v", err)
	}

	var notified []domain.Preferences
	mgr.OnChange(func(p domain.Preferences) { notified = append(notified, p) })

	got, err := mgr.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got != domain.DefaultPreferences() || mgr.Get() != domain.DefaultPreferences() {
		t.Fatalf("Reset should restore defaults")
	}
	if repo.clearCalls != 1 || repo.found {
		t.Fatalf("Reset should clear persisted keys")
	}
	if len(notified) != 1 {
		t.Fatalf("listeners notified %d times", len(notified))
	}
}

func TestPreferencesResetClearFailure(t *testing.T) {
	repo := &fakePrefsRepo{clearErr: errors.New("locked")}
	mgr := NewPreferencesManager(repo, nil)
	if err := mgr.SetDefaultPort(8500); err != nil {
		t.Fatalf("SetDefaultPort: %v", err)
	}
	if _, err := mgr.Reset(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if mgr.Get().DefaultPort != 8500 {
		t.Fatalf("failed reset must keep current state")
	}
}

// gatedPrefsRepo blocks the first Save until release is closed.
type gatedPrefsRepo struct {
	mu      sync.Mutex
	payload []byte
	gated   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPrefsRepo) Load(_ context.Context) ([]byte, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.payload, g.payload != nil, nil
}

func (g *gatedPrefsRepo) Save(_ context.Context, payload []byte) error {
	g.mu.Lock()
	first := !g.gated
	g.gated = true
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	g.payload = append([]byte(nil), payload...)
	g.mu.Unlock()
	return nil
}

func (g *gatedPrefsRepo) Clear(_ context.Context) error {
	g.mu.Lock()
	g.payload = nil
	g.mu.Unlock()
	return nil
}

func TestPreferencesConcurrentWritersPersistLatestState(t *testing.T) {
	repo := &gatedPrefsRepo{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewPreferencesManager(repo, nil)

	portErr := make(chan error, 1)
	go func() { portErr <- mgr.SetDefaultPort(8081) }()
	<-repo.entered

	themeErr := make(chan error, 1)
	go func() {
		_, err := mgr.Set(domain.FieldTheme, "light")
		themeErr <- err
	}()

	select {
	case <-themeErr:
		t.Fatalf("second writer finished while the first save was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(repo.release)
	if err := <-portErr; err != nil {
		t.Fatalf("SetDefaultPort: %v", err)
	}
	if err := <-themeErr; err != nil {
		t.Fatalf("Set theme: %v", err)
	}

	got := mgr.Get()
	if got.Theme != domain.ThemeLight || got.DefaultPort != 8081 {
		t.Fatalf("memory = theme %q port %d", got.Theme, got.DefaultPort)
	}

	payload, _, _ := repo.Load(context.Background())
	stored, _, err := decodePreferences(payload)
	if err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if stored != got {
		t.Fatalf("persisted %+v, memory %+v", stored, got)
	}
}

func TestPreferencesFailedWriteKeepsEarlierCommit(t *testing.T) {
	repo := &fakePrefsRepo{}
	mgr := NewPreferencesManager(repo, nil)

	if _, err := mgr.Set(domain.FieldTheme, "light"); err != nil {
		t.Fatalf("Set theme: %v", err)
	}
	repo.saveErr = errors.New("write failed")
	if err := mgr.SetDefaultPort(9000); err == nil {
		t.Fatalf("expected persist error")
	}
	got := mgr.Get()
	if got.Theme != domain.ThemeLight || got.DefaultPort != domain.DefaultServePort {
		t.Fatalf("memory = theme %q port %d", got.Theme, got.DefaultPort)
	}
}
