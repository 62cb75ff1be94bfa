package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
)

// LoadOutcome describes how PreferencesManager.Load arrived at its state.
type LoadOutcome string

const (
	LoadedStored    LoadOutcome = "stored"
	LoadedDefaults  LoadOutcome = "defaults"
	LoadedMigrated  LoadOutcome = "migrated"
	LoadedRecovered LoadOutcome = "recovered"
)

type LoadResult struct {
	Outcome     LoadOutcome
	FromVersion int
	// Cause is set for LoadedRecovered and wraps domain.ErrPersistenceCorruption.
	Cause error
}

type preferencesEnvelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// preferencesV1 is the layout written before ports became integers and
// fields were renamed.
type preferencesV1 struct {
	Theme             string `json:"theme"`
	Lang              string `json:"lang"`
	NgrokToken        string `json:"ngrokToken"`
	ServerPort        string `json:"serverPort"`
	FolderPath        string `json:"folderPath"`
	AutoStart         bool   `json:"autoStart"`
	ProxyPort         string `json:"proxyPort"`
	ProxyProtocol     string `json:"proxyProtocol"`
	P2PReceiveAddress string `json:"p2pReceiveAddress"`
}

// PreferencesManager is the Config Store: in-memory preferences persisted on
// every mutation through a PreferencesRepository.
type PreferencesManager struct {
	// writeMu serializes mutations end to end so the store never holds an
	// older state than memory.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	repo      ports.PreferencesRepository
	prefs     domain.Preferences
	timeout   time.Duration
	logger    *slog.Logger
	listeners []func(domain.Preferences)
}

func NewPreferencesManager(repo ports.PreferencesRepository, logger *slog.Logger) *PreferencesManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferencesManager{
		repo:    repo,
		prefs:   domain.DefaultPreferences(),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Load replaces the in-memory state with the persisted one. Absent, corrupt
// or unsupported payloads reset to defaults which are then re-persisted.
// A repository read failure leaves defaults in memory and returns the error.
func (m *PreferencesManager) Load(ctx context.Context) (LoadResult, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.repo == nil {
		m.replace(domain.DefaultPreferences())
		return LoadResult{Outcome: LoadedDefaults}, nil
	}

	payload, ok, err := m.repo.Load(ctx)
	if err != nil {
		m.replace(domain.DefaultPreferences())
		return LoadResult{}, fmt.Errorf("load preferences: %w", err)
	}
	if !ok || len(payload) == 0 {
		return m.resetAndPersist(ctx, LoadResult{Outcome: LoadedDefaults})
	}

	prefs, version, err := decodePreferences(payload)
	if err != nil {
		m.logger.Warn("preferences corrupt, resetting to defaults", slog.String("error", err.Error()))
		return m.resetAndPersist(ctx, LoadResult{Outcome: LoadedRecovered, FromVersion: version, Cause: err})
	}

	m.replace(prefs)
	if version == domain.PreferencesSchemaVersion {
		return LoadResult{Outcome: LoadedStored, FromVersion: version}, nil
	}

	m.logger.Info("preferences migrated",
		slog.Int("from", version),
		slog.Int("to", domain.PreferencesSchemaVersion),
	)
	if err := m.save(ctx, prefs); err != nil {
		return LoadResult{Outcome: LoadedMigrated, FromVersion: version}, fmt.Errorf("persist migrated preferences: %w", err)
	}
	return LoadResult{Outcome: LoadedMigrated, FromVersion: version}, nil
}

func (m *PreferencesManager) resetAndPersist(ctx context.Context, result LoadResult) (LoadResult, error) {
	defaults := domain.DefaultPreferences()
	m.replace(defaults)
	if err := m.save(ctx, defaults); err != nil {
		return result, fmt.Errorf("persist default preferences: %w", err)
	}
	return result, nil
}

func (m *PreferencesManager) Get() domain.Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs
}

// Set updates a single field. See Apply.
func (m *PreferencesManager) Set(field domain.PreferenceField, value any) (domain.Preferences, error) {
	return m.Apply(map[domain.PreferenceField]any{field: value})
}

// Apply updates several fields at once. The patch is validated as a whole
// and committed to memory only after it has been persisted.
func (m *PreferencesManager) Apply(patch map[domain.PreferenceField]any) (domain.Preferences, error) {
	if len(patch) == 0 {
		return m.Get(), nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := m.Get()
	next := prev
	for field, value := range patch {
		if err := applyField(&next, field, value); err != nil {
			return prev, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.save(ctx, next); err != nil {
		return prev, fmt.Errorf("persist preferences: %w", err)
	}
	m.replace(next)

	m.notify(next)
	return next, nil
}

func (m *PreferencesManager) SetDefaultPort(port int) error {
	_, err := m.Set(domain.FieldDefaultPort, port)
	return err
}

func (m *PreferencesManager) SetLastContentPath(path string) error {
	_, err := m.Set(domain.FieldLastContentPath, path)
	return err
}

func (m *PreferencesManager) SetLastReceiveAddress(address string) error {
	_, err := m.Set(domain.FieldLastReceiveAddress, address)
	return err
}

// Reset returns to defaults and clears every persisted key.
func (m *PreferencesManager) Reset(ctx context.Context) (domain.Preferences, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.repo != nil {
		if err := m.repo.Clear(ctx); err != nil {
			return m.Get(), fmt.Errorf("clear preferences: %w", err)
		}
	}
	defaults := domain.DefaultPreferences()
	m.replace(defaults)
	m.notify(defaults)
	return defaults, nil
}

// OnChange registers fn to receive the preferences after every mutation.
func (m *PreferencesManager) OnChange(fn func(domain.Preferences)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *PreferencesManager) replace(p domain.Preferences) {
	m.mu.Lock()
	m.prefs = p
	m.mu.Unlock()
}

func (m *PreferencesManager) notify(p domain.Preferences) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
}

func (m *PreferencesManager) save(ctx context.Context, p domain.Preferences) error {
	if m.repo == nil {
		return nil
	}
	payload, err := encodePreferences(p)
	if err != nil {
		return err
	}
	return m.repo.Save(ctx, payload)
}

func encodePreferences(p domain.Preferences) ([]byte, error) {
	state, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(preferencesEnvelope{Version: domain.PreferencesSchemaVersion, State: state})
}

// decodePreferences returns the decoded state and the version it was stored
// under. Every failure wraps domain.ErrPersistenceCorruption.
func decodePreferences(payload []byte) (domain.Preferences, int, error) {
	var env preferencesEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.Preferences{}, 0, corrupt("decode envelope: %v", err)
	}
	if len(env.State) == 0 || string(env.State) == "null" {
		return domain.Preferences{}, env.Version, corrupt("missing state")
	}

	switch env.Version {
	case domain.PreferencesSchemaVersion:
		prefs := domain.DefaultPreferences()
		if err := json.Unmarshal(env.State, &prefs); err != nil {
			return domain.Preferences{}, env.Version, corrupt("decode state: %v", err)
		}
		if err := validatePreferences(&prefs); err != nil {
			return domain.Preferences{}, env.Version, corrupt("%v", err)
		}
		return prefs, env.Version, nil
	case 1:
		var old preferencesV1
		if err := json.Unmarshal(env.State, &old); err != nil {
			return domain.Preferences{}, env.Version, corrupt("decode v1 state: %v", err)
		}
		prefs := migrateV1(old)
		if err := validatePreferences(&prefs); err != nil {
			return domain.Preferences{}, env.Version, corrupt("migrate v1: %v", err)
		}
		return prefs, env.Version, nil
	default:
		return domain.Preferences{}, env.Version, corrupt("unsupported schema version %d", env.Version)
	}
}

func migrateV1(old preferencesV1) domain.Preferences {
	prefs := domain.DefaultPreferences()
	if t := domain.Theme(strings.TrimSpace(old.Theme)); t.Valid() {
		prefs.Theme = t
	}
	if lang := strings.TrimSpace(old.Lang); lang != "" {
		prefs.Language = lang
	}
	prefs.TunnelAuthToken = strings.TrimSpace(old.NgrokToken)
	if port, ok := parsePort(old.ServerPort); ok {
		prefs.DefaultPort = port
	}
	if port, ok := parsePort(old.ProxyPort); ok {
		prefs.TunnelPort = port
	}
	if p := domain.TunnelProtocol(strings.ToLower(strings.TrimSpace(old.ProxyProtocol))); p.Valid() {
		prefs.TunnelProtocol = p
	}
	prefs.LastContentPath = old.FolderPath
	prefs.AutoStart = old.AutoStart
	prefs.LastReceiveAddress = strings.TrimSpace(old.P2PReceiveAddress)
	return prefs
}

func parsePort(value string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || !domain.ValidPort(port) {
		return 0, false
	}
	return port, true
}

func validatePreferences(p *domain.Preferences) error {
	if !p.Theme.Valid() {
		return fmt.Errorf("invalid theme %q", p.Theme)
	}
	lang, err := canonicalLanguage(p.Language)
	if err != nil {
		return err
	}
	p.Language = lang
	if !domain.ValidPort(p.DefaultPort) {
		return fmt.Errorf("invalid defaultPort %d", p.DefaultPort)
	}
	if !domain.ValidPort(p.TunnelPort) {
		return fmt.Errorf("invalid tunnelPort %d", p.TunnelPort)
	}
	if !p.TunnelProtocol.Valid() {
		return fmt.Errorf("invalid tunnelProtocol %q", p.TunnelProtocol)
	}
	return nil
}

func canonicalLanguage(value string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("invalid language %q", value)
	}
	return tag.String(), nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrPersistenceCorruption, fmt.Sprintf(format, args...))
}

func applyField(p *domain.Preferences, field domain.PreferenceField, value any) error {
	switch field {
	case domain.FieldTheme:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		theme := domain.Theme(strings.ToLower(s))
		if !theme.Valid() {
			return domain.Validationf("theme must be dark or light")
		}
		p.Theme = theme
	case domain.FieldLanguage:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		lang, err := canonicalLanguage(s)
		if err != nil {
			return domain.Validationf("%v", err)
		}
		p.Language = lang
	case domain.FieldTunnelAuthToken:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		p.TunnelAuthToken = strings.TrimSpace(s)
	case domain.FieldDefaultPort:
		port, err := asPort(field, value)
		if err != nil {
			return err
		}
		p.DefaultPort = port
	case domain.FieldTunnelPort:
		port, err := asPort(field, value)
		if err != nil {
			return err
		}
		p.TunnelPort = port
	case domain.FieldTunnelProtocol:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		proto := domain.TunnelProtocol(strings.ToLower(s))
		if !proto.Valid() {
			return domain.Validationf("tunnelProtocol must be http or tcp")
		}
		p.TunnelProtocol = proto
	case domain.FieldLastContentPath:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		p.LastContentPath = s
	case domain.FieldLastReceiveAddress:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		p.LastReceiveAddress = strings.TrimSpace(s)
	case domain.FieldAutoStart:
		b, ok := value.(bool)
		if !ok {
			return domain.Validationf("%s must be a boolean", field)
		}
		p.AutoStart = b
	default:
		return domain.Validationf("unknown preference %q", field)
	}
	return nil
}

func asString(field domain.PreferenceField, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", domain.Validationf("%s must be a string", field)
	}
	return strings.TrimSpace(s), nil
}

// asPort accepts Go integers, JSON numbers and numeric strings.
func asPort(field domain.PreferenceField, value any) (int, error) {
	var port int
	switch v := value.(type) {
	case int:
		port = v
	case int64:
		port = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, domain.Validationf("%s must be an integer", field)
		}
		port = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, domain.Validationf("%s must be an integer", field)
		}
		port = int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, domain.Validationf("%s must be an integer", field)
		}
		port = n
	default:
		return 0, domain.Validationf("%s must be an integer", field)
	}
	if !domain.ValidPort(port) {
		return 0, domain.Validationf("%s must be between 1 and 65535", field)
	}
	return port, nil
}
