package domain

// PreferencesSchemaVersion is the version written by the current build.
const PreferencesSchemaVersion = 2

const (
	DefaultServePort  = 8080
	DefaultTunnelPort = 3000
	DefaultLanguage   = "en"
)

type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

func (t Theme) Valid() bool {
	return t == ThemeDark || t == ThemeLight
}

// Preferences is the persisted, user-settable configuration.
type Preferences struct {
	Theme              Theme          `json:"theme"`
	Language           string         `json:"language"`
	TunnelAuthToken    string         `json:"tunnelAuthToken"`
	DefaultPort        int            `json:"defaultPort"`
	LastContentPath    string         `json:"lastContentPath"`
	AutoStart          bool           `json:"autoStartFlag"`
	TunnelPort         int            `json:"tunnelPort"`
	TunnelProtocol     TunnelProtocol `json:"tunnelProtocol"`
	LastReceiveAddress string         `json:"lastReceiveAddress"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		Theme:          ThemeDark,
		Language:       DefaultLanguage,
		DefaultPort:    DefaultServePort,
		TunnelPort:     DefaultTunnelPort,
		TunnelProtocol: TunnelHTTP,
	}
}

// PreferenceField names a settable Preferences field in its JSON form.
type PreferenceField string

const (
	FieldTheme              PreferenceField = "theme"
	FieldLanguage           PreferenceField = "language"
	FieldTunnelAuthToken    PreferenceField = "tunnelAuthToken"
	FieldDefaultPort        PreferenceField = "defaultPort"
	FieldLastContentPath    PreferenceField = "lastContentPath"
	FieldAutoStart          PreferenceField = "autoStartFlag"
	FieldTunnelPort         PreferenceField = "tunnelPort"
	FieldTunnelProtocol     PreferenceField = "tunnelProtocol"
	FieldLastReceiveAddress PreferenceField = "lastReceiveAddress"
)

func ValidPort(p int) bool {
	return p >= 1 && p <= 65535
}
