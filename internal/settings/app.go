package settings

import (
	"errors"
	"fmt"
	"log"

	"github.com/nupi-ai/corevisor/internal/config"
)

const appSettingsHeader = "# corevisor settings"

// ClashStrategy groups core-related policies.
type ClashStrategy struct {
	ExternalControllerPortStrategy PortStrategy `yaml:"external_controller_port_strategy"`
}

// AppSettings is the application settings aggregate persisted as settings.yaml.
// Pointer fields distinguish "unset" from the zero value so Patch only
// overwrites what the caller provided.
type AppSettings struct {
	AppLogLevel           *string        `yaml:"app_log_level,omitempty"`
	ClashCore             *CoreVariant   `yaml:"clash_core,omitempty"`
	EnableTunMode         *bool          `yaml:"enable_tun_mode,omitempty"`
	EnableServiceMode     *bool          `yaml:"enable_service_mode,omitempty"`
	EnableRandomPort      *bool          `yaml:"enable_random_port,omitempty"`
	VergeMixedPort        *uint16        `yaml:"verge_mixed_port,omitempty"`
	EnableBuiltinEnhanced *bool          `yaml:"enable_builtin_enhanced,omitempty"`
	EnableClashFields     *bool          `yaml:"enable_clash_fields,omitempty"`
	MaxLogFiles           *int           `yaml:"max_log_files,omitempty"`
	ClashStrategy         *ClashStrategy `yaml:"clash_strategy,omitempty"`
}

// DefaultAppSettings returns the settings written on first run.
func DefaultAppSettings() AppSettings {
	core := DefaultCoreVariant
	return AppSettings{
		AppLogLevel:           ptr("info"),
		ClashCore:             &core,
		EnableTunMode:         ptr(false),
		EnableServiceMode:     ptr(false),
		EnableRandomPort:      ptr(false),
		VergeMixedPort:        ptr(uint16(DefaultMixedPort)),
		EnableBuiltinEnhanced: ptr(true),
		EnableClashFields:     ptr(true),
		MaxLogFiles:           ptr(7),
		ClashStrategy:         &ClashStrategy{ExternalControllerPortStrategy: DefaultPortStrategy},
	}
}

// LoadAppSettings reads path, falling back to defaults when the file is
// missing or unreadable. A missing file is not logged.
func LoadAppSettings(path string) AppSettings {
	var s AppSettings
	if err := config.ReadYAML(path, &s); err != nil {
		if !errors.Is(err, config.ErrFileNotFound) {
			log.Printf("[Settings] %v; using defaults", err)
		}
		return DefaultAppSettings()
	}
	return s
}

// Save writes the settings to path.
func (s AppSettings) Save(path string) error {
	if err := config.SaveYAML(path, s, appSettingsHeader); err != nil {
		return fmt.Errorf("settings: save app settings: %w", err)
	}
	return nil
}

// Clone returns a deep copy.
func (s AppSettings) Clone() AppSettings {
	out := AppSettings{
		AppLogLevel:           clonePtr(s.AppLogLevel),
		ClashCore:             clonePtr(s.ClashCore),
		EnableTunMode:         clonePtr(s.EnableTunMode),
		EnableServiceMode:     clonePtr(s.EnableServiceMode),
		EnableRandomPort:      clonePtr(s.EnableRandomPort),
		VergeMixedPort:        clonePtr(s.VergeMixedPort),
		EnableBuiltinEnhanced: clonePtr(s.EnableBuiltinEnhanced),
		EnableClashFields:     clonePtr(s.EnableClashFields),
		MaxLogFiles:           clonePtr(s.MaxLogFiles),
		ClashStrategy:         clonePtr(s.ClashStrategy),
	}
	return out
}

// Patch overwrites every field that is set in p.
func (s *AppSettings) Patch(p AppSettings) {
	patchField(&s.AppLogLevel, p.AppLogLevel)
	patchField(&s.ClashCore, p.ClashCore)
	patchField(&s.EnableTunMode, p.EnableTunMode)
	patchField(&s.EnableServiceMode, p.EnableServiceMode)
	patchField(&s.EnableRandomPort, p.EnableRandomPort)
	patchField(&s.VergeMixedPort, p.VergeMixedPort)
	patchField(&s.EnableBuiltinEnhanced, p.EnableBuiltinEnhanced)
	patchField(&s.EnableClashFields, p.EnableClashFields)
	patchField(&s.MaxLogFiles, p.MaxLogFiles)
	patchField(&s.ClashStrategy, p.ClashStrategy)
}

// Core returns the selected variant or the default.
func (s AppSettings) Core() CoreVariant {
	if s.ClashCore == nil || *s.ClashCore == "" {
		return DefaultCoreVariant
	}
	return *s.ClashCore
}

// TunMode reports whether tun mode is enabled.
func (s AppSettings) TunMode() bool { return deref(s.EnableTunMode, false) }

// ServiceMode reports whether the privileged service path is preferred.
func (s AppSettings) ServiceMode() bool { return deref(s.EnableServiceMode, false) }

// RandomPort reports whether the mixed port is randomized on start.
func (s AppSettings) RandomPort() bool { return deref(s.EnableRandomPort, false) }

// BuiltinEnhanced reports whether built-in chain items run.
func (s AppSettings) BuiltinEnhanced() bool { return deref(s.EnableBuiltinEnhanced, true) }

// ClashFields reports whether generated output is restricted to known clash
// keys.
func (s AppSettings) ClashFields() bool { return deref(s.EnableClashFields, true) }

// PortStrategy returns the external-controller port strategy.
func (s AppSettings) PortStrategy() PortStrategy {
	if s.ClashStrategy == nil || s.ClashStrategy.ExternalControllerPortStrategy == "" {
		return DefaultPortStrategy
	}
	return s.ClashStrategy.ExternalControllerPortStrategy
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func patchField[T any](dst **T, src *T) {
	if src != nil {
		*dst = clonePtr(src)
	}
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
