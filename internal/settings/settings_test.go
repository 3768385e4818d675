package settings

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/corevisor/internal/config"
)

func TestParseCoreVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    CoreVariant
		wantErr bool
	}{
		{in: "mihomo", want: CoreMihomo},
		{in: "Mihomo-Alpha", want: CoreMihomoAlpha},
		{in: "clash-meta", want: CoreMihomo},
		{in: "clash-premium", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCoreVariant(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v; wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("variant = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestVariantArgs(t *testing.T) {
	run := CoreMihomoAlpha.RunArgs("/home", "/home/runtime.yaml")
	want := []string{"-m", "-d", "/home", "-f", "/home/runtime.yaml"}
	if !reflect.DeepEqual(run, want) {
		t.Errorf("RunArgs = %v; want %v", run, want)
	}
	check := CoreMihomo.CheckArgs("/home", "/home/check.yaml")
	want = []string{"-t", "-d", "/home", "-f", "/home/check.yaml"}
	if !reflect.DeepEqual(check, want) {
		t.Errorf("CheckArgs = %v; want %v", check, want)
	}
}

func TestAppSettingsDecodesLegacyCoreAlias(t *testing.T) {
	var s AppSettings
	if err := yaml.Unmarshal([]byte("clash_core: clash-meta\n"), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.Core() != CoreMihomo {
		t.Errorf("Core() = %q; want mihomo", s.Core())
	}
}

func TestAppSettingsPatchOnlySetFields(t *testing.T) {
	s := DefaultAppSettings()
	alpha := CoreMihomoAlpha
	s.Patch(AppSettings{ClashCore: &alpha, EnableTunMode: ptr(true)})

	if s.Core() != CoreMihomoAlpha {
		t.Errorf("Core() = %q; want alpha", s.Core())
	}
	if !s.TunMode() {
		t.Error("TunMode not patched")
	}
	if !s.BuiltinEnhanced() {
		t.Error("unset field in patch overwrote BuiltinEnhanced")
	}
	if s.VergeMixedPort == nil || *s.VergeMixedPort != DefaultMixedPort {
		t.Error("unset field in patch overwrote VergeMixedPort")
	}
}

func TestAppSettingsCloneIsIndependent(t *testing.T) {
	s := DefaultAppSettings()
	c := s.Clone()
	*c.EnableTunMode = true
	c.ClashStrategy.ExternalControllerPortStrategy = PortFixed

	if s.TunMode() {
		t.Error("clone aliased EnableTunMode")
	}
	if s.PortStrategy() != DefaultPortStrategy {
		t.Error("clone aliased ClashStrategy")
	}
}

func TestAppSettingsSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s := DefaultAppSettings()
	alpha := CoreMihomoAlpha
	s.ClashCore = &alpha

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded := LoadAppSettings(path)
	if loaded.Core() != CoreMihomoAlpha {
		t.Errorf("loaded core = %q; want alpha", loaded.Core())
	}
	if loaded.PortStrategy() != PortAllowFallback {
		t.Errorf("loaded strategy = %q", loaded.PortStrategy())
	}
}

func TestLoadAppSettingsMissingUsesDefaults(t *testing.T) {
	s := LoadAppSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if s.Core() != DefaultCoreVariant || !s.BuiltinEnhanced() {
		t.Errorf("defaults not applied: %+v", s)
	}
}

func TestClashConfigAccessors(t *testing.T) {
	c := ClashConfig{Values: config.Mapping{
		"mixed-port":          7891,
		"external-controller": "0.0.0.0:9999",
		"secret":              "s3cret",
		"dns":                 map[string]any{"fake-ip-range": "198.18.0.1/16"},
	}}

	if got := c.MixedPort(); got != 7891 {
		t.Errorf("MixedPort = %d; want 7891", got)
	}
	if got := c.ControllerAddr(); got != "127.0.0.1:9999" {
		t.Errorf("ControllerAddr = %q; want 127.0.0.1:9999", got)
	}
	if got := c.Secret(); got != "s3cret" {
		t.Errorf("Secret = %q", got)
	}
	if got := c.TunDeviceIP(); got != "198.18.0.2" {
		t.Errorf("TunDeviceIP = %q; want 198.18.0.2", got)
	}
	if got := (ClashConfig{}).TunDeviceIP(); got != defaultTunDeviceIP {
		t.Errorf("default TunDeviceIP = %q", got)
	}
}

func TestPrepareExternalControllerPortFixedBusy(t *testing.T) {
	busy := occupyPort(t)
	c := ClashConfig{Values: config.Mapping{
		"external-controller": net.JoinHostPort("127.0.0.1", strconv.Itoa(int(busy))),
	}}

	err := c.PrepareExternalControllerPort(PortFixed, CoreMihomo)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("err = %v; want ErrPortUnavailable", err)
	}
}

func TestPrepareExternalControllerPortFallback(t *testing.T) {
	busy := occupyPort(t)
	c := ClashConfig{Values: config.Mapping{
		"external-controller": net.JoinHostPort("127.0.0.1", strconv.Itoa(int(busy))),
	}}

	if err := c.PrepareExternalControllerPort(PortAllowFallback, CoreMihomo); err != nil {
		t.Fatalf("PrepareExternalControllerPort: %v", err)
	}
	port, ok := c.ControllerPort()
	if !ok || port == busy {
		t.Errorf("controller port = %d (ok=%v); want fallback", port, ok)
	}
}

func TestClashConfigSaveLoadRoundTripKeepsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clash.yaml")
	c := DefaultClashConfig()
	c.Patch(config.Mapping{"tun": map[string]any{"stack": "gvisor"}})
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	loaded := LoadClashConfig(path)
	tun, _ := loaded.Values["tun"].(map[string]any)
	if tun["stack"] != "gvisor" {
		t.Errorf("tun.stack = %v; want gvisor", tun["stack"])
	}
}

func TestPortValue(t *testing.T) {
	tests := []struct {
		in   any
		want uint16
		ok   bool
	}{
		{7890, 7890, true},
		{int64(7890), 7890, true},
		{float64(7890), 7890, true},
		{7890.5, 0, false},
		{"9090", 9090, true},
		{-1, 0, false},
		{70000, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := PortValue(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PortValue(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
