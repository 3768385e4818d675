package settings

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CoreVariant identifies a supported build of the external core.
type CoreVariant string

const (
	// CoreMihomo is the stable channel.
	CoreMihomo CoreVariant = "mihomo"
	// CoreMihomoAlpha is the alpha channel of the same engine.
	CoreMihomoAlpha CoreVariant = "mihomo-alpha"
)

// DefaultCoreVariant is used when settings do not name a core.
const DefaultCoreVariant = CoreMihomo

// legacy names accepted when decoding older settings files.
var variantAliases = map[string]CoreVariant{
	"clash-meta": CoreMihomo,
}

// Variants lists every supported core variant in display order.
func Variants() []CoreVariant {
	return []CoreVariant{CoreMihomo, CoreMihomoAlpha}
}

// ParseCoreVariant validates a variant name.
func ParseCoreVariant(name string) (CoreVariant, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, v := range Variants() {
		if string(v) == name {
			return v, nil
		}
	}
	if v, ok := variantAliases[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("settings: unknown core variant %q", name)
}

// String implements fmt.Stringer.
func (v CoreVariant) String() string { return string(v) }

// BinaryName returns the executable name of the variant.
func (v CoreVariant) BinaryName() string {
	return string(v)
}

// IsMihomoFamily reports whether v belongs to the mihomo engine family.
func (v CoreVariant) IsMihomoFamily() bool {
	return v == CoreMihomo || v == CoreMihomoAlpha
}

// RunArgs returns the launch arguments for a long-running core.
func (v CoreVariant) RunArgs(dataDir, configPath string) []string {
	switch v {
	case CoreMihomo, CoreMihomoAlpha:
		return []string{"-m", "-d", dataDir, "-f", configPath}
	default:
		return []string{"-d", dataDir, "-f", configPath}
	}
}

// CheckArgs returns the arguments for a validate-only invocation.
func (v CoreVariant) CheckArgs(dataDir, configPath string) []string {
	return []string{"-t", "-d", dataDir, "-f", configPath}
}

// DefaultControllerPort is the external-controller port used when the clash
// config does not specify one.
func (v CoreVariant) DefaultControllerPort() uint16 {
	switch v {
	case CoreMihomoAlpha:
		return 9097
	default:
		return 9090
	}
}

// UnmarshalYAML accepts legacy aliases.
func (v *CoreVariant) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseCoreVariant(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
