package enhance

import (
	_ "embed"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/config/store"
	"github.com/nupi-ai/corevisor/internal/settings"
)

//go:embed builtin/meta_guard.js
var metaGuardJS string

//go:embed builtin/meta_hy_alpn.js
var metaHyAlpnJS string

// Payload is the content of a chain item: Merge or Script.
type Payload interface {
	payload()
}

// Merge overrides the config with a mapping.
type Merge struct {
	Mapping config.Mapping
}

// Script transforms the config with a JavaScript main(config) function.
type Script struct {
	Source string
}

func (Merge) payload()  {}
func (Script) payload() {}

// ChainItem is one enhancement step.
type ChainItem struct {
	ID      string
	Payload Payload
}

// Support restricts an item to a set of core variants.
type Support int

const (
	// SupportAll applies to every core.
	SupportAll Support = iota
	// SupportMihomo applies to the mihomo family.
	SupportMihomo
)

// IsSupported reports whether the item applies to variant. A nil variant
// supports everything.
func (s Support) IsSupported(variant *settings.CoreVariant) bool {
	if variant == nil {
		return true
	}
	switch s {
	case SupportAll:
		return true
	case SupportMihomo:
		return variant.IsMihomoFamily()
	default:
		return false
	}
}

// Entry pairs an item with the cores it supports.
type Entry struct {
	Support Support
	Item    ChainItem
}

// Builtin returns the built-in items in execution order.
func Builtin() []Entry {
	return []Entry{
		{Support: SupportMihomo, Item: ChainItem{ID: "verge_hy_alpn", Payload: Script{Source: metaHyAlpnJS}}},
		{Support: SupportMihomo, Item: ChainItem{ID: "verge_meta_guard", Payload: Script{Source: metaGuardJS}}},
	}
}

// FromItem loads the chain item backing a stored merge or script item.
// The second result is false when the item contributes nothing: wrong type,
// missing file, or unreadable content.
func FromItem(profilesDir string, item store.Item) (ChainItem, bool) {
	if !item.Type.IsEnhancement() || item.File == "" {
		return ChainItem{}, false
	}
	path := filepath.Join(profilesDir, item.File)

	switch item.Type {
	case store.ItemScript:
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Printf("[Enhance] read script %s: %v", item.UID, err)
			}
			return ChainItem{}, false
		}
		return ChainItem{ID: item.UID, Payload: Script{Source: string(data)}}, true
	case store.ItemMerge:
		m, err := config.ReadMapping(path)
		if err != nil {
			if !errors.Is(err, config.ErrFileNotFound) {
				log.Printf("[Enhance] read merge %s: %v", item.UID, err)
			}
			return ChainItem{}, false
		}
		return ChainItem{ID: item.UID, Payload: Merge{Mapping: m}}, true
	}
	return ChainItem{}, false
}
