package enhance

import (
	"context"
	"log"
	"slices"
	"sort"
	"time"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/settings"
)

// Input is everything needed to generate a runtime config.
type Input struct {
	// Profile is the current profile mapping. Nil means an empty profile.
	Profile config.Mapping
	// Clash supplies the guard fields overlaid on the profile.
	Clash settings.ClashConfig
	// Chain holds user items in the profile's chain order.
	Chain []Entry
	// Variant selects which items are supported. Nil supports everything.
	Variant *settings.CoreVariant
	// BuiltinEnhanced enables the built-in items.
	BuiltinEnhanced bool
	// FilterFields restricts the output to guard and valid clash keys.
	FilterFields bool
	// TunMode is written into tun.enable.
	TunMode bool
}

// Runtime is a generated core configuration.
type Runtime struct {
	Config     config.Mapping
	ExistsKeys []string
	Logs       map[string][]LogEntry
}

// Clone returns a deep copy.
func (r Runtime) Clone() Runtime {
	out := Runtime{
		Config:     config.CloneMapping(r.Config),
		ExistsKeys: slices.Clone(r.ExistsKeys),
	}
	if r.Logs != nil {
		out.Logs = make(map[string][]LogEntry, len(r.Logs))
		for k, v := range r.Logs {
			out.Logs[k] = slices.Clone(v)
		}
	}
	return out
}

// Builder runs enhancement chains.
type Builder struct {
	ScriptTimeout time.Duration
}

// NewBuilder returns a builder with the default script timeout.
func NewBuilder() *Builder {
	return &Builder{ScriptTimeout: DefaultScriptTimeout}
}

// Build generates the runtime config for in. A failing item only loses its
// own contribution; the failure is recorded in Runtime.Logs under the item
// id and the chain continues.
func (b *Builder) Build(ctx context.Context, in Input) Runtime {
	guard := guardMapping(in.Clash)
	cfg := MergeMapping(in.Profile, guard)
	logs := make(map[string][]LogEntry)

	var entries []Entry
	if in.BuiltinEnhanced {
		entries = append(entries, Builtin()...)
	}
	entries = append(entries, in.Chain...)

	for _, entry := range entries {
		if !entry.Support.IsSupported(in.Variant) {
			continue
		}
		cfg = b.apply(ctx, entry.Item, cfg, logs)
	}

	cfg = MergeMapping(cfg, guard)
	applyTun(cfg, in.TunMode)
	if in.FilterFields {
		cfg = filterFields(cfg)
	}

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Runtime{Config: cfg, ExistsKeys: keys, Logs: logs}
}

func (b *Builder) apply(ctx context.Context, item ChainItem, cfg config.Mapping, logs map[string][]LogEntry) config.Mapping {
	switch p := item.Payload.(type) {
	case Merge:
		return MergeMapping(cfg, p.Mapping)
	case Script:
		out, scriptLogs, err := RunScript(ctx, p.Source, cfg, b.ScriptTimeout)
		if len(scriptLogs) > 0 {
			logs[item.ID] = append(logs[item.ID], scriptLogs...)
		}
		if err != nil {
			log.Printf("[Enhance] script %s failed: %v", item.ID, err)
			logs[item.ID] = append(logs[item.ID], LogEntry{Level: "exception", Message: err.Error()})
			return cfg
		}
		return out
	default:
		return cfg
	}
}

func guardMapping(clash settings.ClashConfig) config.Mapping {
	out := config.Mapping{}
	for _, key := range settings.GuardFields {
		if v, ok := clash.Values[key]; ok {
			out[key] = v
		}
	}
	return config.CloneMapping(out)
}

func applyTun(cfg config.Mapping, enable bool) {
	tun, _ := cfg["tun"].(map[string]any)
	if tun == nil {
		if !enable {
			return
		}
		tun = map[string]any{}
	}
	tun["enable"] = enable
	cfg["tun"] = tun

	if !enable {
		return
	}
	if _, ok := tun["stack"]; !ok {
		tun["stack"] = "gvisor"
	}
	if _, ok := tun["auto-route"]; !ok {
		tun["auto-route"] = true
	}
	dns, _ := cfg["dns"].(map[string]any)
	if dns == nil {
		dns = map[string]any{
			"enhanced-mode": "fake-ip",
			"fake-ip-range": "198.18.0.1/16",
		}
	}
	dns["enable"] = true
	cfg["dns"] = dns
}

func filterFields(cfg config.Mapping) config.Mapping {
	out := make(config.Mapping, len(cfg))
	for _, fields := range [][]string{settings.GuardFields, settings.ValidFields} {
		for _, key := range fields {
			if v, ok := cfg[key]; ok {
				out[key] = v
			}
		}
	}
	return out
}
