// Package registry owns the three configuration aggregates (app settings,
// clash config, generated runtime) and turns them into the files the core
// reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/config/draft"
	"github.com/nupi-ai/corevisor/internal/config/store"
	"github.com/nupi-ai/corevisor/internal/enhance"
	"github.com/nupi-ai/corevisor/internal/settings"
)

const runtimeHeader = "# Generated by corevisor. Edits are overwritten on every start."

// FileKind selects which generated file to write.
type FileKind int

const (
	// RuntimeFile is the config the running core loads.
	RuntimeFile FileKind = iota
	// CheckFile is the copy passed to the validate-only invocation.
	CheckFile
)

// Registry holds the drafts and the profile store.
type Registry struct {
	paths   config.Paths
	store   *store.Store
	builder *enhance.Builder

	Settings *draft.Draft[settings.AppSettings]
	Clash    *draft.Draft[settings.ClashConfig]
	Runtime  *draft.Draft[enhance.Runtime]
}

// Open loads settings.yaml and clash.yaml from paths, writing templates for
// files that do not exist yet. st may be nil, in which case generation uses
// an empty profile.
func Open(paths config.Paths, st *store.Store) (*Registry, error) {
	app, err := loadOrInitSettings(paths.Settings)
	if err != nil {
		return nil, err
	}
	clash, err := loadOrInitClash(paths.Clash, app)
	if err != nil {
		return nil, err
	}

	return &Registry{
		paths:    paths,
		store:    st,
		builder:  enhance.NewBuilder(),
		Settings: draft.New(app, settings.AppSettings.Clone),
		Clash:    draft.New(clash, settings.ClashConfig.Clone),
		Runtime:  draft.New(enhance.Runtime{}, enhance.Runtime.Clone),
	}, nil
}

func loadOrInitSettings(path string) (settings.AppSettings, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		app := settings.DefaultAppSettings()
		if err := app.Save(path); err != nil {
			return settings.AppSettings{}, fmt.Errorf("registry: write settings template: %w", err)
		}
		return app, nil
	}
	return settings.LoadAppSettings(path), nil
}

func loadOrInitClash(path string, app settings.AppSettings) (settings.ClashConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		clash := settings.DefaultClashConfig()
		if app.VergeMixedPort != nil {
			clash.Values["mixed-port"] = int(*app.VergeMixedPort)
		}
		if err := clash.Save(path); err != nil {
			return settings.ClashConfig{}, fmt.Errorf("registry: write clash template: %w", err)
		}
		return clash, nil
	}
	return settings.LoadClashConfig(path), nil
}

// Paths returns the file layout the registry writes into.
func (r *Registry) Paths() config.Paths {
	return r.paths
}

// Store returns the profile store, which may be nil.
func (r *Registry) Store() *store.Store {
	return r.store
}

// SetScriptTimeout overrides the per-script execution budget.
func (r *Registry) SetScriptTimeout(d time.Duration) {
	r.builder.ScriptTimeout = d
}

// PreparePorts resolves the external controller port (and the mixed port
// when random ports are enabled) for the next start. Inside an open clash
// draft only the draft is edited; otherwise the change is committed and
// saved immediately.
func (r *Registry) PreparePorts() error {
	app := r.Settings.Working()
	_, open := r.Clash.Pending()

	var err error
	r.Clash.Edit(func(c *settings.ClashConfig) {
		if err = c.PrepareExternalControllerPort(app.PortStrategy(), app.Core()); err != nil {
			return
		}
		if app.RandomPort() {
			err = c.RandomizeMixedPort()
		}
	})
	if err != nil {
		if !open {
			r.Clash.Discard()
		}
		return fmt.Errorf("registry: prepare ports: %w", err)
	}
	if open {
		return nil
	}
	r.Clash.Apply()
	return r.SaveClash()
}

// Generate rebuilds the runtime config from the working settings, clash
// config and current profile, leaving it as the pending runtime draft.
func (r *Registry) Generate(ctx context.Context) error {
	app := r.Settings.Working()
	clash := r.Clash.Working()

	profile, chain, err := r.loadProfile(ctx)
	if err != nil {
		return err
	}

	variant := app.Core()
	rt := r.builder.Build(ctx, enhance.Input{
		Profile:         profile,
		Clash:           clash,
		Chain:           chain,
		Variant:         &variant,
		BuiltinEnhanced: app.BuiltinEnhanced(),
		FilterFields:    app.ClashFields(),
		TunMode:         app.TunMode(),
	})
	for id, entries := range rt.Logs {
		for _, e := range entries {
			log.Printf("[Enhance] %s [%s] %s", id, e.Level, e.Message)
		}
	}
	r.Runtime.Replace(rt)
	return nil
}

func (r *Registry) loadProfile(ctx context.Context) (config.Mapping, []enhance.Entry, error) {
	if r.store == nil {
		return config.Mapping{}, nil, nil
	}

	current, err := r.store.Current(ctx)
	if store.IsNotFound(err) {
		return config.Mapping{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("registry: current profile: %w", err)
	}

	profile, err := config.ReadMapping(filepath.Join(r.paths.ProfilesDir, current.File))
	if err != nil {
		return nil, nil, fmt.Errorf("registry: read profile %s: %w", current.UID, err)
	}

	items, err := r.store.Chain(ctx, current.UID)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: profile chain: %w", err)
	}
	chain := make([]enhance.Entry, 0, len(items))
	for _, item := range items {
		ci, ok := enhance.FromItem(r.paths.ProfilesDir, item)
		if !ok {
			continue
		}
		chain = append(chain, enhance.Entry{Support: enhance.SupportAll, Item: ci})
	}
	return profile, chain, nil
}

// WriteFile writes the working runtime config and returns the path.
func (r *Registry) WriteFile(kind FileKind) (string, error) {
	path := r.paths.Runtime
	if kind == CheckFile {
		path = r.paths.Check
	}
	rt := r.Runtime.Working()
	if rt.Config == nil {
		return "", errors.New("registry: write runtime file: nothing generated")
	}
	if err := config.SaveYAML(path, rt.Config, runtimeHeader); err != nil {
		return "", fmt.Errorf("registry: write runtime file: %w", err)
	}
	return path, nil
}

// WriteFiles writes runtime.yaml and check.yaml concurrently.
func (r *Registry) WriteFiles(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, kind := range []FileKind{RuntimeFile, CheckFile} {
		g.Go(func() error {
			_, err := r.WriteFile(kind)
			return err
		})
	}
	return g.Wait()
}

// SaveSettings persists the committed app settings.
func (r *Registry) SaveSettings() error {
	return r.Settings.Save(func(s settings.AppSettings) error {
		return s.Save(r.paths.Settings)
	})
}

// SaveClash persists the committed clash config.
func (r *Registry) SaveClash() error {
	return r.Clash.Save(func(c settings.ClashConfig) error {
		return c.Save(r.paths.Clash)
	})
}
