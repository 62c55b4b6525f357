package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Manifest is the on-disk routing control file. Operators edit it to
// deprecate versions or adjust A/B routes without restarting the engine.
type Manifest struct {
	Deprecations []ManifestDeprecation `json:"deprecations,omitempty"`
	Routes       []ManifestRoute       `json:"routes,omitempty"`
}

type ManifestDeprecation struct {
	ToolName string    `json:"tool_name"`
	Version  string    `json:"version"`
	At       time.Time `json:"at,omitempty"`
}

type ManifestRoute struct {
	ToolName         string `json:"tool_name"`
	CandidateVersion string `json:"candidate_version"`
	Percent          int    `json:"percent"`
}

// ManifestWatcher applies manifest edits to a registry as they land on disk.
type ManifestWatcher struct {
	registry *Registry
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewManifestWatcher starts watching the manifest file. An existing manifest
// is applied immediately; a missing file is not an error, edits are picked
// up once it appears.
func NewManifestWatcher(registry *Registry, path string, logger zerolog.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest watcher: %w", err)
	}

	mw := &ManifestWatcher{
		registry: registry,
		path:     path,
		watcher:  watcher,
		logger:   logger.With().Str("component", "manifest-watcher").Logger(),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(path); err != nil {
		// Watch the file's directory instead so creation is noticed.
		if dirErr := watcher.Add(filepath.Dir(path)); dirErr != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch manifest: %w", dirErr)
		}
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if applyErr := mw.apply(); applyErr != nil {
			mw.logger.Warn().Err(applyErr).Msg("Initial manifest apply failed")
		}
	}

	go mw.run()
	return mw, nil
}

// Stop stops the watcher.
func (mw *ManifestWatcher) Stop() error {
	close(mw.stopCh)
	return mw.watcher.Close()
}

func (mw *ManifestWatcher) run() {
	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != mw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				mw.logger.Debug().Str("op", event.Op.String()).Msg("Manifest change detected")
				mw.scheduleApply()
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-mw.stopCh:
			return
		}
	}
}

// scheduleApply debounces rapid successive writes into one apply.
func (mw *ManifestWatcher) scheduleApply() {
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.timer = time.AfterFunc(mw.debounce, func() {
		if err := mw.apply(); err != nil {
			mw.logger.Warn().Err(err).Msg("Manifest apply failed")
		}
	})
}

// apply reads the manifest and applies its deprecations and routes.
func (mw *ManifestWatcher) apply() error {
	data, err := os.ReadFile(mw.path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	for _, dep := range m.Deprecations {
		at := dep.At
		if at.IsZero() {
			at = time.Now()
		}
		if err := mw.registry.Deprecate(dep.ToolName, dep.Version, at); err != nil {
			mw.logger.Warn().
				Err(err).
				Str("tool", dep.ToolName).
				Str("version", dep.Version).
				Msg("Manifest deprecation skipped")
		}
	}

	for _, route := range m.Routes {
		mw.registry.SetRoute(route.ToolName, Route{
			CandidateVersion: route.CandidateVersion,
			Percent:          route.Percent,
		})
	}

	mw.logger.Info().
		Int("deprecations", len(m.Deprecations)).
		Int("routes", len(m.Routes)).
		Msg("Manifest applied")
	return nil
}
