package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/good-yellow-bee/threatwatch/internal/pipeline"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// policySetter receives reloaded decision policies.
type policySetter interface {
	SetPolicy(pipeline.Policy) error
}

// configWatcher reloads the pipeline policy when the config file changes.
// Other sections need a restart.
type configWatcher struct {
	path   string
	target policySetter
	logger *slog.Logger
}

func newConfigWatcher(path string, target policySetter, logger *slog.Logger) *configWatcher {
	return &configWatcher{path: path, target: target, logger: logger}
}

// Run watches until ctx is cancelled.
func (w *configWatcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name == abs && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-debounce:
			debounce = nil
			w.reload(abs)
		}
	}
}

// reload keeps the running policy when the new file is invalid.
func (w *configWatcher) reload(path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current policy", "path", path, "error", err)
		return
	}
	if err := w.target.SetPolicy(cfg.Pipeline.Policy); err != nil {
		w.logger.Error("apply reloaded policy", "error", err)
		return
	}
	w.logger.Info("decision policy reloaded",
		"anomaly_threshold", cfg.Pipeline.AnomalyThreshold,
		"log_threat_severity", cfg.Pipeline.LogThreatSeverity,
		"log_confidence_fallback", cfg.Pipeline.LogConfidenceFallback,
	)
}
