// Package loader watches the policy overrides file so operators can
// tune the emergency threshold without restarting an in-flight
// migration. Changes take effect on the next tick.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"portage/internal/logger"
)

// PolicyOverrides mirrors the hot-reloadable subset of PolicyConfig.
type PolicyOverrides struct {
	EmergencyLossPct float64 `mapstructure:"emergency_loss_pct"`
	TightenStopPct   float64 `mapstructure:"tighten_stop_pct"`
}

// PolicyWatcher re-reads the overrides file on filesystem events and
// hands the parsed result to an apply callback.
type PolicyWatcher struct {
	path  string
	apply func(PolicyOverrides)

	mu      sync.Mutex
	pending *time.Timer
}

// NewPolicyWatcher builds a watcher for the yaml file at path.
func NewPolicyWatcher(path string, apply func(PolicyOverrides)) (*PolicyWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("policy watcher: path cannot be empty")
	}
	if apply == nil {
		return nil, fmt.Errorf("policy watcher: apply callback required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{path: abs, apply: apply}, nil
}

// ReadOnce loads the overrides file once, for startup.
func (w *PolicyWatcher) ReadOnce() (PolicyOverrides, error) {
	return readOverrides(w.path)
}

// Run blocks watching the file's directory until ctx is cancelled.
// Editors replace files instead of writing in place, so the watch is on
// the directory and events are filtered by name.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("policy watcher: watching %s: %w", filepath.Dir(w.path), err)
	}
	logger.Infof("policy watcher: watching %s", w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounced(func() {
				overrides, err := readOverrides(w.path)
				if err != nil {
					logger.Warnf("policy watcher: reload failed: %v", err)
					return
				}
				w.apply(overrides)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("policy watcher: %v", err)
		}
	}
}

// debounced coalesces bursts of events (editors fire several per save).
func (w *PolicyWatcher) debounced(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(300*time.Millisecond, fn)
}

func readOverrides(path string) (PolicyOverrides, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return PolicyOverrides{}, err
	}
	var out PolicyOverrides
	if err := v.Unmarshal(&out); err != nil {
		return PolicyOverrides{}, err
	}
	if out.EmergencyLossPct < 0 || out.EmergencyLossPct > 1 {
		return PolicyOverrides{}, fmt.Errorf("emergency_loss_pct out of range: %.2f", out.EmergencyLossPct)
	}
	if out.TightenStopPct < 0 || out.TightenStopPct >= 1 {
		return PolicyOverrides{}, fmt.Errorf("tighten_stop_pct out of range: %.2f", out.TightenStopPct)
	}
	return out, nil
}
