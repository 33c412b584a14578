package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// configReloadDebounce coalesces the bursts of write events editors and
// atomic-rename saves produce for a single logical change.
const configReloadDebounce = 150 * time.Millisecond

// Watcher watches the configuration file and triggers hot reloads.
// Only mutable settings (secret keys, debug level) take effect at runtime;
// structural settings require a restart and are ignored by the callback.
type Watcher struct {
	configPath     string
	reloadCallback func(*Config)
	watcher        *fsnotify.Watcher

	reloadMu    sync.Mutex
	reloadTimer *time.Timer
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, reloadCallback func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory rather than the file so atomic renames keep working.
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.reloadMu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.reloadMu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Clean(w.configPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(configReloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.configPath)
	if err != nil {
		log.Warnf("config reload skipped: %v", err)
		return
	}
	log.Infof("config file changed, applying mutable settings")
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}
