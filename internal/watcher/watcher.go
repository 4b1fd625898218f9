// Package watcher hot-reloads the YAML configuration when the file changes
// on disk. It debounces noisy editor saves and skips writes that do not
// change the content.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/config"
)

// reloadDebounce coalesces the burst of events a single save produces.
const reloadDebounce = 150 * time.Millisecond

// Watcher watches the config file and invokes a callback with the freshly
// parsed configuration whenever its content changes.
type Watcher struct {
	configPath string
	callback   func(*config.Config)
	watcher    *fsnotify.Watcher

	mu          sync.Mutex
	reloadTimer *time.Timer
	lastHash    string
}

// New creates a watcher for the given config file. The callback runs on the
// watcher goroutine and must not block.
func New(configPath string, callback func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		callback:   callback,
		watcher:    fsw,
	}, nil
}

// Start begins watching. The parent directory is watched instead of the file
// itself so atomic replace-by-rename saves keep producing events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		w.mu.Lock()
		w.lastHash = contentHash(data)
		w.mu.Unlock()
	}

	go w.processEvents(ctx)
	log.Debugf("watching config file: %s", w.configPath)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&ops == 0 {
		return
	}
	if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
		return
	}
	log.Debugf("config file event: %s %s", event.Op.String(), event.Name)
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		w.reloadTimer = nil
		w.mu.Unlock()
		w.reloadIfChanged()
	})
}

func (w *Watcher) reloadIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debug("ignoring empty config file write event")
		return
	}
	newHash := contentHash(data)

	w.mu.Lock()
	unchanged := w.lastHash != "" && w.lastHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debug("config file content unchanged (hash match), skipping reload")
		return
	}

	// A half-written or invalid file must not take the process down; keep
	// serving with the previous configuration.
	cfg, err := config.Load(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	w.mu.Lock()
	w.lastHash = newHash
	w.mu.Unlock()

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.callback != nil {
		w.callback(cfg)
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
