package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly validated trading section after a config
// file change. Returning an error keeps the previous parameters live.
type ReloadFunc func(trading TradingConfig) error

// HotReloader 监听配置文件变化并热更新 trading 参数。
// 只有 trading 段参与热更新；其余段的改动需要重启进程。
type HotReloader struct {
	path     string
	cooldown time.Duration
	watcher  *fsnotify.Watcher
	onReload ReloadFunc

	mu         sync.Mutex
	lastReload time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHotReloader creates a reloader for the config at path.
func NewHotReloader(path string, cooldown time.Duration, onReload ReloadFunc) (*HotReloader, error) {
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &HotReloader{
		path:     path,
		cooldown: cooldown,
		watcher:  watcher,
		onReload: onReload,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start begins watching the config file.
func (h *HotReloader) Start(ctx context.Context) error {
	if err := h.watcher.Add(h.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop shuts the watcher down.
func (h *HotReloader) Stop() error {
	select {
	case <-h.stopChan:
	default:
		close(h.stopChan)
	}
	select {
	case <-h.doneChan:
	case <-time.After(time.Second):
	}
	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				h.reload()
			}
		case _, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
		}
	}
}

func (h *HotReloader) reload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastReload) < h.cooldown {
		return
	}
	cfg, err := LoadWithEnvOverrides(h.path)
	if err != nil {
		return // malformed edit, keep running on old params
	}
	if h.onReload != nil {
		if err := h.onReload(cfg.Trading); err != nil {
			return
		}
	}
	h.lastReload = time.Now()
}

// LastReloadTime returns when the last successful reload happened.
func (h *HotReloader) LastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}
