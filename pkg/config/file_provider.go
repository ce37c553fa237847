package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileProvider serves the manifest of a local file and reloads it when the
// file changes. Subscribers receive every successfully reloaded manifest;
// manifests that fail to load are logged and skipped.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	manifest    *Manifest
	subscribers []chan *Manifest
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// FileProviderConfig holds the options of a FileProvider.
type FileProviderConfig struct {
	Path   string
	Logger *slog.Logger
	// Debounce coalesces bursts of write events. Defaults to 100ms.
	Debounce time.Duration
}

// NewFileProvider loads the manifest at cfg.Path and starts watching it.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	manifest, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:     absPath,
		logger:   logger,
		debounce: debounce,
		manifest: manifest,
		watcher:  watcher,
		cancel:   cancel,
	}
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully loaded manifest.
func (p *FileProvider) Current() *Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest
}

// Subscribe returns a channel that receives the current manifest immediately
// and every reload after it. Slow subscribers miss intermediate reloads.
func (p *FileProvider) Subscribe() <-chan *Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Manifest, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.manifest
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.reload(); err != nil {
						p.logger.Error("manifest reload failed", slog.String("path", p.path), slog.Any("error", err))
						return
					}
					p.logger.Info("manifest reloaded", slog.String("path", p.path))
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("manifest watcher error", slog.Any("error", err))
		}
	}
}

func (p *FileProvider) reload() error {
	manifest, err := Load(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = manifest
	for _, ch := range p.subscribers {
		// Replace a pending manifest rather than block on a slow consumer.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- manifest:
		default:
		}
	}
	return nil
}
