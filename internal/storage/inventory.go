package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/uprelay/internal/logging"
)

// InventoryStats summarizes the files in the upload root.
type InventoryStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Inventory keeps a live count of the files in the upload root. It is
// seeded by a directory scan and updated from filesystem notifications, so
// files removed or added behind the service's back are reflected too.
type Inventory struct {
	root    string
	watcher *fsnotify.Watcher
	logger  logging.Logger

	mutex sync.RWMutex
	files map[string]int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewInventory scans root and starts watching it.
func NewInventory(root string, logger logging.Logger) (*Inventory, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch upload root: %w", err)
	}

	inv := &Inventory{
		root:    root,
		watcher: watcher,
		logger:  logger.WithComponent("inventory"),
		files:   make(map[string]int64),
		done:    make(chan struct{}),
	}
	if err := inv.scan(); err != nil {
		watcher.Close()
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) scan() error {
	entries, err := os.ReadDir(inv.root)
	if err != nil {
		return fmt.Errorf("scanning upload root: %w", err)
	}

	inv.mutex.Lock()
	defer inv.mutex.Unlock()
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		inv.files[entry.Name()] = info.Size()
	}
	return nil
}

// Start processes filesystem events until ctx is done or Stop is called.
func (inv *Inventory) Start(ctx context.Context) {
	go inv.watchLoop(ctx)
}

// Stop closes the underlying watcher.
func (inv *Inventory) Stop() error {
	var err error
	inv.stopOnce.Do(func() {
		close(inv.done)
		err = inv.watcher.Close()
	})
	return err
}

func (inv *Inventory) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-inv.done:
			return
		case event, ok := <-inv.watcher.Events:
			if !ok {
				return
			}
			inv.handleEvent(event)
		case err, ok := <-inv.watcher.Errors:
			if !ok {
				return
			}
			// Log error but continue watching
			inv.logger.Warn(ctx, err, "Upload root watcher error")
		}
	}
}

func (inv *Inventory) handleEvent(event fsnotify.Event) {
	if filepath.Dir(event.Name) != filepath.Clean(inv.root) {
		return
	}
	name := filepath.Base(event.Name)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		inv.mutex.Lock()
		delete(inv.files, name)
		inv.mutex.Unlock()
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		inv.mutex.Lock()
		inv.files[name] = info.Size()
		inv.mutex.Unlock()
	}
}

// Stats returns the current file count and total size.
func (inv *Inventory) Stats() InventoryStats {
	inv.mutex.RLock()
	defer inv.mutex.RUnlock()

	stats := InventoryStats{Files: len(inv.files)}
	for _, size := range inv.files {
		stats.Bytes += size
	}
	return stats
}
