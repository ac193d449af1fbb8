package housebot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the templates whenever a prompt file changes, until ctx is
// done. Changes are collected for the debounce interval before reloading.
func (h *HouseBot) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched, not the files.
	if err := fsw.Add(h.config.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", h.config.Dir, err)
	}

	watched := map[string]bool{
		h.config.SystemFile: true,
		h.config.HumanFile:  true,
	}
	if h.config.DefaultStateFile != "" {
		watched[h.config.DefaultStateFile] = true
	}

	debounce := h.config.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	h.logger.Info("Watching prompt templates", "dir", h.config.Dir, "debounce", debounce)
	go h.processEvents(ctx, fsw, watched, debounce)
	return nil
}

func (h *HouseBot) processEvents(ctx context.Context, fsw *fsnotify.Watcher, watched map[string]bool, debounce time.Duration) {
	defer fsw.Close()

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	pending := make(map[string]fsnotify.Op)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !watched[name] || event.Op == fsnotify.Chmod {
				continue
			}
			pending[name] |= event.Op

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			h.logger.Warn("Prompt watcher error", "error", err)

		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			files := make([]string, 0, len(pending))
			for name := range pending {
				files = append(files, name)
			}
			clear(pending)
			if err := h.Reload(); err != nil {
				h.logger.Warn("Prompt reload failed, keeping previous templates",
					"files", files,
					"error", err)
			}
		}
	}
}
