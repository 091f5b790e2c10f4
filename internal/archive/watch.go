package archive

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchInbox delivers a tick whenever the agent's inbox signal file is
// touched. In-process consumers (and embedded clients) use this instead of
// polling; the debounce on the write side keeps the channel quiet during
// bursts. The channel closes when ctx ends.
func (s *Store) WatchInbox(ctx context.Context, slug, agent string) (<-chan struct{}, error) {
	repo, err := s.Repo(slug)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(repo.Dir(), "agents", agent, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	ticks := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ticks)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != SignalFileName {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case ticks <- struct{}{}:
				default: // a tick is already pending
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Default().Debug("inbox watch error", "dir", dir, "err", err)
			}
		}
	}()
	return ticks, nil
}
