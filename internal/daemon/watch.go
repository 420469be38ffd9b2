//go:build linux

package daemon

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/coop/internal/config"
	"github.com/ehrlich-b/coop/internal/logger"
)

// watchSocketDir watches the state directory for an externally removed
// socket (an operator `rm`, or a crash-cleanup race with another process)
// and rebinds immediately instead of waiting for the next client connection
// attempt to notice the daemon is unreachable.
func (d *Daemon) watchSocketDir(onSocketRemoved func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify watcher unavailable, socket deletion won't trigger an immediate rebind", "err", err)
		return
	}
	if err := watcher.Add(d.State); err != nil {
		logger.Warn("failed to watch state dir", "dir", d.State, "err", err)
		watcher.Close()
		return
	}

	sockPath := config.SocketPath(d.State)
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == sockPath && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
					logger.Warn("daemon socket removed externally, rebinding", "path", sockPath)
					onSocketRemoved()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("fsnotify error watching state dir", "err", err)
			}
		}
	}()
}
