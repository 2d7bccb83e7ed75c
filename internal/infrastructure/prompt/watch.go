package prompt

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch watches the loader's override directory for changes and calls
// Reload on every write/create/remove of a .md file in it; changes to other
// files, schema.yaml included, do not trigger a reload. A
// reload that fails validation is logged and otherwise ignored — the
// previous, valid template set stays in force. No-op if the loader has no
// override directory configured.
//
// Blocks until ctx is cancelled or the watcher fails to start; run it in its
// own goroutine.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return err
	}

	l.logger.Info("prompt template hot-reload watching started", zap.String("dir", l.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handleWatchEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("prompt template watcher error", zap.Error(err))
		}
	}
}

func (l *Loader) handleWatchEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}

	if err := l.Reload(); err != nil {
		l.logger.Error("prompt template reload rejected",
			zap.String("trigger", event.Name),
			zap.Error(err),
		)
	}
}
