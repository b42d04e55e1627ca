package identity

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Watch reloads the owner lists whenever the env file at path changes, so
// adding an owner does not require a restart. The parent directory is
// watched because editors replace files atomically.
func (o *Owners) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				o.reloadFile(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("owner env watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (o *Owners) reloadFile(path string) {
	vars, err := godotenv.Read(path)
	if err != nil {
		slog.Warn("reload owner env failed", "path", path, "error", err)
		return
	}
	relevant := map[string]string{}
	for _, key := range []string{EnvOwnerEmails, EnvOwnerNostr, EnvSystemEmail} {
		if v, ok := vars[key]; ok {
			relevant[key] = v
		}
	}
	if len(relevant) == 0 {
		return
	}
	o.apply(relevant)
	slog.Info("owner identities reloaded", "path", path)
}
