package hotkeys

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher on the template files and logs a
// notice when one changes on disk. The registry itself never reloads;
// template changes take effect on the next restart.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := make(map[string]bool, len(r.files))
	dirs := make(map[string]bool)
	for _, f := range r.files {
		abs, err := filepath.Abs(f)
		if err != nil {
			watcher.Close()
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Watch directories, not files: editors replace files on save and
	// a file watch would be lost after the first write.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go r.watchLoop(ctx, watcher, watched)

	r.logger.Info().Strs("files", r.files).Msg("watching template files for changes")
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]bool) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				r.logger.Warn().
					Str("file", ev.Name).
					Str("op", ev.Op.String()).
					Msg("template file changed on disk; restart to apply")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("template watcher error")
		}
	}
}
