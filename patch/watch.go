package patch

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads opened logs whose patch file is changed on disk by someone
// else, typically another relay instance sharing the directory, and calls
// onChange with the log id. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(logID string)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			logID, ok := patchLogID(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if s.changedOnDisk(logID) {
				if err := s.Reload(ctx, logID); err != nil {
					s.log.Warn("patch.watch.reload", slog.String("log", logID), slog.String("err", err.Error()))
					continue
				}
				s.log.Info("patch.watch.reloaded", slog.String("log", logID))
				if onChange != nil {
					onChange(logID)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Debug("patch.watch.error", slog.String("err", err.Error()))
		}
	}
}

func patchLogID(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, CurrentExt):
		return strings.TrimSuffix(name, CurrentExt), true
	case strings.HasSuffix(name, LegacyExt):
		return strings.TrimSuffix(name, LegacyExt), true
	}
	return "", false
}

// changedOnDisk reports whether an opened log's patch file differs from what
// this store last read or wrote.
func (s *Store) changedOnDisk(logID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp, ok := s.logs[logID]
	if !ok {
		return false
	}
	data, err := os.ReadFile(s.path(CurrentName(logID)))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(s.path(LegacyName(logID)))
		if errors.Is(err, fs.ErrNotExist) {
			return lp.disk != nil
		}
	}
	if err != nil {
		return false
	}
	return !bytes.Equal(data, lp.disk)
}
