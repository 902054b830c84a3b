package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/storage"
)

const (
	// LegacyExt is the suffix of JSON patch files.
	LegacyExt = ".logPatch"
	// CurrentExt is the suffix of binary patch files.
	CurrentExt = ".pb.logPatch"
	backupExt  = ".backup"

	indexKey = "patchfile"
)

// CurrentName is the patch file name used for logID.
func CurrentName(logID string) string { return logID + CurrentExt }

// LegacyName is the JSON patch file name used for logID.
func LegacyName(logID string) string { return logID + LegacyExt }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Open loads the patches of logID. base is the recorded log and must not be
// modified afterwards. Opening an already opened log reloads it from disk.
// A legacy JSON patch file is converted to the current encoding on the way.
func (s *Store) Open(ctx context.Context, logID string, base []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx, logID, base)
}

func (s *Store) openLocked(ctx context.Context, logID string, base []events.Event) error {
	lp := newLogPatches(base)

	name, data, legacy, err := s.readPatchFile(ctx, logID)
	if err != nil {
		return err
	}

	var entries []Entry
	switch {
	case data == nil:
	case legacy:
		entries, err = decodeLegacy(data)
		if err != nil {
			return &errdefs.CorruptPatchError{Path: s.path(name), Err: err}
		}
	default:
		entries, err = decodeEntries(data)
		if err != nil {
			return &errdefs.CorruptPatchError{Path: s.path(name), Err: err}
		}
	}

	for _, e := range entries {
		e := e
		e.LogID = logID
		if legacy {
			// JSON files predate derived events; infer them from the log.
			if ev, ok := lp.recorded(e.Timestamp, e.AttributeID); ok {
				e.Kind = ev.Kind
			} else {
				e.Derived = true
				if b, ok := lp.before(e.Timestamp, e.AttributeID); ok {
					e.Kind = b.Kind
				}
			}
		}
		if e.Derived {
			lp.occupied[e.Timestamp] = struct{}{}
		}
		if e.Requested == 0 {
			e.Requested = e.Timestamp
		}
		lp.entries[entryKey{e.Timestamp, e.AttributeID}] = &e
	}
	lp.file = name
	lp.disk = data
	s.logs[logID] = lp

	if legacy {
		s.log.Info("patch.upgrade", slog.String("log", logID), slog.Int("entries", len(entries)))
		if _, err := s.writeLocked(ctx, logID, lp); err != nil {
			return fmt.Errorf("upgrade patch file for %s: %w", logID, err)
		}
	}
	return nil
}

// readPatchFile finds the patch file of logID: the one named in the index,
// else the current name, else the legacy name.
func (s *Store) readPatchFile(ctx context.Context, logID string) (name string, data []byte, legacy bool, err error) {
	candidates := []string{CurrentName(logID), LegacyName(logID)}
	if s.index != nil {
		item, err := s.index.Get(ctx, indexKey, storage.WithLog(logID))
		if err != nil {
			return "", nil, false, fmt.Errorf("read patch index for %s: %w", logID, err)
		}
		if item != nil {
			candidates = append([]string{string(item.Data)}, candidates...)
		}
	}

	for _, name := range candidates {
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", nil, false, fmt.Errorf("read patch file %s: %w", name, err)
		}
		isLegacy := strings.HasSuffix(name, LegacyExt) && !strings.HasSuffix(name, CurrentExt)
		return name, data, isLegacy, nil
	}
	return "", nil, false, nil
}

// Reload re-reads the patch file of an opened log.
func (s *Store) Reload(ctx context.Context, logID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp, err := s.loaded(logID)
	if err != nil {
		return err
	}
	return s.openLocked(ctx, logID, lp.base)
}

// Close forgets an opened log without touching its files.
func (s *Store) Close(logID string) {
	s.mu.Lock()
	delete(s.logs, logID)
	s.mu.Unlock()
}

// WriteToLog persists the log's entries and returns the patch file name. A
// log without entries has its patch file removed and yields "".
func (s *Store) WriteToLog(ctx context.Context, logID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp, err := s.loaded(logID)
	if err != nil {
		return "", err
	}
	return s.writeLocked(ctx, logID, lp)
}

func (s *Store) writeLocked(ctx context.Context, logID string, lp *logPatches) (string, error) {
	entries := lp.sorted()
	if len(entries) == 0 {
		if err := s.removeFiles(ctx, logID); err != nil {
			return "", err
		}
		lp.file, lp.disk = "", nil
		return "", nil
	}

	name := CurrentName(logID)
	data := encodeEntries(entries)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create patch dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create patch file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write patch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write patch file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replace patch file: %w", err)
	}

	legacy := s.path(LegacyName(logID))
	if _, err := os.Stat(legacy); err == nil {
		if err := os.Rename(legacy, legacy+backupExt); err != nil {
			return "", fmt.Errorf("back up legacy patch file: %w", err)
		}
	}

	if s.index != nil {
		if err := s.index.Set(ctx, indexKey, []byte(name), storage.WithLog(logID)); err != nil {
			return "", fmt.Errorf("update patch index for %s: %w", logID, err)
		}
	}

	lp.file, lp.disk = name, data
	return name, nil
}

func (s *Store) removeFiles(ctx context.Context, logID string) error {
	for _, name := range []string{CurrentName(logID), LegacyName(logID)} {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove patch file %s: %w", name, err)
		}
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, storage.WithLog(logID), storage.WithKey(indexKey)); err != nil {
			return fmt.Errorf("clear patch index for %s: %w", logID, err)
		}
	}
	return nil
}

// DeleteLog removes every patch of logID, on disk and in memory. The log
// stays opened with no entries.
func (s *Store) DeleteLog(ctx context.Context, logID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeFiles(ctx, logID); err != nil {
		return err
	}
	if lp, ok := s.logs[logID]; ok {
		s.logs[logID] = newLogPatches(lp.base)
	}
	s.log.Info("patch.delete", slog.String("log", logID))
	return nil
}

// PatchFile returns the current patch file name of an opened log, or "".
func (s *Store) PatchFile(logID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lp, ok := s.logs[logID]; ok {
		return lp.file
	}
	return ""
}
