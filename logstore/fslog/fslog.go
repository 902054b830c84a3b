// Package fslog reads recorded logs from a directory. Each log is a pair of
// files: <id>.jsonl with one event envelope per line and <id>.meta.json with
// its logstore.Metadata.
package fslog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/logstore"
)

const (
	eventsExt = ".jsonl"
	metaExt   = ".meta.json"
)

// Store implements logstore.Store over a directory.
type Store struct {
	dir string
}

// New returns a store reading from dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir is the directory logs are read from.
func (s *Store) Dir() string { return s.dir }

// ListLogs implements logstore.Store. An empty userID lists every log.
func (s *Store) ListLogs(ctx context.Context, userID string) ([]logstore.Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list logs: %w", err)
	}

	var out []logstore.Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := s.readMeta(strings.TrimSuffix(e.Name(), metaExt))
		if err != nil {
			return nil, err
		}
		if userID == "" || meta.UserID == userID {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) readMeta(id string) (logstore.Metadata, error) {
	var meta logstore.Metadata
	raw, err := os.ReadFile(filepath.Join(s.dir, id+metaExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, &errdefs.NotFoundError{Type: "log", Name: id}
		}
		return meta, fmt.Errorf("read log metadata %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode log metadata %s: %w", id, err)
	}
	if meta.ID == "" {
		meta.ID = id
	}
	return meta, nil
}

// LoadLog implements logstore.Store.
func (s *Store) LoadLog(ctx context.Context, logID string) (*logstore.Log, error) {
	if logID == "" || strings.ContainsAny(logID, `/\`) {
		return nil, &errdefs.NotFoundError{Type: "log", Name: logID}
	}
	meta, err := s.readMeta(logID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, logID+eventsExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errdefs.NotFoundError{Type: "log", Name: logID}
		}
		return nil, fmt.Errorf("open log %s: %w", logID, err)
	}
	defer f.Close()

	l := &logstore.Log{Meta: meta}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		ev, err := events.Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("log %s line %d: %w", logID, line, err)
		}
		l.Events = append(l.Events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", logID, err)
	}

	l.Bounds()
	return l, nil
}

// WriteLog stores l in the directory. Used by tools that record sessions.
func (s *Store) WriteLog(l *logstore.Log) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var buf strings.Builder
	for _, ev := range l.Events {
		b, err := events.Marshal(ev)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(s.dir, l.Meta.ID+eventsExt), []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write log %s: %w", l.Meta.ID, err)
	}

	meta, err := json.MarshalIndent(l.Meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, l.Meta.ID+metaExt), meta, 0o644); err != nil {
		return fmt.Errorf("write log metadata %s: %w", l.Meta.ID, err)
	}
	return nil
}

var _ logstore.Store = (*Store)(nil)
