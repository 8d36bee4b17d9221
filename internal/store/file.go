package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"procman/internal/job"
	"procman/pkg/logx"
)

// fileStore is a dependency-free backend: one <name>.json document per job
// under a directory. Writes go through a temp file plus rename so a
// concurrent reader never sees a torn record.
type fileStore struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *fileStore) Put(ctx context.Context, st job.Status) error {
	_ = ctx
	if strings.TrimSpace(st.Name) == "" {
		return errors.New("status with empty job name")
	}
	if strings.ContainsAny(st.Name, "/\\") {
		return errors.New("job name may not contain path separators")
	}

	b, err := json.Marshal(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(st.Name) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(st.Name))
}

func (s *fileStore) All(ctx context.Context) ([]job.Status, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []job.Status
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable status file", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		var st job.Status
		if err := json.Unmarshal(b, &st); err != nil {
			s.log.Warn("skipping corrupt status file", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	_ = ctx
	if strings.ContainsAny(name, "/\\") {
		return errors.New("job name may not contain path separators")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Close() error { return nil }
