package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"procman/internal/job"
	"procman/pkg/logx"
)

// Manager owns the schedule definition file: strict parsing, validated
// graph builds, and an optional fsnotify watch that re-parses on change.
//
// An invalid file never replaces a previously committed one; the error is
// logged (or returned to the caller on explicit Load) and the old content
// stays active.
type Manager struct {
	path string

	mu   sync.RWMutex
	file *File

	// lastHash tracks the last successfully committed file content. Editors
	// commonly emit several write events per save; the hash suppresses
	// redundant publishes.
	lastHash uint64

	log logx.Logger

	subsMu sync.Mutex
	subs   []chan *Loaded
}

// Loaded is one validated parse result.
type Loaded struct {
	Settings Settings
	Graph    *job.Graph
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*File, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidGraph, err)
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidGraph, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", job.ErrInvalidGraph)
		}
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidGraph, err)
	}
	return &f, nil
}

// Load parses, builds and validates the job graph, and commits on success.
func (m *Manager) Load() (*Loaded, error) {
	f, err := m.Parse()
	if err != nil {
		return nil, err
	}
	specs, err := BuildSpecs(f.Schedules)
	if err != nil {
		return nil, err
	}
	g, err := job.NewGraph(specs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.file = f
	m.lastHash = hashFile(f)
	m.mu.Unlock()

	return &Loaded{Settings: f.Settings, Graph: g}, nil
}

// Settings returns the last committed settings block.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file == nil {
		return Settings{}
	}
	return m.file.Settings
}

// Subscribe returns a channel receiving validated reloads from Watch.
func (m *Manager) Subscribe() <-chan *Loaded {
	ch := make(chan *Loaded, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(l *Loaded) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- l:
		default:
			// Subscriber still busy with the previous reload; drop the
			// older one in its buffer and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- l:
			default:
			}
		}
	}
}

// Watch re-parses the file on filesystem changes and publishes validated
// results to subscribers. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files via rename,
	// which drops a direct file watch.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(m.path)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("schedule watch error", logx.Err(err))
		case <-fire:
			m.reloadOnce()
		}
	}
}

func (m *Manager) reloadOnce() {
	f, err := m.Parse()
	if err != nil {
		m.log.Error("schedule reload rejected, keeping previous graph", logx.Err(err))
		return
	}
	h := hashFile(f)
	m.mu.RLock()
	same := h == m.lastHash
	m.mu.RUnlock()
	if same {
		m.log.Debug("schedule file unchanged, skipping reload")
		return
	}

	loaded, err := m.Load()
	if err != nil {
		m.log.Error("schedule reload rejected, keeping previous graph", logx.Err(err))
		return
	}
	m.log.Info("schedule reloaded", logx.Int("jobs", len(loaded.Graph.Names())))
	m.publish(loaded)
}

func hashFile(f *File) uint64 {
	if f == nil {
		return 0
	}
	b, err := json.Marshal(f)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
