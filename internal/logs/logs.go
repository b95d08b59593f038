// Package logs owns the per-worker log files: creation, tailing, listing,
// and age-based pruning. Each worker writes to {name}.log in one shared
// directory, also mirrored to the process stderr.
package logs

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Manager struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	enabled func() bool // nil means file logging is on
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, files: make(map[string]*os.File)}
}

// SetFileLogging gates the per-worker files on the given check, evaluated
// when a worker's logger is created. Disabled loggers go to stderr only.
func (m *Manager) SetFileLogging(enabled func() bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *Manager) path(worker string) string {
	return filepath.Join(m.dir, sanitize(worker)+".log")
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	if name == "" {
		name = "worker"
	}
	return name
}

// Logger returns a logger for the worker, writing to both its log file and
// stderr. Falls back to stderr only when file logging is switched off or the
// file cannot be opened.
func (m *Manager) Logger(worker string) *log.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled != nil && !m.enabled() {
		return log.New(os.Stderr, worker+" ", log.LstdFlags)
	}

	f, ok := m.files[worker]
	if !ok {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			log.Printf("[ERROR] logs: create dir %s: %v", m.dir, err)
			return log.New(os.Stderr, worker+" ", log.LstdFlags)
		}
		var err error
		f, err = os.OpenFile(m.path(worker), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("[ERROR] logs: open %s: %v", m.path(worker), err)
			return log.New(os.Stderr, worker+" ", log.LstdFlags)
		}
		m.files[worker] = f
	}
	return log.New(io.MultiWriter(os.Stderr, f), worker+" ", log.LstdFlags)
}

// Close releases every open log file.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, f := range m.files {
		f.Close()
		delete(m.files, name)
	}
}

// Info describes one worker log file.
type Info struct {
	Worker    string    `json:"worker"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// List returns the known log files, newest first.
func (m *Manager) List() ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.log"))
	if err != nil {
		return nil, err
	}
	var infos []Info
	for _, p := range matches {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Worker:    strings.TrimSuffix(filepath.Base(p), ".log"),
			Path:      p,
			SizeBytes: st.Size(),
			ModTime:   st.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	return infos, nil
}

// Tail returns the last n lines of the worker's log.
func (m *Manager) Tail(worker string, n int) ([]string, error) {
	if n <= 0 {
		n = 25
	}
	f, err := os.Open(m.path(worker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no log for worker %q", worker)
		}
		return nil, err
	}
	defer f.Close()

	// ring over the scan keeps memory flat on large files
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return ring, err
	}
	return ring, nil
}

// ReadAll returns the worker's whole log file.
func (m *Manager) ReadAll(worker string) ([]byte, error) {
	raw, err := os.ReadFile(m.path(worker))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no log for worker %q", worker)
	}
	return raw, err
}

// Prune removes log files older than maxAge. Zero disables pruning.
func (m *Manager) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	infos, err := m.List()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.ModTime.Before(cutoff) {
			if err := os.Remove(info.Path); err == nil {
				removed++
			}
		}
	}
	return removed
}

// Follow polls the worker's log for lines appended after the call, sending
// them on the returned channel until stop is closed. Polling keeps the
// reader independent from the writer; a dropped reader cannot block logging.
func (m *Manager) Follow(worker string, stop <-chan struct{}) <-chan string {
	out := make(chan string, 64)
	path := m.path(worker)

	go func() {
		defer close(out)
		var offset int64
		if st, err := os.Stat(path); err == nil {
			offset = st.Size()
		}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			st, err := os.Stat(path)
			if err != nil {
				continue
			}
			if st.Size() < offset {
				offset = 0 // truncated or rotated
			}
			if st.Size() == offset {
				continue
			}

			f, err := os.Open(path)
			if err != nil {
				continue
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				continue
			}
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				select {
				case out <- sc.Text():
				case <-stop:
					f.Close()
					return
				}
			}
			offset, _ = f.Seek(0, io.SeekCurrent)
			f.Close()
		}
	}()
	return out
}
