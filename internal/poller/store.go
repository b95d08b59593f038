package poller

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// timeLayout matches the timestamp column in the processed-ID file. The file
// is the only durability mechanism the poller has: one line per entry,
// "<event_id> <YYYY-MM-DD HH:MM:SS>".
const timeLayout = "2006-01-02 15:04:05"

// ProcessedStore is the de-duplication ledger of event IDs already handled.
// It lives entirely in memory between flushes; Flush rewrites the file in
// full, dropping entries older than the retention horizon. Single-writer:
// only the poll loop touches it.
type ProcessedStore struct {
	path      string
	retention time.Duration
	entries   map[string]time.Time
}

func NewProcessedStore(path string, retention time.Duration) *ProcessedStore {
	return &ProcessedStore{
		path:      path,
		retention: retention,
		entries:   make(map[string]time.Time),
	}
}

// Load reads the file, keeping only entries within the retention horizon.
// A missing file is an empty store. Malformed lines are dropped silently.
func (s *ProcessedStore) Load() error {
	s.entries = make(map[string]time.Time)

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	cutoff := time.Now().Add(-s.retention)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.SplitN(strings.TrimSpace(sc.Text()), " ", 3)
		if len(fields) != 3 {
			continue
		}
		ts, err := time.ParseInLocation(timeLayout, fields[1]+" "+fields[2], time.Local)
		if err != nil {
			continue
		}
		if !ts.Before(cutoff) {
			s.entries[fields[0]] = ts
		}
	}
	return sc.Err()
}

// Contains reports whether the event ID has already been processed.
func (s *ProcessedStore) Contains(eventID string) bool {
	_, ok := s.entries[eventID]
	return ok
}

// Mark records the event as processed at the given time.
func (s *ProcessedStore) Mark(eventID string, at time.Time) {
	s.entries[eventID] = at
}

// Len returns the number of live entries.
func (s *ProcessedStore) Len() int { return len(s.entries) }

// Flush rewrites the file in full, dropping entries past the retention
// horizon from both memory and disk.
func (s *ProcessedStore) Flush() error {
	cutoff := time.Now().Add(-s.retention)
	for id, ts := range s.entries {
		if ts.Before(cutoff) {
			delete(s.entries, id)
		}
	}

	var b strings.Builder
	for id, ts := range s.entries {
		fmt.Fprintf(&b, "%s %s\n", id, ts.Format(timeLayout))
	}
	return os.WriteFile(s.path, []byte(b.String()), 0o644)
}
