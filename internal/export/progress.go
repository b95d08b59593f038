// Package export implements the on-demand clip export pipeline: windowed
// event collection, sequential clip download, boundary trimming, and optional
// concatenation, with progress reported through polled JSON snapshot files.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeID reduces arbitrary text to a filesystem-safe identifier.
func SafeID(s string) string {
	return strings.Trim(unsafeID.ReplaceAllString(s, "-"), "-")
}

// Snapshot is one progress observation for a job. Zero-valued optional
// fields are omitted from the JSON so polled readers see a compact object.
type Snapshot struct {
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	MonitorID   string `json:"monitor_id,omitempty"`
	Total       int    `json:"total"`
	Done        int    `json:"done"`
	Bytes       int64  `json:"bytes,omitempty"`
	CurrentFile string `json:"current_file,omitempty"`
	Mode        string `json:"mode,omitempty"`
	HTTPStatus  int    `json:"http,omitempty"`
	Error       string `json:"error,omitempty"`
	TotalSecs   int    `json:"total_seconds,omitempty"`

	WantConcat     bool   `json:"want_concat"`
	OverallPercent int    `json:"overall_percent"`
	OverallStatus  string `json:"overall_status"`
	OverallText    string `json:"overall_text"`
}

// withOverall fills the derived overall fields. Download maps to the first
// half of the bar when a concat phase will follow, concat to the second half.
func withOverall(s Snapshot) Snapshot {
	if s.Phase == "" {
		s.Phase = "download"
	}
	if s.Status == "" {
		s.Status = "running"
	}

	frac := 0.0
	if s.Total > 0 {
		frac = float64(s.Done) / float64(s.Total)
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}

	var overall float64
	switch {
	case !s.WantConcat:
		overall = frac
	case s.Phase == "download":
		overall = 0.50 * frac
	case s.Phase == "concat":
		overall = 0.50 + 0.50*frac
	}
	s.OverallPercent = int(overall*100 + 0.5)

	switch {
	case s.WantConcat && s.Phase == "download" && s.Status == "done":
		s.OverallStatus = "running"
		s.OverallText = fmt.Sprintf("overall %d%%: download complete, starting concat", s.OverallPercent)
	case s.Phase == "concat" && s.Status == "done":
		s.OverallStatus = "done"
		s.OverallText = "overall 100%: complete"
	case s.Status == "error":
		s.OverallStatus = "error"
		s.OverallText = fmt.Sprintf("overall %d%%: error", s.OverallPercent)
	default:
		s.OverallStatus = s.Status
		switch s.Phase {
		case "download":
			s.OverallText = fmt.Sprintf("overall %d%%: downloading %d/%d", s.OverallPercent, s.Done, s.Total)
		case "concat":
			label := ""
			if s.Mode != "" {
				label = " (" + s.Mode + ")"
			}
			s.OverallText = fmt.Sprintf("overall %d%%: concatenating%s %d/%d", s.OverallPercent, label, s.Done, s.Total)
		default:
			s.OverallText = fmt.Sprintf("overall %d%%: %s %s", s.OverallPercent, s.Phase, s.Status)
		}
	}
	return s
}

// ProgressStore persists job snapshots as single JSON files, atomically
// replaced on every write so a polling reader never sees a partial object.
// Writes are best-effort: an unwritable snapshot never fails the export.
type ProgressStore struct {
	dir string
}

func NewProgressStore(dir string) *ProgressStore {
	return &ProgressStore{dir: dir}
}

func (p *ProgressStore) path(jobID string) string {
	return filepath.Join(p.dir, "counter_"+SafeID(jobID)+".json")
}

// Write records a snapshot for the job. No-op on an empty job ID.
func (p *ProgressStore) Write(jobID string, snap Snapshot) {
	if jobID == "" {
		return
	}
	snap = withOverall(snap)
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return
	}
	dst := p.path(jobID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	os.Rename(tmp, dst)
}

// Read returns the last snapshot for the job, false when none exists.
func (p *ProgressStore) Read(jobID string) (Snapshot, bool) {
	raw, err := os.ReadFile(p.path(jobID))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Finalize renames the job's counter file to a name derived from the export
// window so finished jobs stay inspectable alongside their artifacts.
func (p *ProgressStore) Finalize(jobID, finalBase string) {
	if jobID == "" {
		return
	}
	os.Rename(p.path(jobID), filepath.Join(p.dir, "counter_"+SafeID(finalBase)+".json"))
}

// Clear drops the job's counter file.
func (p *ProgressStore) Clear(jobID string) {
	if jobID == "" {
		return
	}
	os.Remove(p.path(jobID))
}
