package export

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConcatArtifact is one finished concatenation output with its sidecars.
type ConcatArtifact struct {
	BaseName  string   `json:"base_name"`
	MP4       string   `json:"mp4"`
	List      string   `json:"list,omitempty"`
	JSON      string   `json:"json,omitempty"`
	SizeBytes int64    `json:"size_bytes"`
	LengthSec *float64 `json:"length_sec"`
	Status    string   `json:"status"`
}

// ListConcats returns finished concat outputs in the export directory,
// newest first.
func (x *Exporter) ListConcats() ([]ConcatArtifact, error) {
	matches, err := filepath.Glob(filepath.Join(x.dir, "concat_*.mp4"))
	if err != nil {
		return nil, err
	}

	type entry struct {
		art   ConcatArtifact
		mtime int64
	}
	var entries []entry
	for _, mp4 := range matches {
		st, err := os.Stat(mp4)
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(mp4), ".mp4")
		art := ConcatArtifact{BaseName: base, MP4: mp4, SizeBytes: st.Size(), Status: "done"}

		if lst := filepath.Join(x.dir, base+".txt"); exists(lst) {
			art.List = lst
		}
		if js := filepath.Join(x.dir, strings.Replace(base, "concat_", "events_", 1)+".json"); exists(js) {
			art.JSON = js
		}
		if d, err := x.ff.ProbeDuration(mp4); err == nil {
			art.LengthSec = &d
		}
		entries = append(entries, entry{art: art, mtime: st.ModTime().UnixNano()})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime > entries[j].mtime })
	out := make([]ConcatArtifact, len(entries))
	for i, e := range entries {
		out[i] = e.art
	}
	return out, nil
}

// ErrNothingDeleted reports a delete request that matched no files.
var ErrNothingDeleted = errors.New("nothing deleted")

// DeleteConcatSet removes a concat output and its sidecars by base name
// (with or without the "concat_" prefix or an extension).
func (x *Exporter) DeleteConcatSet(base string) ([]string, error) {
	b := SafeID(base)
	b = strings.TrimSuffix(strings.TrimSuffix(b, ".mp4"), ".json")
	suffix := strings.TrimPrefix(b, "concat_")

	targets := []string{
		filepath.Join(x.dir, "concat_"+suffix+".mp4"),
		filepath.Join(x.dir, "counter_"+suffix+".json"),
		filepath.Join(x.dir, "events_"+suffix+".json"),
		filepath.Join(x.dir, "concat_"+suffix+".txt"),
	}

	var deleted []string
	for _, p := range targets {
		if !exists(p) {
			continue
		}
		if err := os.Remove(p); err != nil {
			x.logger.Printf("[WARN] export: delete %s: %v", p, err)
			continue
		}
		deleted = append(deleted, p)
	}
	if len(deleted) == 0 {
		return nil, ErrNothingDeleted
	}
	return deleted, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
