package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Store exposes the settings file as a sectioned key-value map for the
// dashboard settings editor. Reads and writes go through ini round-trips so
// keys the editor never touched survive unchanged.
type Store struct {
	loader *Loader
}

func NewStore(loader *Loader) *Store {
	return &Store{loader: loader}
}

// Sections returns section -> key -> value for every section in the file.
func (s *Store) Sections() (map[string]map[string]string, error) {
	f, err := ini.LooseLoad(s.loader.Path())
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		kv := make(map[string]string, len(sec.Keys()))
		for _, k := range sec.Keys() {
			kv[k.Name()] = k.Value()
		}
		out[sec.Name()] = kv
	}
	return out, nil
}

// Update applies form-style updates keyed "section__key", writes the file,
// and installs a fresh snapshot. Keys without the separator are rejected.
func (s *Store) Update(form map[string]string) error {
	f, err := ini.LooseLoad(s.loader.Path())
	if err != nil {
		return err
	}
	for full, val := range form {
		section, key, ok := strings.Cut(full, "__")
		if !ok {
			return fmt.Errorf("bad settings key %q", full)
		}
		f.Section(section).Key(key).SetValue(val)
	}
	if err := f.SaveTo(s.loader.Path()); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	_, err = s.loader.Load()
	return err
}
