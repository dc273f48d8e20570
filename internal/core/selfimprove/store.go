// Package selfimprove implements SelfImprovementDriver and
// StartupReconciler (§4.J): plan/execute/validate/rollback of code
// changes that survive a process restart via a single marker file.
//
// The marker's atomic write path reuses the same temp-file-then-rename
// idiom as internal/core/checkpoint, itself grounded on the teacher's
// internal/db.NewSQLite directory-creation/durability idiom.
package selfimprove

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/crewlyhq/crewly/internal/core/model"
)

const defaultMaxHistory = 20

// Store persists the single active ImprovementMarker and a bounded
// history of completed ones, both as JSON files under dir.
type Store struct {
	dir        string
	maxHistory int
	mu         sync.Mutex
}

// NewStore creates a Store rooted at dir (created on first write).
func NewStore(dir string) *Store {
	return &Store{dir: dir, maxHistory: defaultMaxHistory}
}

func (s *Store) markerPath() string { return filepath.Join(s.dir, "marker.json") }
func (s *Store) historyDir() string { return filepath.Join(s.dir, "history") }

// Load reads the current marker, or returns (nil, nil) if none exists.
func (s *Store) Load() (*model.ImprovementMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*model.ImprovementMarker, error) {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read marker: %w", err)
	}
	var marker model.ImprovementMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &marker, nil
}

// Save writes marker atomically: temp file in the same directory, then
// rename over the destination.
func (s *Store) Save(marker *model.ImprovementMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(marker)
}

func (s *Store) saveLocked(marker *model.ImprovementMarker) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".marker-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp marker file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp marker file: %w", err)
	}
	if err := os.Rename(tmpPath, s.markerPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename marker into place: %w", err)
	}
	return nil
}

// Delete removes the current marker, if any. Idempotent.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.markerPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

// Archive moves marker into the bounded history directory (keeping the
// newest defaultMaxHistory entries) and deletes the active marker file.
func (s *Store) Archive(marker *model.ImprovementMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.historyDir(), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker for history: %w", err)
	}
	name := fmt.Sprintf("%s.json", marker.ID)
	if err := os.WriteFile(filepath.Join(s.historyDir(), name), data, 0o644); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	if err := s.pruneHistoryLocked(); err != nil {
		return err
	}

	if err := os.Remove(s.markerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active marker: %w", err)
	}
	return nil
}

func (s *Store) pruneHistoryLocked() error {
	entries, err := os.ReadDir(s.historyDir())
	if err != nil {
		return fmt.Errorf("read history directory: %w", err)
	}
	type entry struct {
		name    string
		modTime int64
	}
	var files []entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	if len(files) <= s.maxHistory {
		return nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })
	for _, f := range files[:len(files)-s.maxHistory] {
		_ = os.Remove(filepath.Join(s.historyDir(), f.name))
	}
	return nil
}

// History returns completed markers, most recent first.
func (s *Store) History() ([]model.ImprovementMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.historyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	type loaded struct {
		marker  model.ImprovementMarker
		modTime int64
	}
	var all []loaded
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.historyDir(), e.Name()))
		if err != nil {
			continue
		}
		var m model.ImprovementMarker
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		info, err := e.Info()
		var mt int64
		if err == nil {
			mt = info.ModTime().UnixNano()
		}
		all = append(all, loaded{marker: m, modTime: mt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].modTime > all[j].modTime })

	out := make([]model.ImprovementMarker, len(all))
	for i, l := range all {
		out[i] = l.marker
	}
	return out, nil
}
