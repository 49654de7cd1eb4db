// Package memory owns the four Markdown memory files that condition the
// slow-stage reasoner: Goals.md, Budget.md, State.md and Behavior.md. The
// files on disk are canonical; the vector index is a derived cache rebuilt
// from them.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"impulseguard/internal/logging"
)

// The four memory files.
const (
	FileGoals    = "Goals.md"
	FileBudget   = "Budget.md"
	FileState    = "State.md"
	FileBehavior = "Behavior.md"
)

// Files lists the memory files in canonical order.
var Files = []string{FileGoals, FileBudget, FileState, FileBehavior}

// IsMemoryFile reports whether name is one of the four managed files.
func IsMemoryFile(name string) bool {
	for _, f := range Files {
		if f == name {
			return true
		}
	}
	return false
}

// Store manages the memory directory. Writes are serialized per file;
// concurrent readers are allowed.
type Store struct {
	dir   string
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) a memory directory and ensures all four
// files exist, writing templates for any that are missing.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("memory directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	s := &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex, len(Files)),
	}
	for _, f := range Files {
		s.locks[f] = &sync.Mutex{}
	}

	for _, f := range Files {
		path := s.Path(f)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(Template(f)), 0644); err != nil {
				return nil, fmt.Errorf("failed to seed %s: %w", f, err)
			}
			logging.Memory("Seeded %s from template", f)
		}
	}
	return s, nil
}

// Dir returns the memory directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a memory file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Read returns the current content of a memory file.
func (s *Store) Read(name string) (string, error) {
	if !IsMemoryFile(name) {
		return "", fmt.Errorf("not a memory file: %s", name)
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return string(data), nil
}

// WithLock runs fn while holding the per-file write lock.
func (s *Store) WithLock(name string, fn func() error) error {
	mu, ok := s.locks[name]
	if !ok {
		return fmt.Errorf("not a memory file: %s", name)
	}
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Backup copies a memory file to a sibling .backup file.
func (s *Store) Backup(name string) (string, error) {
	src := s.Path(name)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for backup: %w", name, err)
	}
	backupPath := src + ".backup"
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup of %s: %w", name, err)
	}
	return backupPath, nil
}

// RestoreBackup copies the .backup sibling back over the file and removes it.
func (s *Store) RestoreBackup(name string) error {
	backupPath := s.Path(name) + ".backup"
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup of %s: %w", name, err)
	}
	if err := os.WriteFile(s.Path(name), data, 0644); err != nil {
		return fmt.Errorf("failed to restore %s from backup: %w", name, err)
	}
	return os.Remove(backupPath)
}

// RemoveBackup deletes the .backup sibling if present.
func (s *Store) RemoveBackup(name string) {
	_ = os.Remove(s.Path(name) + ".backup")
}

// WriteVerified writes content and verifies the read-back matches. The caller
// is expected to hold the file lock and have taken a backup.
func (s *Store) WriteVerified(name, content string) error {
	path := s.Path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	readBack, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", name, err)
	}
	if string(readBack) != content {
		return fmt.Errorf("content mismatch after writing %s", name)
	}
	return nil
}

// Reset overwrites all four files with their templates and deletes everything
// else under the memory directory. Returns the number of files rewritten.
func (s *Store) Reset() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list memory directory: %w", err)
	}
	for _, entry := range entries {
		if IsMemoryFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Reset: failed to remove %s: %v", path, err)
		}
	}

	count := 0
	for _, f := range Files {
		err := s.WithLock(f, func() error {
			return os.WriteFile(s.Path(f), []byte(Template(f)), 0644)
		})
		if err != nil {
			return count, fmt.Errorf("failed to reset %s: %w", f, err)
		}
		count++
	}
	logging.Memory("Reset %d memory files to templates", count)
	return count, nil
}
