package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dhcgn/imap-intake/model"
)

// CursorStore persists the poller resume point across runs. The two fields
// are written independently.
type CursorStore interface {
	Load() (model.Cursor, error)
	SaveLastSeenUID(uid uint32) error
	SaveGeneration(generation string) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	cursor model.Cursor
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (model.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, nil
}

func (m *MemoryStore) SaveLastSeenUID(uid uint32) error {
	m.mu.Lock()
	m.cursor.LastSeenUID = uid
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveGeneration(generation string) error {
	m.mu.Lock()
	m.cursor.Generation = generation
	m.writes++
	m.mu.Unlock()
	return nil
}

// Writes returns how many saves the store has seen.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

const (
	lastSeenFile   = "last_seen_uid.txt"
	generationFile = "uidvalidity.txt"
)

// FileStore keeps each cursor field in its own small text file holding a
// single token, so an operator can read or fix it by hand.
type FileStore struct {
	dir string
}

func NewFileStore(stateDir string) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileStore{dir: stateDir}, nil
}

// Dir returns the directory holding the cursor files.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) Load() (model.Cursor, error) {
	var cursor model.Cursor

	raw, ok, err := f.read(lastSeenFile)
	if err != nil {
		return model.Cursor{}, err
	}
	if ok && raw != "" {
		uid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return model.Cursor{}, fmt.Errorf("parse %s: %w", lastSeenFile, err)
		}
		cursor.LastSeenUID = uint32(uid)
	}

	generation, _, err := f.read(generationFile)
	if err != nil {
		return model.Cursor{}, err
	}
	cursor.Generation = generation

	return cursor, nil
}

func (f *FileStore) SaveLastSeenUID(uid uint32) error {
	return f.write(lastSeenFile, strconv.FormatUint(uint64(uid), 10))
}

func (f *FileStore) SaveGeneration(generation string) error {
	return f.write(generationFile, generation)
}

func (f *FileStore) read(name string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read state file %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// write replaces name atomically: the token goes to a temp file in the same
// directory which is synced and renamed over the target.
func (f *FileStore) write(name, value string) error {
	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write state file %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync state file %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close state file %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(f.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace state file %s: %w", name, err)
	}
	return nil
}
