package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/popel1988/hllstatsuploader/logger"
)

const fileName = "sync_state.json"

// ErrCorruptState means the state file exists but cannot be parsed. The
// process must not treat this as an empty state: guessing a cursor would
// either re-export or silently skip data.
var ErrCorruptState = errors.New("state file is corrupt")

// Store persists the state document as a single JSON file. Writes go to a
// temporary file in the same directory followed by an atomic rename, so a
// crash mid-write leaves the previous document intact.
type Store struct {
	path string
}

func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no state file yet, starting from the beginning", "path", s.path)
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path, err)
	}
	if doc.Servers == nil {
		doc.Servers = map[int]*ServerState{}
	}
	return doc, nil
}

func (s *Store) Save(doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("write state: marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("write state: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write state: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write state: replace %s: %w", s.path, err)
	}
	return nil
}
