package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nmtunnel/internal/vpn"
)

// Record is the on-disk representation of the last connection parameters
// plus the UUID of the NetworkManager connection object created from them.
// It is written when activation begins, read once at state machine
// initialization, and deleted only when the underlying object is removed.
type Record struct {
	Parameters vpn.Parameters `json:"parameters"`
	Handle     vpn.Handle     `json:"handle,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RecordStore reads and writes the persisted connection record.
type RecordStore interface {
	Save(record Record) error
	Load() (*Record, error)
	Delete() error
}

// FileRecordStore keeps the record as a JSON file replaced atomically on
// every update, so a partial write never corrupts the previous record.
type FileRecordStore struct {
	path string
}

func NewFileRecordStore(path string) *FileRecordStore {
	return &FileRecordStore{path: path}
}

func (s *FileRecordStore) Save(record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp record: %w", err)
	}

	return nil
}

// Load returns nil without error when no record exists. A record that cannot
// be decoded is reported as vpn.ErrPersistenceCorruption; callers treat it
// as absent after logging.
func (s *FileRecordStore) Load() (*Record, error) {
	cleanPath := filepath.Clean(s.path)
	// #nosec G304 -- path is resolved by the runtime and points to the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", vpn.ErrPersistenceCorruption, err)
	}

	return &record, nil
}

func (s *FileRecordStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete record: %w", err)
	}

	return nil
}
