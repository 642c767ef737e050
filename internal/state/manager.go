package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "current-state.json"

// SaveState persists the session state as indented JSON.
func SaveState(s *SessionState, dir string) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dir, stateFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// LoadState reads and parses the session state from the state directory.
func LoadState(dir string) (*SessionState, error) {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return &s, nil
}

// ValidateState checks that the state is consistent:
// - The curriculum file exists
// - The curriculum hash matches (file hasn't changed)
func ValidateState(s *SessionState, curriculumFile string) error {
	if _, err := os.Stat(curriculumFile); err != nil {
		return fmt.Errorf("curriculum file not found: %w", err)
	}

	currentHash, err := HashFile(curriculumFile)
	if err != nil {
		return fmt.Errorf("hash curriculum file: %w", err)
	}

	if s.CurriculumHash != "" && s.CurriculumHash != currentHash {
		return fmt.Errorf("curriculum changed: expected hash %s, got %s", s.CurriculumHash, currentHash)
	}

	return nil
}

// HashFile returns the hex SHA-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	//nolint:gosec // path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// InitStateDir creates the state directory if it doesn't exist.
func InitStateDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// Clean removes the state directory and recreates it empty.
func Clean(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove state dir: %w", err)
	}
	return InitStateDir(dir)
}
