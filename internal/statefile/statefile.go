// Package statefile persists the queue's identity across restarts: the
// current track id, the ordered track-id list and the input module that
// produced them. The engine itself never touches this; the front-end saves
// on exit and restores at startup.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// State is the persisted shape.
type State struct {
	CurrentTrackID int      `json:"current_track_id"`
	TrackList      []string `json:"track_list"`
	InputModule    string   `json:"inputmodule"`
}

// Save writes the state atomically using temp file + rename.
func Save(path string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	log.Debug().Str("path", path).Msg("State saved")
	return nil
}

// Load reads the state. A missing file is not an error: it returns a zero
// state and ok = false.
func Load(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg("No state file found")
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("failed to decode state file: %w", err)
	}
	return st, true, nil
}
