package patchbay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/MixyLabs/patchbay/pkg/patchbay/util"
)

// layoutStore serializes the graph to the layout file and back. Saves happen
// on every graph mutation (debounced by the owner), the load happens once at
// startup. A malformed layout yields an empty graph plus ErrLayoutCorrupt,
// never a crash
type layoutStore struct {
	logger *zap.SugaredLogger
	path   string
}

func newLayoutStore(logger *zap.SugaredLogger, path string) *layoutStore {
	l := &layoutStore{
		logger: logger.Named("layout"),
		path:   path,
	}

	l.logger.Debug("Created layout store instance")

	return l
}

// Load reads the persisted layout. A missing file is a normal first run and
// yields an empty graph with no error
func (l *layoutStore) Load() (GraphSnapshot, error) {
	if !util.FileExists(l.path) {
		l.logger.Debugw("No layout file yet, starting with an empty graph", "path", l.path)
		return GraphSnapshot{}, nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Warnw("Failed to read layout file", "path", l.path, "error", err)
		return GraphSnapshot{}, fmt.Errorf("read layout file: %w", ErrLayoutCorrupt)
	}

	var snapshot GraphSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		l.logger.Warnw("Failed to parse layout file", "path", l.path, "error", err)
		return GraphSnapshot{}, fmt.Errorf("parse layout file: %w", ErrLayoutCorrupt)
	}

	l.logger.Infow("Loaded layout",
		"path", l.path,
		"nodes", len(snapshot.Nodes),
		"connections", len(snapshot.Connections))

	return snapshot, nil
}

// Save writes the snapshot out. The write goes through a temp file and a
// rename, so a crash mid-save can't leave a half-written layout behind
func (l *layoutStore) Save(snapshot GraphSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		l.logger.Warnw("Failed to serialize layout", "error", err)
		return fmt.Errorf("serialize layout: %w", err)
	}

	dir := filepath.Dir(l.path)
	if dir != "." {
		if err := util.EnsureDirExists(dir); err != nil {
			l.logger.Warnw("Failed to create layout directory", "dir", dir, "error", err)
			return fmt.Errorf("ensure layout dir exists: %w", err)
		}
	}

	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		l.logger.Warnw("Failed to write layout file", "path", tempPath, "error", err)
		return fmt.Errorf("write layout file: %w", err)
	}

	if err := os.Rename(tempPath, l.path); err != nil {
		l.logger.Warnw("Failed to move layout file into place", "path", l.path, "error", err)
		return fmt.Errorf("move layout file into place: %w", err)
	}

	l.logger.Debugw("Saved layout",
		"path", l.path,
		"nodes", len(snapshot.Nodes),
		"connections", len(snapshot.Connections))

	return nil
}
