package patchbay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLayoutRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.json")
	store := newLayoutStore(testLogger(), path)

	g := newGraphStore(testLogger())
	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{X: 10, Y: 20})
	spk := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{X: 200, Y: 20})
	g.AddConnection(app, spk)

	saved := g.Snapshot()
	assert.Equal(t, store.Save(saved), nil)

	loaded, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, saved)

	// a graph restored from the loaded snapshot is structurally identical
	restored := newGraphStore(testLogger())
	restored.Restore(loaded)
	assert.Equal(t, restored.Snapshot(), saved)
}

func TestLoadMissingLayoutIsEmptyGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.json")
	store := newLayoutStore(testLogger(), path)

	snapshot, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, GraphSnapshot{})
}

func TestLoadCorruptLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.json")

	err := os.WriteFile(path, []byte(`{"nodes": [{"id": "tru`), 0o644)
	assert.Equal(t, err, nil)

	store := newLayoutStore(testLogger(), path)

	snapshot, loadErr := store.Load()
	assert.Equal(t, errors.Is(loadErr, ErrLayoutCorrupt), true)
	assert.Equal(t, snapshot, GraphSnapshot{})
}

func TestLoadUnknownNodeKindIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.json")

	err := os.WriteFile(path, []byte(`{"nodes": [{"id": "01A", "kind": "modem"}]}`), 0o644)
	assert.Equal(t, err, nil)

	store := newLayoutStore(testLogger(), path)

	_, loadErr := store.Load()
	assert.Equal(t, errors.Is(loadErr, ErrLayoutCorrupt), true)
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "layout.json")
	store := newLayoutStore(testLogger(), path)

	assert.Equal(t, store.Save(GraphSnapshot{}), nil)

	loaded, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, GraphSnapshot{})
}
