package patchbay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

type recordingNotifier struct {
	titles []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.titles = append(n.titles, title)
}

func corruptLayoutPatchbay(t *testing.T, notifications bool) (*Patchbay, *recordingNotifier) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "layout.json")
	err := os.WriteFile(path, []byte("not json at all"), 0o644)
	assert.Equal(t, err, nil)

	notifier := &recordingNotifier{}

	d := &Patchbay{
		logger:   testLogger(),
		notifier: notifier,
		configMan: &ConfigManager{
			current: Config{Notifications: notifications},
		},
		graph:  newGraphStore(testLogger()),
		layout: newLayoutStore(testLogger(), path),
	}

	return d, notifier
}

func TestCorruptLayoutNotifies(t *testing.T) {
	d, notifier := corruptLayoutPatchbay(t, true)

	d.restoreLayout()

	// empty graph, one toast
	assert.Equal(t, d.graph.String(), "<0 nodes, 0 connections>")
	assert.Equal(t, len(notifier.titles), 1)
}

func TestNotificationsConfigDisablesToasts(t *testing.T) {
	d, notifier := corruptLayoutPatchbay(t, false)

	d.restoreLayout()

	// the empty-graph recovery still happens, just silently
	assert.Equal(t, d.graph.String(), "<0 nodes, 0 connections>")
	assert.Equal(t, len(notifier.titles), 0)
}
