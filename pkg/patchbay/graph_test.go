package patchbay

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestAddConnectionValidation(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	mic := g.AddNode(NodeInputDevice, "mic-a", "Microphone", Position{})
	spkA := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	spkB := g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})

	// unknown endpoints
	_, err := g.AddConnection(app, "nope")
	assert.Equal(t, errors.Is(err, ErrInvalidReference), true)

	_, err = g.AddConnection("nope", spkA)
	assert.Equal(t, errors.Is(err, ErrInvalidReference), true)

	// two sources, two sinks
	_, err = g.AddConnection(app, mic)
	assert.Equal(t, errors.Is(err, ErrKindMismatch), true)

	_, err = g.AddConnection(spkA, spkB)
	assert.Equal(t, errors.Is(err, ErrKindMismatch), true)

	// reversed direction is also a kind mismatch
	_, err = g.AddConnection(spkA, app)
	assert.Equal(t, errors.Is(err, ErrKindMismatch), true)

	// valid edges
	_, err = g.AddConnection(app, spkA)
	assert.Equal(t, err, nil)

	_, err = g.AddConnection(app, spkB)
	assert.Equal(t, err, nil)

	// an input device gets exactly one outgoing edge
	_, err = g.AddConnection(mic, spkA)
	assert.Equal(t, err, nil)

	_, err = g.AddConnection(mic, spkB)
	assert.Equal(t, errors.Is(err, ErrCapacityExceeded), true)
}

func TestFailedMutationLeavesGraphUnchanged(t *testing.T) {
	g := newGraphStore(testLogger())

	mic := g.AddNode(NodeInputDevice, "mic-a", "Microphone", Position{})
	spkA := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	spkB := g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})

	_, err := g.AddConnection(mic, spkA)
	assert.Equal(t, err, nil)

	before := g.Snapshot()

	_, err = g.AddConnection(mic, spkB)
	assert.Equal(t, errors.Is(err, ErrCapacityExceeded), true)

	assert.Equal(t, g.Snapshot(), before)
}

func TestRemoveNodeCascades(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spkA := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	spkB := g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})

	_, err := g.AddConnection(app, spkA)
	assert.Equal(t, err, nil)
	_, err = g.AddConnection(app, spkB)
	assert.Equal(t, err, nil)

	assert.Equal(t, g.RemoveNode(app), nil)

	snapshot := g.Snapshot()
	assert.Equal(t, len(snapshot.Nodes), 2)
	assert.Equal(t, len(snapshot.Connections), 0)

	assert.Equal(t, errors.Is(g.RemoveNode(app), ErrInvalidReference), true)
}

func TestRemoveConnection(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spk := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})

	connID, err := g.AddConnection(app, spk)
	assert.Equal(t, err, nil)

	assert.Equal(t, g.RemoveConnection(connID), nil)
	assert.Equal(t, errors.Is(g.RemoveConnection(connID), ErrInvalidReference), true)

	// nodes survive their connections
	assert.Equal(t, len(g.Snapshot().Nodes), 2)
}

func TestConnectionIDsOrderByCreation(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spkA := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	spkB := g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})

	first, err := g.AddConnection(app, spkA)
	assert.Equal(t, err, nil)

	second, err := g.AddConnection(app, spkB)
	assert.Equal(t, err, nil)

	// ids are time-ordered, the planner's primary pick depends on it
	assert.Equal(t, first < second, true)
}

func TestRestoreDropsInvalidConnections(t *testing.T) {
	g := newGraphStore(testLogger())

	snapshot := GraphSnapshot{
		Nodes: []Node{
			{ID: "01A", Kind: NodeApplication, ExternalRef: "chrome.exe"},
			{ID: "01B", Kind: NodeOutputDevice, ExternalRef: "spk-a"},
			{ID: "01C", Kind: NodeOutputDevice, ExternalRef: "spk-b"},
			{ID: "01D", Kind: NodeInputDevice, ExternalRef: "mic-a"},
		},
		Connections: []Connection{
			{ID: "02A", SourceID: "01A", SinkID: "01B"},
			{ID: "02B", SourceID: "ghost", SinkID: "01B"},
			{ID: "02C", SourceID: "01D", SinkID: "01B"},
			// second edge off an input device violates its capacity
			{ID: "02D", SourceID: "01D", SinkID: "01C"},
			// a hand-edited layout can carry a reversed edge
			{ID: "02E", SourceID: "01B", SinkID: "01A"},
			// and a same-role edge
			{ID: "02F", SourceID: "01B", SinkID: "01C"},
		},
	}

	g.Restore(snapshot)

	restored := g.Snapshot()
	assert.Equal(t, len(restored.Nodes), 4)
	assert.Equal(t, len(restored.Connections), 2)

	for _, conn := range restored.Connections {
		assert.NotEqual(t, conn.ID, "02B")
		assert.NotEqual(t, conn.ID, "02D")
		assert.NotEqual(t, conn.ID, "02E")
		assert.NotEqual(t, conn.ID, "02F")
	}
}

func TestUpdatePosition(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{X: 1, Y: 2})

	assert.Equal(t, g.UpdatePosition(app, Position{X: 10, Y: 20}), nil)

	node, ok := g.Node(app)
	assert.Equal(t, ok, true)
	assert.Equal(t, node.Position, Position{X: 10, Y: 20})

	assert.Equal(t, errors.Is(g.UpdatePosition("nope", Position{}), ErrInvalidReference), true)
}
