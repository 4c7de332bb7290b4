package patchbay

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func routingDirectory() directorySnapshot {
	return directorySnapshot{
		"chrome.exe": {Ref: "chrome.exe", Name: "chrome.exe", Kind: EntryApplication, Online: true, Pid: 42},
		"spk-a":      {Ref: "spk-a", Name: "Speakers", Kind: EntryOutputDevice, Online: true},
		"spk-b":      {Ref: "spk-b", Name: "Headphones", Kind: EntryOutputDevice, Online: true},
		"mic-a":      {Ref: "mic-a", Name: "Microphone", Kind: EntryInputDevice, Online: true},
	}
}

func fanOutGraph(g *GraphStore) (app, spkA, spkB string) {
	app = g.AddNode(NodeApplication, "Chrome.EXE", "Chrome", Position{})
	spkA = g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	spkB = g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})

	g.AddConnection(app, spkA)
	g.AddConnection(app, spkB)

	return app, spkA, spkB
}

func TestPlanFanOut(t *testing.T) {
	g := newGraphStore(testLogger())
	app, spkA, spkB := fanOutGraph(g)

	actions := plan(g.Snapshot(), routingDirectory())

	assert.Equal(t, len(actions), 2)

	// oldest edge wins the default endpoint, the second gets a loopback fed
	// from the primary sink
	assert.Equal(t, actions[0].Kind, ActionSetDefaultEndpoint)
	assert.Equal(t, actions[0].SourceNodeID, app)
	assert.Equal(t, actions[0].SinkNodeID, spkA)
	assert.Equal(t, actions[0].AppRef, "chrome.exe")
	assert.Equal(t, actions[0].Pid, uint32(42))
	assert.Equal(t, actions[0].DstRef, "spk-a")

	assert.Equal(t, actions[1].Kind, ActionStartLoopback)
	assert.Equal(t, actions[1].SinkNodeID, spkB)
	assert.Equal(t, actions[1].SrcRef, "spk-a")
	assert.Equal(t, actions[1].DstRef, "spk-b")
}

func TestPlanIsDeterministic(t *testing.T) {
	g := newGraphStore(testLogger())
	fanOutGraph(g)

	mic := g.AddNode(NodeInputDevice, "mic-a", "Microphone", Position{})
	spkB := ""
	for _, node := range g.Snapshot().Nodes {
		if node.ExternalRef == "spk-b" {
			spkB = node.ID
		}
	}
	g.AddConnection(mic, spkB)

	snapshot := g.Snapshot()
	directory := routingDirectory()

	first := plan(snapshot, directory)
	for i := 0; i < 10; i++ {
		assert.Equal(t, plan(snapshot, directory), first)
	}
}

func TestPlanSkipsUnresolvedNodes(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "spotify.exe", "Spotify", Position{})
	spk := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	g.AddConnection(app, spk)

	// spotify isn't running: no actions, no errors
	actions := plan(g.Snapshot(), routingDirectory())
	assert.Equal(t, len(actions), 0)
}

func TestPlanSkipsOfflineSink(t *testing.T) {
	g := newGraphStore(testLogger())
	fanOutGraph(g)

	directory := routingDirectory()
	entry := directory["spk-a"]
	entry.Online = false
	directory["spk-a"] = entry

	// the primary sink is offline, so its edge drops out and the remaining
	// sink gets promoted to the default endpoint
	actions := plan(g.Snapshot(), directory)

	assert.Equal(t, len(actions), 1)
	assert.Equal(t, actions[0].Kind, ActionSetDefaultEndpoint)
	assert.Equal(t, actions[0].DstRef, "spk-b")
}

func TestPlanPromotesOnPrimaryEdgeRemoval(t *testing.T) {
	g := newGraphStore(testLogger())
	app, spkA, _ := fanOutGraph(g)

	var primaryEdge string
	for _, conn := range g.Snapshot().Connections {
		if conn.SourceID == app && conn.SinkID == spkA {
			primaryEdge = conn.ID
		}
	}

	assert.Equal(t, g.RemoveConnection(primaryEdge), nil)

	actions := plan(g.Snapshot(), routingDirectory())

	assert.Equal(t, len(actions), 1)
	assert.Equal(t, actions[0].Kind, ActionSetDefaultEndpoint)
	assert.Equal(t, actions[0].DstRef, "spk-b")
}

func TestPlanInputDeviceListen(t *testing.T) {
	g := newGraphStore(testLogger())

	mic := g.AddNode(NodeInputDevice, "mic-a", "Microphone", Position{})
	spk := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	g.AddConnection(mic, spk)

	actions := plan(g.Snapshot(), routingDirectory())

	assert.Equal(t, len(actions), 1)
	assert.Equal(t, actions[0].Kind, ActionEnableListen)
	assert.Equal(t, actions[0].SrcRef, "mic-a")
	assert.Equal(t, actions[0].DstRef, "spk-a")
}

func TestPlanSkipsDuplicateDeviceClaims(t *testing.T) {
	g := newGraphStore(testLogger())

	app := g.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spkA := g.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	// a second node pointing at the same physical device
	spkA2 := g.AddNode(NodeOutputDevice, "spk-a", "Speakers (copy)", Position{})

	g.AddConnection(app, spkA)
	g.AddConnection(app, spkA2)

	// looping the primary sink into itself is never planned
	actions := plan(g.Snapshot(), routingDirectory())

	assert.Equal(t, len(actions), 1)
	assert.Equal(t, actions[0].Kind, ActionSetDefaultEndpoint)
}

func TestPlanKindMismatchedRefIsUnresolved(t *testing.T) {
	g := newGraphStore(testLogger())

	// node claims to be an application but the ref belongs to a device
	app := g.AddNode(NodeApplication, "spk-a", "Imposter", Position{})
	spk := g.AddNode(NodeOutputDevice, "spk-b", "Headphones", Position{})
	g.AddConnection(app, spk)

	actions := plan(g.Snapshot(), routingDirectory())
	assert.Equal(t, len(actions), 0)
}
