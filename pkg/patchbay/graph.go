package patchbay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// NodeKind determines which side of a connection a node may sit on.
// Applications and input devices produce audio (sources), output devices
// consume it (sinks)
type NodeKind int

const (
	NodeApplication NodeKind = iota
	NodeInputDevice
	NodeOutputDevice
)

func (k NodeKind) String() string {
	switch k {
	case NodeApplication:
		return "application"
	case NodeInputDevice:
		return "input_device"
	case NodeOutputDevice:
		return "output_device"
	default:
		return "unknown"
	}
}

func (k NodeKind) isSource() bool {
	return k == NodeApplication || k == NodeInputDevice
}

// node kinds persist by name, so layout files stay readable and stable
// across reorderings of the enum
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	switch name {
	case "application":
		*k = NodeApplication
	case "input_device":
		*k = NodeInputDevice
	case "output_device":
		*k = NodeOutputDevice
	default:
		return fmt.Errorf("unknown node kind %q", name)
	}

	return nil
}

// Position carries the GUI layout coordinates of a node. The engine never
// interprets them, it only persists them
type Position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Node is a source or sink in the routing graph. ExternalRef correlates it
// to a live OS entity and may be unresolved while the app isn't running or
// the device is unplugged - the node stays in the graph regardless, so the
// layout survives restarts and hot-unplugs
type Node struct {
	ID          string   `json:"id"`
	Kind        NodeKind `json:"kind"`
	ExternalRef string   `json:"external_ref"`
	DisplayName string   `json:"display_name"`
	Position    Position `json:"position"`
}

// Connection is a directed edge from one source node to one sink node.
// Ids are ULIDs, so lexicographic order is creation order - the planner
// relies on this for its primary-sink tie-break
type Connection struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	SinkID   string `json:"sink_id"`
}

// GraphSnapshot is an immutable copy of the full graph, used for planning
// and persistence
type GraphSnapshot struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// GraphStore owns the routing graph. All mutation goes through its validated
// API, whether the edit comes from the GUI or from layout load, so the
// invariants are enforced at a single choke point
type GraphStore struct {
	logger *zap.SugaredLogger

	lock        sync.Mutex
	nodes       map[string]Node
	connections map[string]Connection

	// invoked after every successful mutation, outside the lock
	onMutate func()
}

func newGraphStore(logger *zap.SugaredLogger) *GraphStore {
	g := &GraphStore{
		logger:      logger.Named("graph"),
		nodes:       make(map[string]Node),
		connections: make(map[string]Connection),
	}

	g.logger.Debug("Created graph store instance")

	return g
}

func (g *GraphStore) setOnMutate(callback func()) {
	g.onMutate = callback
}

func (g *GraphStore) notifyMutated() {
	if g.onMutate != nil {
		g.onMutate()
	}
}

func newID() string {
	return ulid.Make().String()
}

// AddNode creates a node for the given kind and external reference and
// returns its id
func (g *GraphStore) AddNode(kind NodeKind, externalRef string, displayName string, pos Position) string {
	g.lock.Lock()

	node := Node{
		ID:          newID(),
		Kind:        kind,
		ExternalRef: externalRef,
		DisplayName: displayName,
		Position:    pos,
	}
	g.nodes[node.ID] = node

	g.lock.Unlock()

	g.logger.Debugw("Added node", "id", node.ID, "kind", kind, "externalRef", externalRef)
	g.notifyMutated()

	return node.ID
}

// RemoveNode removes a node and cascades to every connection touching it
func (g *GraphStore) RemoveNode(nodeID string) error {
	g.lock.Lock()

	if _, ok := g.nodes[nodeID]; !ok {
		g.lock.Unlock()
		return fmt.Errorf("remove node %s: %w", nodeID, ErrInvalidReference)
	}

	removed := 0
	for id, conn := range g.connections {
		if conn.SourceID == nodeID || conn.SinkID == nodeID {
			delete(g.connections, id)
			removed++
		}
	}
	delete(g.nodes, nodeID)

	g.lock.Unlock()

	g.logger.Debugw("Removed node", "id", nodeID, "cascadedConnections", removed)
	g.notifyMutated()

	return nil
}

// AddConnection creates a directed edge and returns its id. It fails with
// ErrInvalidReference when either endpoint is unknown, ErrKindMismatch when
// both endpoints play the same role, and ErrCapacityExceeded when an input
// device source would get a second outgoing edge. A failed call leaves the
// graph unchanged
func (g *GraphStore) AddConnection(sourceID, sinkID string) (string, error) {
	g.lock.Lock()

	source, sourceOk := g.nodes[sourceID]
	sink, sinkOk := g.nodes[sinkID]

	if !sourceOk || !sinkOk {
		g.lock.Unlock()
		return "", fmt.Errorf("connect %s -> %s: %w", sourceID, sinkID, ErrInvalidReference)
	}

	// edges run strictly source role -> sink role; same-role pairs and
	// reversed pairs are both mismatches
	if !source.Kind.isSource() || sink.Kind.isSource() {
		g.lock.Unlock()
		return "", fmt.Errorf("connect %s (%s) -> %s (%s): %w",
			sourceID, source.Kind, sinkID, sink.Kind, ErrKindMismatch)
	}

	if source.Kind == NodeInputDevice {
		for _, conn := range g.connections {
			if conn.SourceID == sourceID {
				g.lock.Unlock()
				return "", fmt.Errorf("connect %s -> %s: %w", sourceID, sinkID, ErrCapacityExceeded)
			}
		}
	}

	conn := Connection{
		ID:       newID(),
		SourceID: sourceID,
		SinkID:   sinkID,
	}
	g.connections[conn.ID] = conn

	g.lock.Unlock()

	g.logger.Debugw("Added connection", "id", conn.ID, "source", sourceID, "sink", sinkID)
	g.notifyMutated()

	return conn.ID, nil
}

// RemoveConnection removes a single edge
func (g *GraphStore) RemoveConnection(connectionID string) error {
	g.lock.Lock()

	if _, ok := g.connections[connectionID]; !ok {
		g.lock.Unlock()
		return fmt.Errorf("remove connection %s: %w", connectionID, ErrInvalidReference)
	}
	delete(g.connections, connectionID)

	g.lock.Unlock()

	g.logger.Debugw("Removed connection", "id", connectionID)
	g.notifyMutated()

	return nil
}

// UpdatePosition moves a node on the GUI canvas. Layout-only, so it persists
// but never triggers reconciliation
func (g *GraphStore) UpdatePosition(nodeID string, pos Position) error {
	g.lock.Lock()

	node, ok := g.nodes[nodeID]
	if !ok {
		g.lock.Unlock()
		return fmt.Errorf("update position of %s: %w", nodeID, ErrInvalidReference)
	}
	node.Position = pos
	g.nodes[nodeID] = node

	g.lock.Unlock()

	g.notifyMutated()

	return nil
}

// Node returns a copy of the node with the given id
func (g *GraphStore) Node(nodeID string) (Node, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	node, ok := g.nodes[nodeID]
	return node, ok
}

// Snapshot produces an immutable copy of the full graph, ordered by id so
// repeated snapshots of the same graph are identical
func (g *GraphStore) Snapshot() GraphSnapshot {
	g.lock.Lock()
	defer g.lock.Unlock()

	snapshot := GraphSnapshot{
		Nodes:       make([]Node, 0, len(g.nodes)),
		Connections: make([]Connection, 0, len(g.connections)),
	}

	for _, node := range g.nodes {
		snapshot.Nodes = append(snapshot.Nodes, node)
	}
	for _, conn := range g.connections {
		snapshot.Connections = append(snapshot.Connections, conn)
	}

	sort.Slice(snapshot.Nodes, func(i, j int) bool {
		return snapshot.Nodes[i].ID < snapshot.Nodes[j].ID
	})
	sort.Slice(snapshot.Connections, func(i, j int) bool {
		return snapshot.Connections[i].ID < snapshot.Connections[j].ID
	})

	return snapshot
}

// Restore replaces the graph wholesale. Only used at startup load; entries
// referencing unknown nodes are dropped rather than rejected, so a partially
// valid layout still comes up
func (g *GraphStore) Restore(snapshot GraphSnapshot) {
	g.lock.Lock()

	g.nodes = make(map[string]Node, len(snapshot.Nodes))
	g.connections = make(map[string]Connection, len(snapshot.Connections))

	for _, node := range snapshot.Nodes {
		g.nodes[node.ID] = node
	}

	dropped := 0
	for _, conn := range snapshot.Connections {
		source, sourceOk := g.nodes[conn.SourceID]
		sink, sinkOk := g.nodes[conn.SinkID]
		if !sourceOk || !sinkOk {
			dropped++
			continue
		}

		// a hand-edited layout can hold edges AddConnection would never
		// admit; enforce direction and the single listen target on load too
		if !source.Kind.isSource() || sink.Kind.isSource() {
			dropped++
			continue
		}

		if source.Kind == NodeInputDevice && g.sourceHasConnection(conn.SourceID) {
			dropped++
			continue
		}

		g.connections[conn.ID] = conn
	}

	nodeCount := len(g.nodes)
	connCount := len(g.connections)

	g.lock.Unlock()

	if dropped > 0 {
		g.logger.Warnw("Dropped invalid connections during restore", "count", dropped)
	}
	g.logger.Infow("Restored graph", "nodes", nodeCount, "connections", connCount)
	g.notifyMutated()
}

// callers must hold g.lock
func (g *GraphStore) sourceHasConnection(sourceID string) bool {
	for _, conn := range g.connections {
		if conn.SourceID == sourceID {
			return true
		}
	}

	return false
}

func (g *GraphStore) String() string {
	g.lock.Lock()
	defer g.lock.Unlock()

	return fmt.Sprintf("<%d nodes, %d connections>", len(g.nodes), len(g.connections))
}
