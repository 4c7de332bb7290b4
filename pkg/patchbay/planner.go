package patchbay

import (
	"fmt"
	"sort"

	"github.com/thoas/go-funk"
)

// ActionKind enumerates the concrete OS-level routing mechanisms
type ActionKind int

const (
	// ActionSetDefaultEndpoint switches an application's default render
	// endpoint to the primary sink
	ActionSetDefaultEndpoint ActionKind = iota

	// ActionStartLoopback mixes the primary sink's output into a secondary
	// sink via loopback capture
	ActionStartLoopback

	// ActionEnableListen redirects an input device's signal to an output
	// device
	ActionEnableListen
)

func (k ActionKind) String() string {
	switch k {
	case ActionSetDefaultEndpoint:
		return "default_endpoint"
	case ActionStartLoopback:
		return "loopback"
	case ActionEnableListen:
		return "listen"
	default:
		return "unknown"
	}
}

// RouteAction is one concrete OS action required to realize a connection.
// ConnectionID ties the action back to the graph edge it realizes, for the
// GUI's per-connection health display
type RouteAction struct {
	Kind         ActionKind
	ConnectionID string
	SourceNodeID string
	SinkNodeID   string

	// AppRef and Pid identify the application for default-endpoint switching
	AppRef string
	Pid    uint32

	// SrcRef and DstRef are device refs: the target endpoint for
	// default-endpoint switching, capture and render devices for loopback,
	// input and output for listen
	SrcRef string
	DstRef string
}

// Key is the action's identity for diffing against applied route state.
// Two actions with the same key are the same OS-level claim
func (a RouteAction) Key() string {
	switch a.Kind {
	case ActionSetDefaultEndpoint:
		return fmt.Sprintf("%s|%s/%d->%s", a.Kind, a.AppRef, a.Pid, a.DstRef)
	default:
		return fmt.Sprintf("%s|%s->%s", a.Kind, a.SrcRef, a.DstRef)
	}
}

func (a RouteAction) String() string {
	return a.Key()
}

// plan translates a declared graph plus the live directory into the ordered
// set of routing actions required to realize it. Pure and deterministic:
// identical snapshots always yield the identical action sequence, which the
// reconciler relies on for meaningful diffing.
//
// Per source node with at least one resolved outgoing connection:
//   - the sink of the oldest connection (lowest connection id, ids are
//     time-ordered ULIDs) becomes the primary target
//   - application sources get a default-endpoint switch to the primary sink,
//     plus one loopback from the primary sink into each secondary sink
//   - input device sources get a single listen redirect (the store admits at
//     most one outgoing connection for them)
//
// Unresolved nodes produce no actions and no errors - they simply wait
func plan(graph GraphSnapshot, directory directorySnapshot) []RouteAction {
	outgoing := make(map[string][]Connection)
	for _, conn := range graph.Connections {
		outgoing[conn.SourceID] = append(outgoing[conn.SourceID], conn)
	}

	nodesByID := make(map[string]Node, len(graph.Nodes))
	for _, node := range graph.Nodes {
		nodesByID[node.ID] = node
	}

	var actions []RouteAction

	// graph.Nodes is sorted by id; connection slices keep the snapshot's
	// id order, so the whole walk is deterministic
	for _, source := range graph.Nodes {
		if !source.Kind.isSource() {
			continue
		}

		sourceEntry := resolveEntry(source, directory)
		if sourceEntry == nil {
			continue
		}

		connections := outgoing[source.ID]
		sort.Slice(connections, func(i, j int) bool {
			return connections[i].ID < connections[j].ID
		})

		type resolvedEdge struct {
			conn Connection
			sink Node
			dst  Entry
		}

		resolved := []resolvedEdge{}
		for _, conn := range connections {
			sink, ok := nodesByID[conn.SinkID]
			if !ok {
				continue
			}

			sinkEntry := resolveEntry(sink, directory)
			if sinkEntry == nil {
				continue
			}

			resolved = append(resolved, resolvedEdge{conn: conn, sink: sink, dst: *sinkEntry})
		}

		if len(resolved) == 0 {
			continue
		}

		switch source.Kind {
		case NodeApplication:
			primary := resolved[0]

			actions = append(actions, RouteAction{
				Kind:         ActionSetDefaultEndpoint,
				ConnectionID: primary.conn.ID,
				SourceNodeID: source.ID,
				SinkNodeID:   primary.sink.ID,
				AppRef:       sourceEntry.Ref,
				Pid:          sourceEntry.Pid,
				DstRef:       primary.dst.Ref,
			})

			// two sink nodes may point at the same physical device; routing
			// the primary into itself (or twice into the same place) is never
			// meaningful
			claimedRefs := []string{primary.dst.Ref}

			for _, secondary := range resolved[1:] {
				if funk.ContainsString(claimedRefs, secondary.dst.Ref) {
					continue
				}
				claimedRefs = append(claimedRefs, secondary.dst.Ref)

				actions = append(actions, RouteAction{
					Kind:         ActionStartLoopback,
					ConnectionID: secondary.conn.ID,
					SourceNodeID: source.ID,
					SinkNodeID:   secondary.sink.ID,
					SrcRef:       primary.dst.Ref,
					DstRef:       secondary.dst.Ref,
				})
			}

		case NodeInputDevice:
			// a single edge, enforced by the graph store
			edge := resolved[0]

			actions = append(actions, RouteAction{
				Kind:         ActionEnableListen,
				ConnectionID: edge.conn.ID,
				SourceNodeID: source.ID,
				SinkNodeID:   edge.sink.ID,
				SrcRef:       sourceEntry.Ref,
				DstRef:       edge.dst.Ref,
			})
		}
	}

	return actions
}
