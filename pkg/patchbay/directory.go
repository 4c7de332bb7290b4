package patchbay

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// deviceDirectory maintains the live set of known audio endpoints and
// audio-producing applications, rebuilt from capability enumeration and kept
// fresh from its event stream. It never initiates routing actions - changes
// are forwarded to the reconciler as triggers
type deviceDirectory struct {
	logger  *zap.SugaredLogger
	control AudioControl

	lock    sync.Mutex
	entries map[string]Entry

	// invoked for every change event, after the directory updated itself
	onChange func(DeviceEvent)

	stop chan struct{}
}

// directorySnapshot is an immutable view handed to the planner together with
// a graph snapshot
type directorySnapshot map[string]Entry

func newDeviceDirectory(logger *zap.SugaredLogger, control AudioControl) *deviceDirectory {
	d := &deviceDirectory{
		logger:  logger.Named("directory"),
		control: control,
		entries: make(map[string]Entry),
		stop:    make(chan struct{}),
	}

	d.logger.Debug("Created device directory instance")

	return d
}

func (d *deviceDirectory) setOnChange(callback func(DeviceEvent)) {
	d.onChange = callback
}

// initialize performs the first enumeration and starts consuming change
// events from the capability
func (d *deviceDirectory) initialize() error {
	if err := d.refresh(); err != nil {
		d.logger.Warnw("Failed to enumerate audio entries during directory initialization", "error", err)
		return fmt.Errorf("enumerate audio entries during init: %w", err)
	}

	go d.consumeEvents()

	return nil
}

func (d *deviceDirectory) release() {
	close(d.stop)
}

// refresh re-enumerates the capability wholesale. Used at startup and when
// the user forces a re-scan from the tray
func (d *deviceDirectory) refresh() error {
	entries, err := d.control.EnumerateEntries()
	if err != nil {
		return fmt.Errorf("enumerate entries: %w", err)
	}

	d.lock.Lock()
	d.entries = make(map[string]Entry, len(entries))
	for _, entry := range entries {
		d.entries[entry.Ref] = entry
	}
	count := len(d.entries)
	d.lock.Unlock()

	d.logger.Infow("Enumerated audio entries", "count", count)

	return nil
}

func (d *deviceDirectory) consumeEvents() {
	events := d.control.Events()

	for {
		select {
		case event := <-events:
			d.applyEvent(event)

			if d.onChange != nil {
				d.onChange(event)
			}
		case <-d.stop:
			d.logger.Debug("Stopping directory event consumer")
			return
		}
	}
}

func (d *deviceDirectory) applyEvent(event DeviceEvent) {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch event.Kind {
	case EntryAppeared:
		entry := event.Entry
		entry.Online = true
		d.entries[entry.Ref] = entry
		d.logger.Debugw("Entry appeared", "ref", entry.Ref, "kind", entry.Kind, "name", entry.Name)

	case EntryDisappeared:
		delete(d.entries, event.Entry.Ref)
		d.logger.Debugw("Entry disappeared", "ref", event.Entry.Ref)

	case EntryStatusChanged:
		entry, ok := d.entries[event.Entry.Ref]
		if !ok {
			entry = event.Entry
		}
		entry.Online = event.Entry.Online
		entry.Pid = event.Entry.Pid
		d.entries[entry.Ref] = entry
		d.logger.Debugw("Entry status changed", "ref", entry.Ref, "online", entry.Online)
	}
}

// CurrentEntries returns the live set of known entries, sorted by ref
func (d *deviceDirectory) CurrentEntries() []Entry {
	d.lock.Lock()
	defer d.lock.Unlock()

	entries := make([]Entry, 0, len(d.entries))
	for _, entry := range d.entries {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref < entries[j].Ref
	})

	return entries
}

// snapshot copies the directory for a planning cycle
func (d *deviceDirectory) snapshot() directorySnapshot {
	d.lock.Lock()
	defer d.lock.Unlock()

	snapshot := make(directorySnapshot, len(d.entries))
	for ref, entry := range d.entries {
		snapshot[ref] = entry
	}

	return snapshot
}

// entriesOfKind lists online entries of one kind, sorted by display name.
// Backs the GUI's add-node menus
func (d *deviceDirectory) entriesOfKind(kind EntryKind) []Entry {
	d.lock.Lock()
	defer d.lock.Unlock()

	entries := []Entry{}
	for _, entry := range d.entries {
		if entry.Kind == kind && entry.Online {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return entries
}

// NormalizeAppRef canonicalizes an application identity (executable name)
// for use as an external ref. Matching is case-insensitive on every OS we
// target, so refs are stored lowercased
func NormalizeAppRef(executable string) string {
	return strings.ToLower(executable)
}

// resolveEntry matches a graph node's external ref against the directory.
// A nil result means the node is unresolved (app not running, device
// offline) - a steady state, not an error
func resolveEntry(node Node, directory directorySnapshot) *Entry {
	ref := node.ExternalRef
	if node.Kind == NodeApplication {
		ref = NormalizeAppRef(ref)
	}

	entry, ok := directory[ref]
	if !ok || !entry.Online {
		return nil
	}

	if !entryMatchesNodeKind(entry.Kind, node.Kind) {
		return nil
	}

	return &entry
}

func entryMatchesNodeKind(entryKind EntryKind, nodeKind NodeKind) bool {
	switch nodeKind {
	case NodeApplication:
		return entryKind == EntryApplication
	case NodeInputDevice:
		return entryKind == EntryInputDevice
	case NodeOutputDevice:
		return entryKind == EntryOutputDevice
	default:
		return false
	}
}
