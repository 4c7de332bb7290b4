// Package patchbay implements a node-graph audio routing engine: the user
// declares how audio should flow between applications, input devices and
// output devices, and the engine keeps that routing continuously applied
// against the live state of the OS audio subsystem
package patchbay

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/patchbay/pkg/patchbay/util"
)

// Patchbay is the main entity managing all subcomponents
type Patchbay struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	graph      *GraphStore
	control    AudioControl
	directory  *deviceDirectory
	executor   *routeExecutor
	reconciler *reconciler
	layout     *layoutStore

	saveRequests chan struct{}

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewPatchbay(logger *zap.SugaredLogger, verbose bool) (*Patchbay, error) {
	logger = logger.Named("patchbay")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Patchbay{
		logger:       logger,
		notifier:     notifier,
		configMan:    config,
		graph:        newGraphStore(logger),
		saveRequests: make(chan struct{}, 1),
		stopChannel:  make(chan bool),
		verbose:      verbose,
	}

	logger.Debug("Created patchbay instance")

	return d, nil
}

func (d *Patchbay) currConf() *Config {
	return &d.configMan.current
}

// notify sends a toast unless the user turned notifications off
func (d *Patchbay) notify(title string, message string) {
	if !d.currConf().Notifications {
		return
	}

	d.notifier.Notify(title, message)
}

// Initialize sets up components and starts to run in the background
func (d *Patchbay) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	// restore the persisted layout before anything can mutate the graph
	d.layout = newLayoutStore(d.logger, d.currConf().LayoutFile)
	d.restoreLayout()

	control, err := newAudioControl(d.logger)
	if err != nil {
		d.logger.Errorw("Failed to create audio control", "error", err)
		return fmt.Errorf("create audio control: %w", err)
	}
	d.control = control

	d.directory = newDeviceDirectory(d.logger, control)
	if err := d.directory.initialize(); err != nil {
		d.logger.Errorw("Failed to initialize device directory", "error", err)
		return fmt.Errorf("init device directory: %w", err)
	}

	d.executor = newRouteExecutor(d.logger, control, d.configMan.RetryCooldown())
	d.reconciler = newReconciler(d.logger, d.graph, d.directory, d.executor,
		d.configMan.ReconcileInterval())

	// graph edits persist the layout and kick a reconciliation cycle;
	// directory changes only need the cycle
	d.graph.setOnMutate(func() {
		d.requestSave()
		d.reconciler.Trigger()
	})
	d.directory.setOnChange(func(DeviceEvent) {
		d.reconciler.Trigger()
	})

	d.reconciler.start()
	go d.watchSaveRequests()
	d.setupOnConfigReload()

	d.setupInterruptHandler()

	if d.currConf().DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(d.run)
	}

	return nil
}

// SetVersion causes patchbay to add a version string to its tray menu if called before Initialize
func (d *Patchbay) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether patchbay is running in verbose mode
func (d *Patchbay) Verbose() bool {
	return d.verbose
}

// Graph exposes the validated graph store. This is the single mutation
// choke point for the GUI - drag/drop edits land here, just like layout load
func (d *Patchbay) Graph() *GraphStore {
	return d.graph
}

// ApplicationProcesses lists running applications the GUI can add as source nodes
func (d *Patchbay) ApplicationProcesses() []Entry {
	return d.directory.entriesOfKind(EntryApplication)
}

// InputDevices lists online input devices
func (d *Patchbay) InputDevices() []Entry {
	return d.directory.entriesOfKind(EntryInputDevice)
}

// OutputDevices lists online output devices
func (d *Patchbay) OutputDevices() []Entry {
	return d.directory.entriesOfKind(EntryOutputDevice)
}

// AppliedRoutes returns the current applied route state for display
func (d *Patchbay) AppliedRoutes() []AppliedRoute {
	return d.executor.AppliedState()
}

// SubscribeRouteState delivers applied-state updates for the GUI's
// per-connection health indicators
func (d *Patchbay) SubscribeRouteState() <-chan []AppliedRoute {
	return d.executor.SubscribeStateChanges()
}

// SetNodeVolume adjusts the volume of the session or device behind a node.
// Volume is not a route: it's idempotent and bypasses the plan/apply cycle
func (d *Patchbay) SetNodeVolume(nodeID string, level float32) error {
	node, ok := d.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("set volume of %s: %w", nodeID, ErrInvalidReference)
	}

	entry := resolveEntry(node, d.directory.snapshot())
	if entry == nil {
		// unresolved is a steady state, not an error - there's just nothing
		// to adjust right now
		d.logger.Debugw("Ignoring volume change for unresolved node", "nodeID", nodeID)
		return nil
	}

	if err := d.control.SetVolume(entry.Ref, level); err != nil {
		d.logger.Warnw("Failed to set node volume", "nodeID", nodeID, "error", err)
		return fmt.Errorf("set volume of %s: %w", nodeID, err)
	}

	return nil
}

// RescanDevices forces a full directory re-enumeration and a reconciliation
// cycle. Wired to the tray menu for when something looks stuck
func (d *Patchbay) RescanDevices() {
	if err := d.directory.refresh(); err != nil {
		d.logger.Warnw("Failed to refresh device directory", "error", err)
	}

	d.reconciler.Trigger()
}

func (d *Patchbay) restoreLayout() {
	snapshot, err := d.layout.Load()
	if err != nil {
		d.logger.Warnw("Layout is corrupt, starting with an empty graph", "error", err)
		d.notify("Couldn't load your layout!",
			"The layout file is unreadable, so patchbay started with an empty graph.")
	}

	d.graph.Restore(snapshot)
}

func (d *Patchbay) requestSave() {
	select {
	case d.saveRequests <- struct{}{}:
	default:
	}
}

// watchSaveRequests persists the graph after mutations, debounced so a drag
// across the canvas doesn't write the file on every position update
func (d *Patchbay) watchSaveRequests() {
	const saveDebounce = time.Millisecond * 500

	for range d.saveRequests {
		<-time.After(saveDebounce)

		// collapse requests that arrived while waiting
		select {
		case <-d.saveRequests:
		default:
		}

		if err := d.layout.Save(d.graph.Snapshot()); err != nil {
			d.logger.Warnw("Failed to save layout", "error", err)
		}
	}
}

func (d *Patchbay) setupOnConfigReload() {
	configReloadedChannel := d.configMan.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			d.logger.Info("Detected config reload, triggering a reconciliation cycle")

			// interval changes take effect after restart; everything else
			// applies on the next cycle
			d.reconciler.Trigger()
		}
	}()
}

func (d *Patchbay) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Patchbay) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop patchbay", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Patchbay) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Patchbay) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	// stop planning before tearing down, so no cycle re-applies what we
	// just undid
	d.reconciler.release()
	d.executor.teardownAll()
	d.directory.release()

	if err := d.control.Release(); err != nil {
		d.logger.Warnw("Failed to release audio control", "error", err)
	}

	// one final synchronous save so the latest edits survive
	if err := d.layout.Save(d.graph.Snapshot()); err != nil {
		d.logger.Warnw("Failed to save layout during shutdown", "error", err)
	}

	if d.runningWithTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
