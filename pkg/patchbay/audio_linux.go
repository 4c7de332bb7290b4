package patchbay

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paAudioControl implements AudioControl over the PulseAudio native
// protocol. Device refs are pulse sink/source names, application refs are
// lowercased process binaries, and loopback/listen routes are realized as
// module-loopback instances
type paAudioControl struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	lock          sync.Mutex
	modules       map[uint64]uint32 // handle -> loaded module index
	sinkInputApps map[uint32]string // sink input index -> app ref
	appRefCount   map[string]int
	nextHandle    uint64

	events chan DeviceEvent
	stop   chan struct{}
}

const maxChannelVolume = 0x10000 // PA_VOLUME_NORM

func newAudioControl(logger *zap.SugaredLogger) (AudioControl, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("patchbay"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		return nil, err
	}

	ac := &paAudioControl{
		logger:        logger.Named("audio_control"),
		client:        client,
		conn:          conn,
		modules:       make(map[uint64]uint32),
		sinkInputApps: make(map[uint32]string),
		appRefCount:   make(map[string]int),
		events:        make(chan DeviceEvent, 16),
		stop:          make(chan struct{}),
	}

	ac.logger.Debug("Created PA audio control instance")

	// sink/source events cover device hotplug, sink input events cover
	// application streams coming and going
	err = client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSource | proto.SubscriptionMaskSinkInput,
	}, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	changedIdx := make(chan proto.SubscribeEvent, 5)

	go func() {
		for {
			select {
			case <-ac.stop:
				return
			case event := <-changedIdx:
				ac.handleSubscribeEvent(event)
			}
		}
	}()

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			select {
			case changedIdx <- *msg:
			default:
				ac.logger.Warn("Dropping PulseAudio event, consumer is falling behind")
			}
		}
	}

	return ac, nil
}

func (ac *paAudioControl) Events() <-chan DeviceEvent {
	return ac.events
}

func (ac *paAudioControl) sendEvent(event DeviceEvent) {
	select {
	case ac.events <- event:
	case <-ac.stop:
	default:
		ac.logger.Warnw("Dropping device event, consumer is falling behind", "ref", event.Entry.Ref)
	}
}

func (ac *paAudioControl) handleSubscribeEvent(event proto.SubscribeEvent) {
	switch event.Event & proto.EventFacilityMask {
	case proto.EventSink:
		ac.handleSinkEvent(event)
	case proto.EventSource:
		ac.handleSourceEvent(event)
	case proto.EventSinkSinkInput:
		ac.handleSinkInputEvent(event)
	}
}

func (ac *paAudioControl) handleSinkEvent(event proto.SubscribeEvent) {
	if event.Event.GetType() == proto.EventRemove {
		// sink names aren't recoverable after removal, so signal a rescan by
		// re-enumerating on the consumer side
		ac.sendEvent(DeviceEvent{Kind: EntryStatusChanged, Entry: Entry{Kind: EntryOutputDevice}})
		return
	}

	request := proto.GetSinkInfo{SinkIndex: event.Index}
	reply := proto.GetSinkInfoReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		ac.logger.Warnw("Failed to get sink info for event", "sinkIndex", event.Index, "error", err)
		return
	}

	ac.sendEvent(DeviceEvent{
		Kind: EntryAppeared,
		Entry: Entry{
			Ref:    reply.SinkName,
			Name:   reply.Device,
			Kind:   EntryOutputDevice,
			Online: true,
		},
	})
}

func (ac *paAudioControl) handleSourceEvent(event proto.SubscribeEvent) {
	if event.Event.GetType() == proto.EventRemove {
		ac.sendEvent(DeviceEvent{Kind: EntryStatusChanged, Entry: Entry{Kind: EntryInputDevice}})
		return
	}

	request := proto.GetSourceInfo{SourceIndex: event.Index}
	reply := proto.GetSourceInfoReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		ac.logger.Warnw("Failed to get source info for event", "sourceIndex", event.Index, "error", err)
		return
	}

	// monitor sources shadow their sinks, only physical inputs are entries
	if strings.HasSuffix(reply.SourceName, ".monitor") {
		return
	}

	ac.sendEvent(DeviceEvent{
		Kind: EntryAppeared,
		Entry: Entry{
			Ref:    reply.SourceName,
			Name:   reply.Device,
			Kind:   EntryInputDevice,
			Online: true,
		},
	})
}

func (ac *paAudioControl) handleSinkInputEvent(event proto.SubscribeEvent) {
	if event.Event.GetType() == proto.EventRemove {
		ac.lock.Lock()
		ref, ok := ac.sinkInputApps[event.Index]
		if ok {
			delete(ac.sinkInputApps, event.Index)
			ac.appRefCount[ref]--
			if ac.appRefCount[ref] <= 0 {
				delete(ac.appRefCount, ref)
				ac.lock.Unlock()
				ac.sendEvent(DeviceEvent{
					Kind:  EntryDisappeared,
					Entry: Entry{Ref: ref, Kind: EntryApplication},
				})
				return
			}
		}
		ac.lock.Unlock()
		return
	}

	if event.Event.GetType() != proto.EventNew {
		return
	}

	request := proto.GetSinkInputInfo{SinkInputIndex: event.Index}
	reply := proto.GetSinkInputInfoReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		ac.logger.Warnw("Failed to get sink input info for event", "sinkInputIndex", event.Index, "error", err)
		return
	}

	entry, ok := ac.describeSinkInput(&reply)
	if !ok {
		return
	}

	ac.lock.Lock()
	ac.sinkInputApps[reply.SinkInputIndex] = entry.Ref
	ac.appRefCount[entry.Ref]++
	ac.lock.Unlock()

	ac.sendEvent(DeviceEvent{Kind: EntryAppeared, Entry: entry})
}

func (ac *paAudioControl) describeSinkInput(info *proto.GetSinkInputInfoReply) (Entry, bool) {
	name, ok := info.Properties["application.process.binary"]
	if !ok {
		ac.logger.Warnw("Failed to get sink input's process name",
			"sinkInputIndex", info.SinkInputIndex)

		return Entry{}, false
	}

	var pid uint32
	if pidProp, ok := info.Properties["application.process.id"]; ok {
		fmt.Sscanf(pidProp.String(), "%d", &pid)
	}

	return Entry{
		Ref:    NormalizeAppRef(name.String()),
		Name:   name.String(),
		Kind:   EntryApplication,
		Online: true,
		Pid:    pid,
	}, true
}

func (ac *paAudioControl) EnumerateEntries() ([]Entry, error) {
	entries := []Entry{}

	sinkRequest := proto.GetSinkInfoList{}
	sinkReply := proto.GetSinkInfoListReply{}

	if err := ac.client.Request(&sinkRequest, &sinkReply); err != nil {
		ac.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	for _, info := range sinkReply {
		entries = append(entries, Entry{
			Ref:    info.SinkName,
			Name:   info.Device,
			Kind:   EntryOutputDevice,
			Online: true,
		})
	}

	sourceRequest := proto.GetSourceInfoList{}
	sourceReply := proto.GetSourceInfoListReply{}

	if err := ac.client.Request(&sourceRequest, &sourceReply); err != nil {
		ac.logger.Warnw("Failed to get source list", "error", err)
		return nil, fmt.Errorf("get source list: %w", err)
	}

	for _, info := range sourceReply {
		if strings.HasSuffix(info.SourceName, ".monitor") {
			continue
		}

		entries = append(entries, Entry{
			Ref:    info.SourceName,
			Name:   info.Device,
			Kind:   EntryInputDevice,
			Online: true,
		})
	}

	inputRequest := proto.GetSinkInputInfoList{}
	inputReply := proto.GetSinkInputInfoListReply{}

	if err := ac.client.Request(&inputRequest, &inputReply); err != nil {
		ac.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	ac.lock.Lock()
	ac.sinkInputApps = make(map[uint32]string)
	ac.appRefCount = make(map[string]int)
	ac.lock.Unlock()

	seen := map[string]bool{}

	for _, info := range inputReply {
		entry, ok := ac.describeSinkInput(info)
		if !ok {
			continue
		}

		ac.lock.Lock()
		ac.sinkInputApps[info.SinkInputIndex] = entry.Ref
		ac.appRefCount[entry.Ref]++
		ac.lock.Unlock()

		if !seen[entry.Ref] {
			seen[entry.Ref] = true
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// SetDefaultEndpoint moves all of the application's streams onto the given
// sink. PulseAudio remembers the move for future streams of the same client
func (ac *paAudioControl) SetDefaultEndpoint(appRef string, pid uint32, deviceRef string) error {
	return ac.moveApplicationStreams(appRef, deviceRef)
}

func (ac *paAudioControl) RestoreDefaultEndpoint(appRef string, pid uint32) error {
	return ac.moveApplicationStreams(appRef, "@DEFAULT_SINK@")
}

func (ac *paAudioControl) moveApplicationStreams(appRef string, sinkName string) error {
	indices := ac.sinkInputsOf(appRef)
	if len(indices) == 0 {
		return fmt.Errorf("move streams of %s: no live sink inputs", appRef)
	}

	for _, idx := range indices {
		request := proto.MoveSinkInput{
			SinkInputIndex: idx,
			DeviceIndex:    proto.Undefined,
			DeviceName:     sinkName,
		}

		if err := ac.client.Request(&request, nil); err != nil {
			ac.logger.Warnw("Failed to move sink input",
				"appRef", appRef,
				"sinkInputIndex", idx,
				"sinkName", sinkName,
				"error", err)

			return fmt.Errorf("move sink input %d to %s: %w", idx, sinkName, err)
		}
	}

	ac.logger.Debugw("Moved application streams", "appRef", appRef, "sinkName", sinkName, "count", len(indices))

	return nil
}

func (ac *paAudioControl) sinkInputsOf(appRef string) []uint32 {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	var indices []uint32
	for idx, ref := range ac.sinkInputApps {
		if ref == appRef {
			indices = append(indices, idx)
		}
	}

	return indices
}

// StartLoopback replays one sink on another by looping the source sink's
// monitor into the destination via module-loopback
func (ac *paAudioControl) StartLoopback(srcDeviceRef, dstDeviceRef string) (LoopbackHandle, error) {
	argument := fmt.Sprintf("source=%s.monitor sink=%s", srcDeviceRef, dstDeviceRef)

	handle, err := ac.loadLoopbackModule(argument)
	if err != nil {
		return 0, fmt.Errorf("start loopback (%s): %w", argument, err)
	}

	ac.logger.Debugw("Started loopback module", "src", srcDeviceRef, "dst", dstDeviceRef)

	return LoopbackHandle(handle), nil
}

func (ac *paAudioControl) StopLoopback(handle LoopbackHandle) error {
	if err := ac.unloadModule(uint64(handle)); err != nil {
		return fmt.Errorf("stop loopback %d: %w", handle, err)
	}

	return nil
}

func (ac *paAudioControl) EnableListen(inputRef, outputRef string) (ListenHandle, error) {
	argument := fmt.Sprintf("source=%s sink=%s", inputRef, outputRef)

	handle, err := ac.loadLoopbackModule(argument)
	if err != nil {
		return 0, fmt.Errorf("enable listen (%s): %w", argument, err)
	}

	ac.logger.Debugw("Enabled listen module", "input", inputRef, "output", outputRef)

	return ListenHandle(handle), nil
}

func (ac *paAudioControl) DisableListen(handle ListenHandle) error {
	if err := ac.unloadModule(uint64(handle)); err != nil {
		return fmt.Errorf("disable listen %d: %w", handle, err)
	}

	return nil
}

func (ac *paAudioControl) loadLoopbackModule(argument string) (uint64, error) {
	request := proto.LoadModule{
		Name: "module-loopback",
		Args: argument,
	}
	reply := proto.LoadModuleReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		ac.logger.Warnw("Failed to load module-loopback", "argument", argument, "error", err)
		return 0, fmt.Errorf("load module-loopback: %w", err)
	}

	ac.lock.Lock()
	ac.nextHandle++
	handle := ac.nextHandle
	ac.modules[handle] = reply.ModuleIndex
	ac.lock.Unlock()

	return handle, nil
}

func (ac *paAudioControl) unloadModule(handle uint64) error {
	ac.lock.Lock()
	moduleIndex, ok := ac.modules[handle]
	delete(ac.modules, handle)
	ac.lock.Unlock()

	if !ok {
		return fmt.Errorf("no loaded module for handle %d", handle)
	}

	if err := ac.client.Request(&proto.UnloadModule{ModuleIndex: moduleIndex}, nil); err != nil {
		ac.logger.Warnw("Failed to unload module", "moduleIndex", moduleIndex, "error", err)
		return fmt.Errorf("unload module %d: %w", moduleIndex, err)
	}

	return nil
}

func (ac *paAudioControl) SetVolume(ref string, level float32) error {
	if err := ac.setSinkVolume(ref, level); err == nil {
		return nil
	}

	if err := ac.setSourceVolume(ref, level); err == nil {
		return nil
	}

	return ac.setApplicationVolume(ref, level)
}

func (ac *paAudioControl) setSinkVolume(sinkName string, level float32) error {
	request := proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: sinkName}
	reply := proto.GetSinkInfoReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		return fmt.Errorf("get sink info for %s: %w", sinkName, err)
	}

	volumes := make(proto.ChannelVolumes, len(reply.ChannelVolumes))
	for i := range volumes {
		volumes[i] = uint32(level * maxChannelVolume)
	}

	if err := ac.client.Request(&proto.SetSinkVolume{
		SinkIndex:      reply.SinkIndex,
		ChannelVolumes: volumes,
	}, nil); err != nil {
		return fmt.Errorf("set sink volume: %w", err)
	}

	return nil
}

func (ac *paAudioControl) setSourceVolume(sourceName string, level float32) error {
	request := proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: sourceName}
	reply := proto.GetSourceInfoReply{}

	if err := ac.client.Request(&request, &reply); err != nil {
		return fmt.Errorf("get source info for %s: %w", sourceName, err)
	}

	volumes := make(proto.ChannelVolumes, len(reply.ChannelVolumes))
	for i := range volumes {
		volumes[i] = uint32(level * maxChannelVolume)
	}

	if err := ac.client.Request(&proto.SetSourceVolume{
		SourceIndex:    reply.SourceIndex,
		ChannelVolumes: volumes,
	}, nil); err != nil {
		return fmt.Errorf("set source volume: %w", err)
	}

	return nil
}

func (ac *paAudioControl) setApplicationVolume(appRef string, level float32) error {
	indices := ac.sinkInputsOf(appRef)
	if len(indices) == 0 {
		return fmt.Errorf("set volume of %s: no live sink inputs", appRef)
	}

	for _, idx := range indices {
		request := proto.GetSinkInputInfo{SinkInputIndex: idx}
		reply := proto.GetSinkInputInfoReply{}

		if err := ac.client.Request(&request, &reply); err != nil {
			continue
		}

		volumes := make(proto.ChannelVolumes, reply.Channels)
		for i := range volumes {
			volumes[i] = uint32(level * maxChannelVolume)
		}

		if err := ac.client.Request(&proto.SetSinkInputVolume{
			SinkInputIndex: idx,
			ChannelVolumes: volumes,
		}, nil); err != nil {
			ac.logger.Warnw("Failed to set sink input volume",
				"appRef", appRef,
				"sinkInputIndex", idx,
				"error", err)

			return fmt.Errorf("set sink input %d volume: %w", idx, err)
		}
	}

	return nil
}

func (ac *paAudioControl) Release() error {
	ac.lock.Lock()
	handles := make([]uint64, 0, len(ac.modules))
	for handle := range ac.modules {
		handles = append(handles, handle)
	}
	ac.lock.Unlock()

	for _, handle := range handles {
		_ = ac.unloadModule(handle)
	}

	close(ac.stop)

	if err := ac.conn.Close(); err != nil {
		ac.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	ac.logger.Debug("Released PA audio control instance")

	return nil
}
