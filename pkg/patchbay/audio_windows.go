package patchbay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// wcaAudioControl implements AudioControl on top of Windows Core Audio.
// Device refs are MMDevice endpoint ids ("{0.0.0.00000000}.{guid}"),
// application refs are lowercased executable names
type wcaAudioControl struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID // needed for some calls to successfully notify other audio consumers

	mmDeviceEnumerator      *wca.IMMDeviceEnumerator
	mmNotificationClient    *wca.IMMNotificationClient
	lastDefaultDeviceChange time.Time

	policy *audioPolicyConfig

	// keeps notification registrations alive so they don't get GC'd
	sessionNotifications []managerWithNotif

	lock       sync.Mutex
	loopbacks  map[LoopbackHandle]*loopbackSession
	listens    map[ListenHandle]string // handle -> input device ref
	appRefPids map[string]map[uint32]int
	nextHandle uint64

	events chan DeviceEvent
	stop   chan struct{}
}

type managerWithNotif struct {
	manager      *wca.IAudioSessionManager2
	notification *wca.IAudioSessionNotification
}

const (
	randomGUID = "{92cb8f26-2b66-4a32-a4b8-0ce0f3d5f784}"

	// the notification client fires multiple times in quick succession based
	// on the default device's media roles, so the extraneous calls get
	// filtered out
	minDefaultDeviceChangeThreshold = 100 * time.Millisecond
)

func newAudioControl(logger *zap.SugaredLogger) (AudioControl, error) {
	ac := &wcaAudioControl{
		logger:     logger.Named("audio_control"),
		eventCtx:   ole.NewGUID(randomGUID),
		loopbacks:  make(map[LoopbackHandle]*loopbackSession),
		listens:    make(map[ListenHandle]string),
		appRefPids: make(map[string]map[uint32]int),
		events:     make(chan DeviceEvent, 16),
		stop:       make(chan struct{}),
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			ac.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
		} else {
			ac.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&ac.mmDeviceEnumerator,
	); err != nil {
		ac.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	policy, err := newAudioPolicyConfig(ac.logger)
	if err != nil {
		ac.logger.Warnw("Failed to create audio policy config", "error", err)
		return nil, fmt.Errorf("create audio policy config: %w", err)
	}
	ac.policy = policy

	if err := ac.registerDeviceChangeCallback(); err != nil {
		ac.logger.Warnw("Failed to register device change callback", "error", err)
		return nil, fmt.Errorf("register device change callback: %w", err)
	}

	ac.logger.Debug("Created WCA audio control instance")

	return ac, nil
}

func (ac *wcaAudioControl) Events() <-chan DeviceEvent {
	return ac.events
}

func (ac *wcaAudioControl) sendEvent(event DeviceEvent) {
	select {
	case ac.events <- event:
	case <-ac.stop:
	default:
		ac.logger.Warnw("Dropping device event, consumer is falling behind", "ref", event.Entry.Ref)
	}
}

func (ac *wcaAudioControl) EnumerateEntries() ([]Entry, error) {
	var entries []Entry

	// re-registering session notifications from scratch, hopefully trigger GC
	for _, notif := range ac.sessionNotifications {
		if notif.manager != nil && notif.notification != nil {
			_ = notif.manager.UnregisterSessionNotification(notif.notification)
		}
	}
	ac.sessionNotifications = nil

	ac.lock.Lock()
	ac.appRefPids = make(map[string]map[uint32]int)
	ac.lock.Unlock()

	var deviceCollection *wca.IMMDeviceCollection
	if err := ac.mmDeviceEnumerator.EnumAudioEndpoints(wca.EAll, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		ac.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		ac.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	seenApps := map[string]bool{}

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		err := func() error {
			var endpoint *wca.IMMDevice

			if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
				ac.logger.Warnw("Failed to get device from device collection",
					"deviceIdx", deviceIdx,
					"error", err)

				return fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
			}
			defer endpoint.Release()

			entry, dataFlow, err := ac.describeEndpoint(endpoint)
			if err != nil {
				ac.logger.Warnw("Failed to describe endpoint",
					"deviceIdx", deviceIdx,
					"error", err)

				return fmt.Errorf("describe device %d: %w", deviceIdx, err)
			}

			entries = append(entries, entry)

			// output devices carry the per-process sessions we surface as
			// application entries
			if dataFlow == wca.ERender {
				appEntries, err := ac.enumerateApplicationEntries(endpoint, seenApps)
				if err != nil {
					ac.logger.Warnw("Failed to enumerate application sessions for device",
						"deviceIdx", deviceIdx,
						"error", err)

					return fmt.Errorf("enumerate device %d application sessions: %w", deviceIdx, err)
				}

				entries = append(entries, appEntries...)
			}

			return nil
		}()
		if err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (ac *wcaAudioControl) describeEndpoint(endpoint *wca.IMMDevice) (Entry, uint32, error) {
	var endpointID string
	if err := endpoint.GetId(&endpointID); err != nil {
		return Entry{}, 0, fmt.Errorf("get endpoint id: %w", err)
	}

	dispatch, err := endpoint.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("query endpoint IMMEndpoint: %w", err)
	}

	endpointType := (*wca.IMMEndpoint)(dispatch) //unsafe.Pointer
	defer endpointType.Release()

	var dataFlow uint32
	if err := endpointType.GetDataFlow(&dataFlow); err != nil {
		return Entry{}, 0, fmt.Errorf("get endpoint data flow: %w", err)
	}

	friendlyName, err := ac.getEndpointFriendlyName(endpoint)
	if err != nil {
		return Entry{}, 0, err
	}

	kind := EntryOutputDevice
	if dataFlow == wca.ECapture {
		kind = EntryInputDevice
	}

	return Entry{
		Ref:    endpointID,
		Name:   friendlyName,
		Kind:   kind,
		Online: true,
	}, dataFlow, nil
}

func (ac *wcaAudioControl) getEndpointFriendlyName(endpoint *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		ac.logger.Warnw("Failed to open property store for endpoint", "error", err)
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		ac.logger.Warnw("Failed to get friendly name for device", "error", err)
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	// device friendly name i.e. "Headphones (Realtek Audio)"
	return value.String(), nil
}

func (ac *wcaAudioControl) enumerateApplicationEntries(endpoint *wca.IMMDevice, seen map[string]bool) ([]Entry, error) {
	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := endpoint.Activate(
		wca.IID_IAudioSessionManager2,
		wca.CLSCTX_ALL,
		nil,
		&audioSessionManager2,
	); err != nil {
		ac.logger.Warnw("Failed to activate endpoint as IAudioSessionManager2", "error", err)
		return nil, fmt.Errorf("activate endpoint: %w", err)
	}

	// new sessions on this device surface as application appearances
	callback := wca.IAudioSessionNotificationCallback{
		OnSessionCreated: func(pNewSession *wca.IAudioSessionControl) error {
			return ac.onSessionCreated(pNewSession)
		},
	}
	asn := wca.NewIAudioSessionNotification(callback)
	if err := audioSessionManager2.RegisterSessionNotification(asn); err != nil {
		return nil, err
	}

	// keep references so it doesn't get GC'd
	ac.sessionNotifications = append(ac.sessionNotifications, managerWithNotif{audioSessionManager2, asn})

	var sessionEnumerator *wca.IAudioSessionEnumerator

	if err := audioSessionManager2.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return nil, err
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		ac.logger.Warnw("Failed to get session count from session enumerator", "error", err)
		return nil, fmt.Errorf("get session count: %w", err)
	}

	entries := []Entry{}

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
		var audioSessionControl *wca.IAudioSessionControl
		if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
			ac.logger.Warnw("Failed to get session from session enumerator",
				"error", err,
				"sessionIdx", sessionIdx)

			return nil, fmt.Errorf("get session %d from enumerator: %w", sessionIdx, err)
		}

		entry, err := ac.describeSession(audioSessionControl, true)
		if err != nil {
			ac.logger.Debugw("Skipping session", "sessionIdx", sessionIdx, "error", err)
			continue
		}

		if !seen[entry.Ref] {
			seen[entry.Ref] = true
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// describeSession resolves an audio session to an application entry and
// optionally registers expiry callbacks so the app's disappearance is
// noticed without a re-enumeration
func (ac *wcaAudioControl) describeSession(audioSessionControl *wca.IAudioSessionControl, watch bool) (Entry, error) {
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return Entry{}, fmt.Errorf("query session IAudioSessionControl2: %w", err)
	}

	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))
	defer audioSessionControl2.Release()

	var pid uint32
	if err := audioSessionControl2.GetProcessId(&pid); err != nil {
		// system sounds and UWP apps error here with the undocumented
		// AUDCLNT_S_NO_CURRENT_PROCESS (0x889000D) while still filling pid
		isSystemSoundsErr := audioSessionControl2.IsSystemSoundsSession()
		if isSystemSoundsErr != nil && !strings.Contains(err.Error(), "143196173") {
			return Entry{}, fmt.Errorf("get session pid: %w", err)
		}
	}

	if pid == 0 {
		return Entry{}, errors.New("system sounds session")
	}

	process, err := ps.FindProcess(int(pid))
	if err != nil || process == nil {
		return Entry{}, fmt.Errorf("find process %d: %w", pid, err)
	}

	ref := NormalizeAppRef(process.Executable())

	entry := Entry{
		Ref:    ref,
		Name:   process.Executable(),
		Kind:   EntryApplication,
		Online: true,
		Pid:    pid,
	}

	if watch {
		ac.trackSession(ref, pid)

		callback := wca.IAudioSessionEventsCallback{
			OnStateChanged: func(newState wca.AudioSessionState) error {
				if newState == wca.AudioSessionStateExpired {
					ac.untrackSession(ref, pid)
				}
				return nil
			},
			OnSessionDisconnected: func(reason wca.AudioSessionDisconnectReason) error {
				ac.untrackSession(ref, pid)
				return nil
			},
		}
		ase := wca.NewIAudioSessionEvents(callback)
		if err := audioSessionControl.RegisterAudioSessionNotification(ase); err != nil {
			ac.logger.Warnw("Failed to register session notification", "ref", ref, "error", err)
		}
	}

	return entry, nil
}

// trackSession counts live sessions per application, so an app only
// disappears when its last session expires
func (ac *wcaAudioControl) trackSession(ref string, pid uint32) {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.appRefPids[ref] == nil {
		ac.appRefPids[ref] = make(map[uint32]int)
	}
	ac.appRefPids[ref][pid]++
}

func (ac *wcaAudioControl) untrackSession(ref string, pid uint32) {
	ac.lock.Lock()

	if pids, ok := ac.appRefPids[ref]; ok {
		pids[pid]--
		if pids[pid] <= 0 {
			delete(pids, pid)
		}
		if len(pids) == 0 {
			delete(ac.appRefPids, ref)

			ac.lock.Unlock()
			ac.sendEvent(DeviceEvent{
				Kind:  EntryDisappeared,
				Entry: Entry{Ref: ref, Kind: EntryApplication},
			})
			return
		}
	}

	ac.lock.Unlock()
}

func (ac *wcaAudioControl) onSessionCreated(pNewSession *wca.IAudioSessionControl) error {
	pNewSession.AddRef()

	entry, err := ac.describeSession(pNewSession, true)
	if err != nil {
		// don't return the error, otherwise the callback fails and we stop
		// getting notifications
		ac.logger.Debugw("Failed to describe new session from OnSessionCreated", "error", err)
		return nil
	}

	ac.sendEvent(DeviceEvent{Kind: EntryAppeared, Entry: entry})

	return nil
}

func (ac *wcaAudioControl) registerDeviceChangeCallback() error {
	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded:          ac.deviceAddedCallback,
		OnDeviceRemoved:        ac.deviceRemovedCallback,
		OnDeviceStateChanged:   ac.deviceStateChangedCallback,
		OnDefaultDeviceChanged: ac.defaultDeviceChangedCallback,
	}

	ac.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := ac.mmDeviceEnumerator.RegisterEndpointNotificationCallback(ac.mmNotificationClient); err != nil {
		ac.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (ac *wcaAudioControl) deviceAddedCallback(pwstrDeviceId string) error {
	var endpoint *wca.IMMDevice
	if err := ac.mmDeviceEnumerator.GetDevice(pwstrDeviceId, &endpoint); err != nil {
		ac.logger.Warnw("Failed to get MM device for new device", "error", err)
		return nil
	}
	defer endpoint.Release()

	entry, _, err := ac.describeEndpoint(endpoint)
	if err != nil {
		ac.logger.Warnw("Failed to describe new device", "error", err)
		return nil
	}

	ac.sendEvent(DeviceEvent{Kind: EntryAppeared, Entry: entry})

	return nil
}

func (ac *wcaAudioControl) deviceRemovedCallback(pwstrDeviceId string) error {
	ac.sendEvent(DeviceEvent{
		Kind:  EntryDisappeared,
		Entry: Entry{Ref: pwstrDeviceId},
	})

	return nil
}

func (ac *wcaAudioControl) deviceStateChangedCallback(pwstrDeviceId string, dwNewState uint32) error {
	switch dwNewState {
	case wca.DEVICE_STATE_ACTIVE:
		_ = ac.deviceAddedCallback(pwstrDeviceId)
	case wca.DEVICE_STATE_DISABLED, wca.DEVICE_STATE_NOTPRESENT, wca.DEVICE_STATE_UNPLUGGED:
		_ = ac.deviceRemovedCallback(pwstrDeviceId)
	}

	return nil
}

func (ac *wcaAudioControl) defaultDeviceChangedCallback(dataflow wca.EDataFlow, role wca.ERole, identifier string) error {
	if role == 2 { // ignore eCommunications
		return nil
	}

	// filter out calls that happen in rapid succession
	now := time.Now()
	if ac.lastDefaultDeviceChange.Add(minDefaultDeviceChangeThreshold).After(now) {
		return nil
	}
	ac.lastDefaultDeviceChange = now

	ac.logger.Debug("Default audio device changed, new id: " + identifier)

	// the engine owns default-endpoint claims, so outside changes just kick
	// a reconciliation via a status event
	ac.sendEvent(DeviceEvent{
		Kind:  EntryStatusChanged,
		Entry: Entry{Ref: identifier, Online: true},
	})

	return nil
}

func (ac *wcaAudioControl) SetDefaultEndpoint(appRef string, pid uint32, deviceRef string) error {
	if err := ac.policy.setPersistentDefaultEndpoint(pid, deviceRef); err != nil {
		ac.logger.Warnw("Failed to set default endpoint for process",
			"appRef", appRef,
			"pid", pid,
			"deviceRef", deviceRef,
			"error", err)

		return fmt.Errorf("set default endpoint for %s (pid %d): %w", appRef, pid, err)
	}

	ac.logger.Debugw("Set default endpoint for process", "appRef", appRef, "pid", pid, "deviceRef", deviceRef)

	return nil
}

func (ac *wcaAudioControl) RestoreDefaultEndpoint(appRef string, pid uint32) error {
	// an empty device id reverts the process to the system default
	if err := ac.policy.setPersistentDefaultEndpoint(pid, ""); err != nil {
		ac.logger.Warnw("Failed to restore default endpoint for process",
			"appRef", appRef,
			"pid", pid,
			"error", err)

		return fmt.Errorf("restore default endpoint for %s (pid %d): %w", appRef, pid, err)
	}

	return nil
}

func (ac *wcaAudioControl) StartLoopback(srcDeviceRef, dstDeviceRef string) (LoopbackHandle, error) {
	session, err := startLoopbackSession(ac.logger, ac.mmDeviceEnumerator, srcDeviceRef, dstDeviceRef)
	if err != nil {
		ac.logger.Warnw("Failed to start loopback session",
			"srcDeviceRef", srcDeviceRef,
			"dstDeviceRef", dstDeviceRef,
			"error", err)

		return 0, fmt.Errorf("start loopback session: %w", err)
	}

	ac.lock.Lock()
	ac.nextHandle++
	handle := LoopbackHandle(ac.nextHandle)
	ac.loopbacks[handle] = session
	ac.lock.Unlock()

	ac.logger.Debugw("Started loopback session", "src", srcDeviceRef, "dst", dstDeviceRef)

	return handle, nil
}

func (ac *wcaAudioControl) StopLoopback(handle LoopbackHandle) error {
	ac.lock.Lock()
	session, ok := ac.loopbacks[handle]
	delete(ac.loopbacks, handle)
	ac.lock.Unlock()

	if !ok {
		return fmt.Errorf("stop loopback %d: no such session", handle)
	}

	session.stop()

	return nil
}

func (ac *wcaAudioControl) EnableListen(inputRef, outputRef string) (ListenHandle, error) {
	if err := ac.setListen(inputRef, outputRef, true); err != nil {
		return 0, fmt.Errorf("enable listen on %s: %w", inputRef, err)
	}

	ac.lock.Lock()
	ac.nextHandle++
	handle := ListenHandle(ac.nextHandle)
	ac.listens[handle] = inputRef
	ac.lock.Unlock()

	ac.logger.Debugw("Enabled listen", "input", inputRef, "output", outputRef)

	return handle, nil
}

func (ac *wcaAudioControl) DisableListen(handle ListenHandle) error {
	ac.lock.Lock()
	inputRef, ok := ac.listens[handle]
	delete(ac.listens, handle)
	ac.lock.Unlock()

	if !ok {
		return fmt.Errorf("disable listen %d: no such redirect", handle)
	}

	if err := ac.setListen(inputRef, "", false); err != nil {
		return fmt.Errorf("disable listen on %s: %w", inputRef, err)
	}

	return nil
}

// setListen flips the "listen to this device" checkbox on the input
// device's property store, optionally pointing it at a playback target
func (ac *wcaAudioControl) setListen(inputRef, outputRef string, enabled bool) error {
	var endpoint *wca.IMMDevice
	if err := ac.mmDeviceEnumerator.GetDevice(inputRef, &endpoint); err != nil {
		return fmt.Errorf("get input device: %w", ErrNoSuchDevice)
	}
	defer endpoint.Release()

	var propertyStore *wca.IPropertyStore
	if err := endpoint.OpenPropertyStore(wca.STGM_WRITE, &propertyStore); err != nil {
		return fmt.Errorf("open input device property store: %w", err)
	}
	defer propertyStore.Release()

	if enabled {
		target := wca.PROPVARIANT{}
		target.Vt = wca.VT_LPWSTR
		target.Val = uint64(uintptr(unsafe.Pointer(ole.SysAllocString(outputRef))))

		if err := propertyStore.SetValue(&pkeyListenTarget, &target); err != nil {
			return fmt.Errorf("set listen target: %w", err)
		}
	}

	checkbox := wca.PROPVARIANT{}
	checkbox.Vt = wca.VT_BOOL
	if enabled {
		checkbox.Val = 0xffff // VARIANT_TRUE
	}

	if err := propertyStore.SetValue(&pkeyListenEnabled, &checkbox); err != nil {
		return fmt.Errorf("set listen checkbox: %w", err)
	}

	if err := propertyStore.Commit(); err != nil {
		return fmt.Errorf("commit listen properties: %w", err)
	}

	return nil
}

// the undocumented "listen to this device" property keys, shared fmtid with
// pid 1 for the checkbox and pid 0 for the target device
var (
	pkeyListenEnabled = wca.PROPERTYKEY{
		Fmtid: *ole.NewGUID("{24DBB0FC-9311-4B3D-9CF0-18FF155639D4}"),
		Pid:   1,
	}
	pkeyListenTarget = wca.PROPERTYKEY{
		Fmtid: *ole.NewGUID("{24DBB0FC-9311-4B3D-9CF0-18FF155639D4}"),
		Pid:   0,
	}
)

func (ac *wcaAudioControl) SetVolume(ref string, level float32) error {
	if strings.HasPrefix(ref, "{0.0.") {
		return ac.setDeviceVolume(ref, level)
	}

	return ac.setApplicationVolume(ref, level)
}

func (ac *wcaAudioControl) setDeviceVolume(deviceRef string, level float32) error {
	var endpoint *wca.IMMDevice
	if err := ac.mmDeviceEnumerator.GetDevice(deviceRef, &endpoint); err != nil {
		return fmt.Errorf("get device %s: %w", deviceRef, ErrNoSuchDevice)
	}
	defer endpoint.Release()

	var endpointVolume *wca.IAudioEndpointVolume
	if err := endpoint.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpointVolume); err != nil {
		return fmt.Errorf("activate endpoint volume: %w", err)
	}
	defer endpointVolume.Release()

	if err := endpointVolume.SetMasterVolumeLevelScalar(level, ac.eventCtx); err != nil {
		return fmt.Errorf("set master volume: %w", err)
	}

	return nil
}

func (ac *wcaAudioControl) setApplicationVolume(appRef string, level float32) error {
	ac.lock.Lock()
	pids := make([]uint32, 0, len(ac.appRefPids[appRef]))
	for pid := range ac.appRefPids[appRef] {
		pids = append(pids, pid)
	}
	ac.lock.Unlock()

	if len(pids) == 0 {
		return fmt.Errorf("set volume of %s: no live sessions", appRef)
	}

	var deviceCollection *wca.IMMDeviceCollection
	if err := ac.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		return fmt.Errorf("enumerate render endpoints: %w", err)
	}

	var deviceCount uint32
	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		return fmt.Errorf("get device count: %w", err)
	}

	adjusted := false

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		func() {
			var endpoint *wca.IMMDevice
			if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
				return
			}
			defer endpoint.Release()

			var manager *wca.IAudioSessionManager2
			if err := endpoint.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &manager); err != nil {
				return
			}
			defer manager.Release()

			var sessionEnumerator *wca.IAudioSessionEnumerator
			if err := manager.GetSessionEnumerator(&sessionEnumerator); err != nil {
				return
			}
			defer sessionEnumerator.Release()

			var sessionCount int
			if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
				return
			}

			for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
				var control *wca.IAudioSessionControl
				if err := sessionEnumerator.GetSession(sessionIdx, &control); err != nil {
					continue
				}

				dispatch, err := control.QueryInterface(wca.IID_IAudioSessionControl2)
				if err != nil {
					control.Release()
					continue
				}
				control2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

				var pid uint32
				_ = control2.GetProcessId(&pid)

				match := false
				for _, appPid := range pids {
					if pid == appPid {
						match = true
						break
					}
				}

				if match {
					if dispatch, err := control2.QueryInterface(wca.IID_ISimpleAudioVolume); err == nil {
						simpleVolume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))
						if err := simpleVolume.SetMasterVolume(level, ac.eventCtx); err != nil {
							ac.logger.Warnw("Failed to set session volume", "appRef", appRef, "error", err)
						} else {
							adjusted = true
						}
						simpleVolume.Release()
					}
				}

				control2.Release()
				control.Release()
			}
		}()
	}

	if !adjusted {
		return fmt.Errorf("set volume of %s: no matching sessions", appRef)
	}

	return nil
}

func (ac *wcaAudioControl) Release() error {
	ac.lock.Lock()
	for handle, session := range ac.loopbacks {
		session.stop()
		delete(ac.loopbacks, handle)
	}
	ac.lock.Unlock()

	for _, notif := range ac.sessionNotifications {
		if notif.manager != nil && notif.notification != nil {
			_ = notif.manager.UnregisterSessionNotification(notif.notification)
		}
	}

	if ac.mmNotificationClient != nil {
		_ = ac.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(ac.mmNotificationClient)
	}

	if ac.mmDeviceEnumerator != nil {
		ac.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()

	close(ac.stop)

	ac.logger.Debug("Released WCA audio control instance")

	return nil
}
