package patchbay

// EntryKind classifies a live audio entity known to the directory
type EntryKind int

const (
	EntryApplication EntryKind = iota
	EntryInputDevice
	EntryOutputDevice
)

func (k EntryKind) String() string {
	switch k {
	case EntryApplication:
		return "application"
	case EntryInputDevice:
		return "input_device"
	case EntryOutputDevice:
		return "output_device"
	default:
		return "unknown"
	}
}

// Entry describes a live audio endpoint or audio-producing application.
// Ref is the stable identity nodes correlate against: the OS endpoint id for
// devices, the lowercased executable name for applications
type Entry struct {
	Ref    string
	Name   string
	Kind   EntryKind
	Online bool

	// Pid is only meaningful for application entries
	Pid uint32
}

// DeviceEventKind enumerates directory change notifications
type DeviceEventKind int

const (
	EntryAppeared DeviceEventKind = iota
	EntryDisappeared
	EntryStatusChanged
)

// DeviceEvent is pushed by an AudioControl whenever the live set of
// endpoints or applications changes
type DeviceEvent struct {
	Kind  DeviceEventKind
	Entry Entry
}

// LoopbackHandle identifies a running loopback capture so it can be stopped
type LoopbackHandle uint64

// ListenHandle identifies an active listen redirect so it can be disabled
type ListenHandle uint64

// AudioControl is the narrow capability interface to the OS audio subsystem.
// Every call is individually fallible and non-atomic; implementations exist
// for Windows Core Audio and PulseAudio, plus a counting mock in tests
type AudioControl interface {
	// EnumerateEntries returns the current set of audio endpoints and
	// audio-producing applications
	EnumerateEntries() ([]Entry, error)

	// Events delivers appear/disappear/status notifications as they occur
	Events() <-chan DeviceEvent

	// SetDefaultEndpoint makes device the default render endpoint for the
	// application identified by appRef
	SetDefaultEndpoint(appRef string, pid uint32, deviceRef string) error

	// RestoreDefaultEndpoint reverts the application to the system default
	RestoreDefaultEndpoint(appRef string, pid uint32) error

	// StartLoopback software-mixes the source device's output into the
	// destination device and returns a handle for teardown
	StartLoopback(srcDeviceRef, dstDeviceRef string) (LoopbackHandle, error)

	StopLoopback(handle LoopbackHandle) error

	// EnableListen routes an input device's signal directly to an output
	// device ("listen to this device")
	EnableListen(inputRef, outputRef string) (ListenHandle, error)

	DisableListen(handle ListenHandle) error

	// SetVolume adjusts the level of the session or device behind ref
	SetVolume(ref string, level float32) error

	Release() error
}
