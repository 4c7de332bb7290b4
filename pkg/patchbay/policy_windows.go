package patchbay

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// audioPolicyConfig wraps the undocumented Windows.Media.Internal
// AudioPolicyConfig runtime class, which is what the modern sound settings
// page uses to assign a playback device per process
type audioPolicyConfig struct {
	logger *zap.SugaredLogger

	instance *policyConfigInstance
}

type policyConfigInstance struct {
	vtable *policyConfigVtable
}

// vtable layout of the AudioPolicyConfig factory. The first 6 slots are
// IUnknown + IInspectable, followed by 19 methods we never call, then the
// persisted-default-endpoint triple
type policyConfigVtable struct {
	queryInterface uintptr
	addRef         uintptr
	release        uintptr

	getIids             uintptr
	getRuntimeClassName uintptr
	getTrustLevel       uintptr

	reserved [19]uintptr

	setPersistedDefaultAudioEndpoint      uintptr
	getPersistedDefaultAudioEndpoint      uintptr
	clearAllPersistedApplicationEndpoints uintptr
}

const (
	policyConfigClassName = "Windows.Media.Internal.AudioPolicyConfig"

	// the factory IID changed in the 21H2 insider builds
	policyConfigIIDLatest = "{ab3d4648-e242-459f-b02f-541c70306324}"
	policyConfigIIDLegacy = "{2a59116d-6c4f-45e0-a74f-707e3fef9258}"

	policyConfigIIDBuildCutoff = 21390

	mmDeviceAPIToken      = `\\?\SWD#MMDEVAPI#`
	deviceInterfaceRender = "#{e6327cad-dcec-4949-ae8a-991e976a79d2}"

	eRender     = 0
	eConsole    = 0
	eMultimedia = 1
)

var (
	combase                    = syscall.NewLazyDLL("combase.dll")
	procRoGetActivationFactory = combase.NewProc("RoGetActivationFactory")
	procWindowsCreateString    = combase.NewProc("WindowsCreateString")
	procWindowsDeleteString    = combase.NewProc("WindowsDeleteString")

	ntdll                      = syscall.NewLazyDLL("ntdll.dll")
	procRtlGetNtVersionNumbers = ntdll.NewProc("RtlGetNtVersionNumbers")
)

func newAudioPolicyConfig(logger *zap.SugaredLogger) (*audioPolicyConfig, error) {
	pc := &audioPolicyConfig{
		logger: logger.Named("policy_config"),
	}

	iid := policyConfigIIDLegacy
	if build := windowsBuildNumber(); build >= policyConfigIIDBuildCutoff {
		iid = policyConfigIIDLatest
	}

	className, err := newHString(policyConfigClassName)
	if err != nil {
		return nil, fmt.Errorf("create class name hstring: %w", err)
	}
	defer deleteHString(className)

	guid := ole.NewGUID(iid)

	hr, _, _ := procRoGetActivationFactory.Call(
		uintptr(className),
		uintptr(unsafe.Pointer(guid)),
		uintptr(unsafe.Pointer(&pc.instance)),
	)
	if int32(hr) < 0 {
		pc.logger.Warnw("Failed to activate audio policy config factory",
			"iid", iid,
			"hresult", fmt.Sprintf("0x%X", hr))

		return nil, fmt.Errorf("activate audio policy config factory: hresult 0x%X", hr)
	}

	pc.logger.Debugw("Activated audio policy config factory", "iid", iid)

	return pc, nil
}

// setPersistentDefaultEndpoint assigns deviceRef as pid's default playback
// device for both the console and multimedia roles. An empty deviceRef
// reverts the process to the system default
func (pc *audioPolicyConfig) setPersistentDefaultEndpoint(pid uint32, deviceRef string) error {
	deviceID := uintptr(0)

	if deviceRef != "" {
		mmDeviceID := mmDeviceAPIToken + deviceRef + deviceInterfaceRender

		hstring, err := newHString(mmDeviceID)
		if err != nil {
			return fmt.Errorf("create device id hstring: %w", err)
		}
		defer deleteHString(hstring)

		deviceID = uintptr(hstring)
	}

	for _, role := range []uint32{eConsole, eMultimedia} {
		hr, _, _ := syscall.SyscallN(
			pc.instance.vtable.setPersistedDefaultAudioEndpoint,
			uintptr(unsafe.Pointer(pc.instance)),
			uintptr(pid),
			uintptr(eRender),
			uintptr(role),
			deviceID,
		)
		if int32(hr) < 0 {
			return fmt.Errorf("set persisted default endpoint (role %d): hresult 0x%X", role, hr)
		}
	}

	return nil
}

type hstring uintptr

func newHString(s string) (hstring, error) {
	utf16, err := syscall.UTF16FromString(s)
	if err != nil {
		return 0, fmt.Errorf("encode hstring payload: %w", err)
	}

	var out hstring

	hr, _, _ := procWindowsCreateString.Call(
		uintptr(unsafe.Pointer(&utf16[0])),
		uintptr(len(utf16)-1), // exclude the terminator
		uintptr(unsafe.Pointer(&out)),
	)
	if int32(hr) < 0 {
		return 0, fmt.Errorf("WindowsCreateString: hresult 0x%X", hr)
	}

	return out, nil
}

func deleteHString(h hstring) {
	_, _, _ = procWindowsDeleteString.Call(uintptr(h))
}

func windowsBuildNumber() uint32 {
	var major, minor, build uint32

	_, _, _ = procRtlGetNtVersionNumbers.Call(
		uintptr(unsafe.Pointer(&major)),
		uintptr(unsafe.Pointer(&minor)),
		uintptr(unsafe.Pointer(&build)),
	)

	// the build number comes back with 0xF0000000 flags set
	return build & 0x0FFFFFFF
}
