package patchbay

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// loopbackSession taps one render endpoint in loopback mode and replays the
// captured stream on another, which is how an output-to-output connection is
// realized on Windows
type loopbackSession struct {
	logger *zap.SugaredLogger

	captureClient *wca.IAudioClient
	renderClient  *wca.IAudioClient
	capture       *wca.IAudioCaptureClient
	render        *wca.IAudioRenderClient

	frameSize uint32

	stopChannel chan bool
	done        chan struct{}
}

const (
	// 200ms shared-mode buffers, in 100ns units
	loopbackBufferDuration = 2000000

	// lets the shared-mode engine resample when the two endpoints disagree
	// on mix format
	audclntStreamflagsAutoConvertPCM = 0x80000000

	audclntBufferflagsSilent = 0x2

	loopbackPumpInterval = 5 * time.Millisecond
)

func startLoopbackSession(
	logger *zap.SugaredLogger,
	enumerator *wca.IMMDeviceEnumerator,
	srcDeviceRef string,
	dstDeviceRef string,
) (*loopbackSession, error) {
	session := &loopbackSession{
		logger:      logger.Named("loopback"),
		stopChannel: make(chan bool),
		done:        make(chan struct{}),
	}

	var srcDevice *wca.IMMDevice
	if err := enumerator.GetDevice(srcDeviceRef, &srcDevice); err != nil {
		return nil, fmt.Errorf("get loopback source device: %w", ErrNoSuchDevice)
	}
	defer srcDevice.Release()

	var dstDevice *wca.IMMDevice
	if err := enumerator.GetDevice(dstDeviceRef, &dstDevice); err != nil {
		return nil, fmt.Errorf("get loopback destination device: %w", ErrNoSuchDevice)
	}
	defer dstDevice.Release()

	if err := srcDevice.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &session.captureClient); err != nil {
		return nil, fmt.Errorf("activate source audio client: %w", err)
	}

	if err := dstDevice.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &session.renderClient); err != nil {
		session.release()
		return nil, fmt.Errorf("activate destination audio client: %w", err)
	}

	// both ends run on the source's mix format so the pump is a plain copy
	var format *wca.WAVEFORMATEX
	if err := session.captureClient.GetMixFormat(&format); err != nil {
		session.release()
		return nil, fmt.Errorf("get source mix format: %w", err)
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(format)))

	session.frameSize = uint32(format.NBlockAlign)

	if err := session.captureClient.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		wca.AUDCLNT_STREAMFLAGS_LOOPBACK,
		loopbackBufferDuration,
		0,
		format,
		nil,
	); err != nil {
		session.release()
		return nil, fmt.Errorf("initialize loopback capture client: %w", err)
	}

	if err := session.renderClient.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		audclntStreamflagsAutoConvertPCM,
		loopbackBufferDuration,
		0,
		format,
		nil,
	); err != nil {
		session.release()
		return nil, fmt.Errorf("initialize loopback render client: %w", err)
	}

	if err := session.captureClient.GetService(wca.IID_IAudioCaptureClient, &session.capture); err != nil {
		session.release()
		return nil, fmt.Errorf("get capture service: %w", err)
	}

	if err := session.renderClient.GetService(wca.IID_IAudioRenderClient, &session.render); err != nil {
		session.release()
		return nil, fmt.Errorf("get render service: %w", err)
	}

	if err := session.captureClient.Start(); err != nil {
		session.release()
		return nil, fmt.Errorf("start loopback capture: %w", err)
	}

	if err := session.renderClient.Start(); err != nil {
		_ = session.captureClient.Stop()
		session.release()
		return nil, fmt.Errorf("start loopback render: %w", err)
	}

	go session.pump()

	return session, nil
}

// pump polls the capture side and copies whole packets to the render side
// until stopped
func (session *loopbackSession) pump() {
	defer close(session.done)

	ticker := time.NewTicker(loopbackPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.stopChannel:
			return
		case <-ticker.C:
			if err := session.drainPackets(); err != nil {
				session.logger.Warnw("Loopback pump failed, stopping session", "error", err)
				return
			}
		}
	}
}

func (session *loopbackSession) drainPackets() error {
	for {
		var packetFrames uint32
		if err := session.capture.GetNextPacketSize(&packetFrames); err != nil {
			return fmt.Errorf("get next packet size: %w", err)
		}

		if packetFrames == 0 {
			return nil
		}

		var srcBuffer *byte
		var captured uint32
		var flags uint32
		if err := session.capture.GetBuffer(&srcBuffer, &captured, &flags, nil, nil); err != nil {
			return fmt.Errorf("get capture buffer: %w", err)
		}

		var dstBuffer *byte
		if err := session.render.GetBuffer(captured, &dstBuffer); err != nil {
			_ = session.capture.ReleaseBuffer(captured)
			return fmt.Errorf("get render buffer: %w", err)
		}

		byteCount := captured * session.frameSize

		src := unsafe.Slice(srcBuffer, byteCount)
		dst := unsafe.Slice(dstBuffer, byteCount)

		if flags&audclntBufferflagsSilent != 0 {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			copy(dst, src)
		}

		if err := session.render.ReleaseBuffer(captured, 0); err != nil {
			_ = session.capture.ReleaseBuffer(captured)
			return fmt.Errorf("release render buffer: %w", err)
		}

		if err := session.capture.ReleaseBuffer(captured); err != nil {
			return fmt.Errorf("release capture buffer: %w", err)
		}
	}
}

func (session *loopbackSession) stop() {
	select {
	case session.stopChannel <- true:
		<-session.done
	case <-session.done:
	}

	_ = session.captureClient.Stop()
	_ = session.renderClient.Stop()

	session.release()
}

func (session *loopbackSession) release() {
	if session.capture != nil {
		session.capture.Release()
		session.capture = nil
	}
	if session.render != nil {
		session.render.Release()
		session.render = nil
	}
	if session.captureClient != nil {
		session.captureClient.Release()
		session.captureClient = nil
	}
	if session.renderClient != nil {
		session.renderClient.Release()
		session.renderClient = nil
	}
}
