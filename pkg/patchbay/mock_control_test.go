package patchbay

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// countingControl is an in-memory AudioControl that records every call in
// order, for asserting what the executor actually did against the OS
type countingControl struct {
	lock sync.Mutex

	entries []Entry
	events  chan DeviceEvent

	// setup calls whose destination ref is listed here fail
	failRefs map[string]bool

	opLog      []string
	nextHandle uint64
	live       map[uint64]string
}

func newCountingControl(entries ...Entry) *countingControl {
	return &countingControl{
		entries:  entries,
		events:   make(chan DeviceEvent, 16),
		failRefs: make(map[string]bool),
		live:     make(map[uint64]string),
	}
}

func (c *countingControl) record(op string) {
	c.opLog = append(c.opLog, op)
}

func (c *countingControl) ops() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	ops := make([]string, len(c.opLog))
	copy(ops, c.opLog)

	return ops
}

func (c *countingControl) opCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.opLog)
}

func (c *countingControl) EnumerateEntries() ([]Entry, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)

	return entries, nil
}

func (c *countingControl) Events() <-chan DeviceEvent {
	return c.events
}

func (c *countingControl) SetDefaultEndpoint(appRef string, pid uint32, deviceRef string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.failRefs[deviceRef] {
		return fmt.Errorf("set default endpoint: device %s is gone", deviceRef)
	}

	c.record(fmt.Sprintf("set_default:%s->%s", appRef, deviceRef))

	return nil
}

func (c *countingControl) RestoreDefaultEndpoint(appRef string, pid uint32) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.record(fmt.Sprintf("restore_default:%s", appRef))

	return nil
}

func (c *countingControl) StartLoopback(srcDeviceRef, dstDeviceRef string) (LoopbackHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.failRefs[dstDeviceRef] {
		return 0, fmt.Errorf("start loopback: device %s is gone", dstDeviceRef)
	}

	c.nextHandle++
	c.live[c.nextHandle] = fmt.Sprintf("loopback:%s->%s", srcDeviceRef, dstDeviceRef)
	c.record(fmt.Sprintf("start_loopback:%s->%s", srcDeviceRef, dstDeviceRef))

	return LoopbackHandle(c.nextHandle), nil
}

func (c *countingControl) StopLoopback(handle LoopbackHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	route, ok := c.live[uint64(handle)]
	if !ok {
		return fmt.Errorf("stop loopback: no handle %d", handle)
	}
	delete(c.live, uint64(handle))

	c.record("stop_" + route)

	return nil
}

func (c *countingControl) EnableListen(inputRef, outputRef string) (ListenHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.failRefs[outputRef] {
		return 0, fmt.Errorf("enable listen: device %s is gone", outputRef)
	}

	c.nextHandle++
	c.live[c.nextHandle] = fmt.Sprintf("listen:%s->%s", inputRef, outputRef)
	c.record(fmt.Sprintf("enable_listen:%s->%s", inputRef, outputRef))

	return ListenHandle(c.nextHandle), nil
}

func (c *countingControl) DisableListen(handle ListenHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	route, ok := c.live[uint64(handle)]
	if !ok {
		return fmt.Errorf("disable listen: no handle %d", handle)
	}
	delete(c.live, uint64(handle))

	c.record("disable_" + route)

	return nil
}

func (c *countingControl) SetVolume(ref string, level float32) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.record(fmt.Sprintf("set_volume:%s=%.2f", ref, level))

	return nil
}

func (c *countingControl) Release() error {
	return nil
}
