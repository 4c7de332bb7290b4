package patchbay

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func reconcilerFixture(t *testing.T, control *countingControl, tick time.Duration) (*GraphStore, *deviceDirectory, *routeExecutor, *reconciler) {
	t.Helper()

	graph := newGraphStore(testLogger())

	directory := newDeviceDirectory(testLogger(), control)
	assert.Equal(t, directory.initialize(), nil)

	executor := newRouteExecutor(testLogger(), control, time.Second)
	r := newReconciler(testLogger(), graph, directory, executor, tick)

	return graph, directory, executor, r
}

func TestReconcilerAppliesOnTrigger(t *testing.T) {
	control := newCountingControl(
		Entry{Ref: "chrome.exe", Name: "chrome.exe", Kind: EntryApplication, Online: true, Pid: 42},
		Entry{Ref: "spk-a", Name: "Speakers", Kind: EntryOutputDevice, Online: true},
	)

	graph, directory, executor, r := reconcilerFixture(t, control, time.Hour)

	app := graph.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spk := graph.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	graph.AddConnection(app, spk)

	updates := executor.SubscribeStateChanges()

	r.start()
	defer func() {
		r.release()
		directory.release()
	}()

	r.Trigger()

	select {
	case state := <-updates:
		assert.Equal(t, len(state), 1)
		assert.Equal(t, state[0].State, StateApplied)
		assert.Equal(t, state[0].Action.Kind, ActionSetDefaultEndpoint)
	case <-time.After(time.Second):
		t.Fatal("trigger never produced an apply")
	}

	assert.Equal(t, control.ops(), []string{"set_default:chrome.exe->spk-a"})
}

func TestReconcilerCoalescesTriggers(t *testing.T) {
	control := newCountingControl(
		Entry{Ref: "chrome.exe", Name: "chrome.exe", Kind: EntryApplication, Online: true, Pid: 42},
		Entry{Ref: "spk-a", Name: "Speakers", Kind: EntryOutputDevice, Online: true},
	)

	graph, directory, executor, r := reconcilerFixture(t, control, time.Hour)

	app := graph.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spk := graph.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	graph.AddConnection(app, spk)

	updates := executor.SubscribeStateChanges()

	r.start()
	defer func() {
		r.release()
		directory.release()
	}()

	// a burst of triggers - graph edits, device events - must not queue up a
	// cycle per trigger
	for i := 0; i < 50; i++ {
		r.Trigger()
	}

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("triggers never produced an apply")
	}

	// let any coalesced follow-up cycle finish
	time.Sleep(100 * time.Millisecond)

	// idempotence keeps re-applies silent either way, so the OS saw the
	// route exactly once
	assert.Equal(t, control.ops(), []string{"set_default:chrome.exe->spk-a"})
}

func TestReconcilerPeriodicTick(t *testing.T) {
	control := newCountingControl(
		Entry{Ref: "chrome.exe", Name: "chrome.exe", Kind: EntryApplication, Online: true, Pid: 42},
		Entry{Ref: "spk-a", Name: "Speakers", Kind: EntryOutputDevice, Online: true},
	)

	graph, directory, executor, r := reconcilerFixture(t, control, 20*time.Millisecond)

	app := graph.AddNode(NodeApplication, "chrome.exe", "Chrome", Position{})
	spk := graph.AddNode(NodeOutputDevice, "spk-a", "Speakers", Position{})
	graph.AddConnection(app, spk)

	updates := executor.SubscribeStateChanges()

	// no explicit trigger: the drift tick alone must reconcile
	r.start()
	defer func() {
		r.release()
		directory.release()
	}()

	select {
	case state := <-updates:
		assert.Equal(t, len(state), 1)
		assert.Equal(t, state[0].State, StateApplied)
	case <-time.After(time.Second):
		t.Fatal("tick never produced an apply")
	}
}

func TestReconcilerReleaseWaitsForCycle(t *testing.T) {
	control := newCountingControl()

	_, directory, _, r := reconcilerFixture(t, control, time.Hour)
	defer directory.release()

	r.start()
	r.Trigger()

	// must not hang or race the in-flight cycle
	done := make(chan struct{})
	go func() {
		r.release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release did not return")
	}
}
