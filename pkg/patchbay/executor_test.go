package patchbay

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fanOutActions() []RouteAction {
	return []RouteAction{
		{
			Kind:         ActionSetDefaultEndpoint,
			ConnectionID: "c1",
			AppRef:       "chrome.exe",
			Pid:          42,
			DstRef:       "spk-a",
		},
		{
			Kind:         ActionStartLoopback,
			ConnectionID: "c2",
			SrcRef:       "spk-a",
			DstRef:       "spk-b",
		},
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	control := newCountingControl()
	e := newRouteExecutor(testLogger(), control, time.Second)

	assert.Equal(t, e.apply(fanOutActions()), 0)
	callsAfterFirst := control.opCount()
	assert.Equal(t, callsAfterFirst, 2)

	// an identical plan issues no further OS calls
	assert.Equal(t, e.apply(fanOutActions()), 0)
	assert.Equal(t, control.opCount(), callsAfterFirst)
}

func TestApplyTearsDownBeforeSettingUp(t *testing.T) {
	control := newCountingControl()
	e := newRouteExecutor(testLogger(), control, time.Second)

	e.apply([]RouteAction{{
		Kind:   ActionSetDefaultEndpoint,
		AppRef: "chrome.exe",
		Pid:    42,
		DstRef: "spk-a",
	}})

	// the same app moves to another sink: the old claim must be released
	// before the new one lands
	e.apply([]RouteAction{{
		Kind:   ActionSetDefaultEndpoint,
		AppRef: "chrome.exe",
		Pid:    42,
		DstRef: "spk-b",
	}})

	assert.Equal(t, control.ops(), []string{
		"set_default:chrome.exe->spk-a",
		"restore_default:chrome.exe",
		"set_default:chrome.exe->spk-b",
	})
}

func TestApplyStopsStaleLoopbacks(t *testing.T) {
	control := newCountingControl()
	e := newRouteExecutor(testLogger(), control, time.Second)

	e.apply(fanOutActions())

	// the loopback edge went away, its capture must stop
	e.apply(fanOutActions()[:1])

	assert.Equal(t, control.ops(), []string{
		"set_default:chrome.exe->spk-a",
		"start_loopback:spk-a->spk-b",
		"stop_loopback:spk-a->spk-b",
	})
}

func TestApplyContinuesPastFailures(t *testing.T) {
	control := newCountingControl()
	control.failRefs["spk-a"] = true

	e := newRouteExecutor(testLogger(), control, time.Second)

	failures := e.apply(fanOutActions())
	assert.Equal(t, failures, 1)

	// the loopback into spk-b still went through
	assert.Equal(t, control.ops(), []string{"start_loopback:spk-a->spk-b"})

	state := e.AppliedState()
	assert.Equal(t, len(state), 2)

	byKind := map[ActionKind]AppliedRoute{}
	for _, route := range state {
		byKind[route.Action.Kind] = route
	}

	assert.Equal(t, byKind[ActionSetDefaultEndpoint].State, StateFailed)
	assert.NotEqual(t, byKind[ActionSetDefaultEndpoint].Err, nil)
	assert.Equal(t, byKind[ActionStartLoopback].State, StateApplied)
}

func TestFailedActionsRetryAfterCooldown(t *testing.T) {
	control := newCountingControl()
	control.failRefs["spk-a"] = true

	e := newRouteExecutor(testLogger(), control, 50*time.Millisecond)

	actions := fanOutActions()[:1]

	assert.Equal(t, e.apply(actions), 1)

	// still cooling down: counted as failed, but no OS call
	assert.Equal(t, e.apply(actions), 1)
	assert.Equal(t, control.opCount(), 0)

	time.Sleep(60 * time.Millisecond)

	// the device came back, the retry succeeds
	control.lock.Lock()
	delete(control.failRefs, "spk-a")
	control.lock.Unlock()

	assert.Equal(t, e.apply(actions), 0)
	assert.Equal(t, control.ops(), []string{"set_default:chrome.exe->spk-a"})
}

func TestTeardownAll(t *testing.T) {
	control := newCountingControl()
	e := newRouteExecutor(testLogger(), control, time.Second)

	e.apply([]RouteAction{
		{Kind: ActionSetDefaultEndpoint, AppRef: "chrome.exe", Pid: 42, DstRef: "spk-a"},
		{Kind: ActionStartLoopback, SrcRef: "spk-a", DstRef: "spk-b"},
		{Kind: ActionEnableListen, SrcRef: "mic-a", DstRef: "spk-a"},
	})

	e.teardownAll()

	assert.Equal(t, len(e.AppliedState()), 0)

	ops := control.ops()
	assert.Equal(t, len(ops), 6)

	// the last three calls undo everything that was set up
	teardowns := map[string]bool{}
	for _, op := range ops[3:] {
		teardowns[op] = true
	}

	assert.Equal(t, teardowns["restore_default:chrome.exe"], true)
	assert.Equal(t, teardowns["stop_loopback:spk-a->spk-b"], true)
	assert.Equal(t, teardowns["disable_listen:mic-a->spk-a"], true)
}

func TestStateChangeSubscription(t *testing.T) {
	control := newCountingControl()
	e := newRouteExecutor(testLogger(), control, time.Second)

	updates := e.SubscribeStateChanges()

	e.apply(fanOutActions())

	select {
	case state := <-updates:
		assert.Equal(t, len(state), 2)
		for _, route := range state {
			assert.Equal(t, route.State, StateApplied)
		}
	case <-time.After(time.Second):
		t.Fatal("no state update after apply")
	}
}
