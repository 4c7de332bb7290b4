package patchbay

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RouteState tracks the lifecycle of one applied action
type RouteState int

const (
	StatePending RouteState = iota
	StateApplied
	StateFailed
)

func (s RouteState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AppliedRoute is one entry of the applied route state, exposed to the GUI
// as a per-connection health indicator
type AppliedRoute struct {
	Action RouteAction
	State  RouteState
	Err    error
}

type appliedRoute struct {
	action      RouteAction
	state       RouteState
	err         error
	lastAttempt time.Time

	loopback LoopbackHandle
	listen   ListenHandle
}

// routeExecutor applies planned actions through the audio capability and
// tracks what is currently in effect. It is the only writer of applied route
// state; everything else reads copies
type routeExecutor struct {
	logger  *zap.SugaredLogger
	control AudioControl

	lock    sync.Mutex
	applied map[string]*appliedRoute

	stateConsumers []chan []AppliedRoute

	// failed actions are not retried more often than this
	retryCooldown time.Duration
}

func newRouteExecutor(logger *zap.SugaredLogger, control AudioControl, retryCooldown time.Duration) *routeExecutor {
	e := &routeExecutor{
		logger:        logger.Named("executor"),
		control:       control,
		applied:       make(map[string]*appliedRoute),
		retryCooldown: retryCooldown,
	}

	e.logger.Debug("Created route executor instance")

	return e
}

// apply brings the OS in line with the planned action set. Stale entries are
// torn down before new ones are set up, so two conflicting claims (e.g. two
// default endpoints for the same application) never overlap. Individual
// failures are recorded per action and the batch continues; re-applying an
// identical plan issues no OS calls. Returns the number of failed actions
func (e *routeExecutor) apply(actions []RouteAction) int {
	e.lock.Lock()

	desired := make(map[string]RouteAction, len(actions))
	for _, action := range actions {
		desired[action.Key()] = action
	}

	// teardown pass, in deterministic order
	staleKeys := []string{}
	for key := range e.applied {
		if _, ok := desired[key]; !ok {
			staleKeys = append(staleKeys, key)
		}
	}
	sort.Strings(staleKeys)

	for _, key := range staleKeys {
		entry := e.applied[key]
		delete(e.applied, key)

		if entry.state != StateApplied {
			// nothing OS-side to undo for a failed entry
			continue
		}

		if err := e.teardown(entry); err != nil {
			// the resource is likely gone with its device; drop the entry
			e.logger.Warnw("Failed to tear down stale route", "route", key, "error", err)
		} else {
			e.logger.Infow("Tore down stale route", "route", key)
		}
	}

	// setup pass, in plan order
	failures := 0
	now := time.Now()

	for _, action := range actions {
		key := action.Key()

		if entry, ok := e.applied[key]; ok {
			if entry.state == StateApplied {
				continue
			}

			// failed previously - retry, but not in a tight loop
			if entry.lastAttempt.Add(e.retryCooldown).After(now) {
				failures++
				continue
			}
		}

		entry := &appliedRoute{action: action, state: StatePending, lastAttempt: now}
		e.applied[key] = entry

		if err := e.setup(entry); err != nil {
			entry.state = StateFailed
			entry.err = err
			failures++

			e.logger.Warnw("Failed to apply route", "route", key, "error", err)
			continue
		}

		entry.state = StateApplied
		entry.err = nil
		e.logger.Infow("Applied route", "route", key)
	}

	e.lock.Unlock()

	e.notifyStateChanged()

	return failures
}

func (e *routeExecutor) setup(entry *appliedRoute) error {
	action := entry.action

	switch action.Kind {
	case ActionSetDefaultEndpoint:
		return e.control.SetDefaultEndpoint(action.AppRef, action.Pid, action.DstRef)

	case ActionStartLoopback:
		handle, err := e.control.StartLoopback(action.SrcRef, action.DstRef)
		if err != nil {
			return err
		}
		entry.loopback = handle
		return nil

	case ActionEnableListen:
		handle, err := e.control.EnableListen(action.SrcRef, action.DstRef)
		if err != nil {
			return err
		}
		entry.listen = handle
		return nil
	}

	return nil
}

func (e *routeExecutor) teardown(entry *appliedRoute) error {
	action := entry.action

	switch action.Kind {
	case ActionSetDefaultEndpoint:
		return e.control.RestoreDefaultEndpoint(action.AppRef, action.Pid)

	case ActionStartLoopback:
		return e.control.StopLoopback(entry.loopback)

	case ActionEnableListen:
		return e.control.DisableListen(entry.listen)
	}

	return nil
}

// teardownAll reverses every applied route. Called on shutdown so no OS-side
// resource outlives the process
func (e *routeExecutor) teardownAll() {
	e.lock.Lock()

	keys := make([]string, 0, len(e.applied))
	for key := range e.applied {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := e.applied[key]
		delete(e.applied, key)

		if entry.state != StateApplied {
			continue
		}

		if err := e.teardown(entry); err != nil {
			e.logger.Warnw("Failed to tear down route during shutdown", "route", key, "error", err)
		}
	}

	e.lock.Unlock()

	e.notifyStateChanged()
	e.logger.Debug("Tore down all applied routes")
}

// AppliedState returns a copy of the applied route state, sorted by route key
func (e *routeExecutor) AppliedState() []AppliedRoute {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.appliedStateLocked()
}

func (e *routeExecutor) appliedStateLocked() []AppliedRoute {
	keys := make([]string, 0, len(e.applied))
	for key := range e.applied {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	state := make([]AppliedRoute, 0, len(keys))
	for _, key := range keys {
		entry := e.applied[key]
		state = append(state, AppliedRoute{
			Action: entry.action,
			State:  entry.state,
			Err:    entry.err,
		})
	}

	return state
}

// SubscribeStateChanges delivers a fresh applied-state copy after every
// apply/teardown, so the GUI can show live connection health. Slow consumers
// miss intermediate updates rather than stalling the executor
func (e *routeExecutor) SubscribeStateChanges() <-chan []AppliedRoute {
	e.lock.Lock()
	defer e.lock.Unlock()

	c := make(chan []AppliedRoute, 1)
	e.stateConsumers = append(e.stateConsumers, c)

	return c
}

func (e *routeExecutor) notifyStateChanged() {
	e.lock.Lock()
	state := e.appliedStateLocked()
	consumers := e.stateConsumers
	e.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- state:
		default:
			// drop the stale update, replace with the current one
			select {
			case <-consumer:
			default:
			}
			select {
			case consumer <- state:
			default:
			}
		}
	}
}
