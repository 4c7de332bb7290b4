package patchbay

import (
	"time"

	"go.uber.org/zap"
)

// reconciler is the control loop bringing applied route state in line with
// the declared graph and the live directory. All triggers - graph edits,
// directory change events, periodic drift ticks - funnel into one serialized
// stream; at most one plan-and-apply cycle is in flight at a time, and
// triggers arriving mid-cycle coalesce into a single follow-up cycle
type reconciler struct {
	logger *zap.SugaredLogger

	graph     *GraphStore
	directory *deviceDirectory
	executor  *routeExecutor

	tickInterval time.Duration

	triggers  chan struct{}
	cycleDone chan int
	stop      chan struct{}
	stopped   chan struct{}
}

func newReconciler(logger *zap.SugaredLogger, graph *GraphStore, directory *deviceDirectory,
	executor *routeExecutor, tickInterval time.Duration) *reconciler {
	r := &reconciler{
		logger:       logger.Named("reconciler"),
		graph:        graph,
		directory:    directory,
		executor:     executor,
		tickInterval: tickInterval,
		triggers:     make(chan struct{}, 1),
		cycleDone:    make(chan int),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	r.logger.Debug("Created reconciler instance")

	return r
}

// Trigger requests a reconciliation cycle. Safe to call from any goroutine;
// a full trigger queue means a cycle is already due, so the request coalesces
func (r *reconciler) Trigger() {
	select {
	case r.triggers <- struct{}{}:
	default:
	}
}

func (r *reconciler) start() {
	go r.run()
}

// release stops the loop and waits for an in-flight cycle to finish, so the
// caller can safely tear down applied routes afterwards
func (r *reconciler) release() {
	close(r.stop)
	<-r.stopped
}

func (r *reconciler) run() {
	r.logger.Debug("Reconciler loop starting")

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	inFlight := false
	pending := false

	startCycle := func() {
		inFlight = true

		graphSnapshot := r.graph.Snapshot()
		dirSnapshot := r.directory.snapshot()

		// OS capability calls may block on driver round-trips, so the cycle
		// runs off this loop and reports back as a message
		go func() {
			actions := plan(graphSnapshot, dirSnapshot)
			failures := r.executor.apply(actions)
			r.cycleDone <- failures
		}()
	}

	for {
		select {
		case <-r.triggers:
			if inFlight {
				pending = true
			} else {
				startCycle()
			}

		case <-ticker.C:
			// periodic drift catch, also the retry path for failed actions
			if inFlight {
				pending = true
			} else {
				startCycle()
			}

		case failures := <-r.cycleDone:
			inFlight = false

			if failures > 0 {
				r.logger.Debugw("Reconciliation cycle finished with failures, will retry",
					"failures", failures)
			}

			if pending {
				pending = false
				startCycle()
			}

		case <-r.stop:
			if inFlight {
				// let the in-flight cycle drain before leaving
				<-r.cycleDone
			}

			r.logger.Debug("Reconciler loop stopped")
			close(r.stopped)
			return
		}
	}
}
