package daemon

import (
	"sync"

	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/sim"
	"github.com/rs/zerolog/log"
)

type stopper interface {
	StopDistanceMeasurement(remote hci.Address, handle uint16, method distance.Method)
}

// sessionLog receives manager callbacks. Callbacks run on the manager's
// handler, so stop requests are posted rather than executed inline.
type sessionLog struct {
	mu      sync.Mutex
	sc      *sim.Scenario
	m       stopper
	started int
	stopped int
	results uint64
	perPeer map[hci.Address]int
}

var _ distance.Callbacks = (*sessionLog)(nil)

func newSessionLog(sc *sim.Scenario) *sessionLog {
	return &sessionLog{sc: sc, perPeer: make(map[hci.Address]int)}
}

func (l *sessionLog) bind(m stopper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m = m
}

func (l *sessionLog) OnDistanceMeasurementStarted(remote hci.Address, method distance.Method) {
	l.mu.Lock()
	l.started++
	l.perPeer[remote] = 0
	l.mu.Unlock()
	log.Info().Str("remote", remote.String()).Str("method", method.String()).Msg("daemon.sessionLog.started")
}

func (l *sessionLog) OnDistanceMeasurementStopped(remote hci.Address, reason distance.Reason, method distance.Method) {
	l.mu.Lock()
	l.stopped++
	results := l.perPeer[remote]
	delete(l.perPeer, remote)
	l.mu.Unlock()

	event := log.Info()
	if reason != distance.ReasonLocalRequest {
		event = log.Warn()
	}
	event.
		Str("remote", remote.String()).
		Str("method", method.String()).
		Str("reason", reason.String()).
		Int("results", results).
		Msg("daemon.sessionLog.stopped")
}

func (l *sessionLog) OnDistanceMeasurementResult(remote hci.Address, result hal.Result, method distance.Method) {
	l.mu.Lock()
	l.results++
	l.perPeer[remote]++
	count := l.perPeer[remote]
	m := l.m
	l.mu.Unlock()

	log.Debug().
		Str("remote", remote.String()).
		Float64("distance_m", result.DistanceMeters).
		Float64("error_m", result.DistanceErrorMeters).
		Float64("confidence", result.ConfidenceLevel).
		Int("count", count).
		Msg("daemon.sessionLog.result")

	plan, ok := l.sc.PlanFor(remote)
	if ok && m != nil && plan.Results > 0 && count == plan.Results {
		m.StopDistanceMeasurement(remote, plan.Handle, method)
	}
}

func (l *sessionLog) totals() (started, stopped int, results uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, l.stopped, l.results
}
