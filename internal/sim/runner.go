package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/rs/zerolog/log"
)

var ErrStalled = errors.New("sim: scenario stalled")

// maxSteps bounds the number of clock jumps one run may take.
const maxSteps = 100000

var simEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SessionReport is the observed outcome of one scripted session.
type SessionReport struct {
	Remote        string          `json:"remote"`
	Handle        uint16          `json:"handle"`
	Method        distance.Method `json:"method"`
	Started       bool            `json:"started"`
	Results       int             `json:"results"`
	LastDistanceM float64         `json:"last_distance_m"`
	Stopped       bool            `json:"stopped"`
	Reason        string          `json:"reason"`
	Elapsed       time.Duration   `json:"elapsed"`
}

// Report is the outcome of a full scenario run.
type Report struct {
	Scenario    string          `json:"scenario"`
	Sessions    []SessionReport `json:"sessions"`
	VirtualTime time.Duration   `json:"virtual_time"`
	Commands    int             `json:"commands"`
}

// Session returns the report for handle.
func (r Report) Session(handle uint16) (SessionReport, bool) {
	for _, s := range r.Sessions {
		if s.Handle == handle {
			return s, true
		}
	}
	return SessionReport{}, false
}

// recorder collects callbacks and ends sessions once their plan is satisfied.
type recorder struct {
	mu      sync.Mutex
	sc      *Scenario
	clock   handler.Clock
	stop    func(remote hci.Address, handle uint16, method distance.Method)
	reports map[hci.Address]*SessionReport
	started map[hci.Address]time.Time
}

func newRecorder(sc *Scenario, clock handler.Clock) *recorder {
	r := &recorder{
		sc:      sc,
		clock:   clock,
		reports: make(map[hci.Address]*SessionReport, len(sc.Sessions)),
		started: make(map[hci.Address]time.Time, len(sc.Sessions)),
	}
	for _, plan := range sc.Sessions {
		r.reports[plan.Remote] = &SessionReport{
			Remote: plan.Remote.String(),
			Handle: plan.Handle,
			Method: plan.Method,
		}
	}
	return r
}

func (r *recorder) OnDistanceMeasurementStarted(remote hci.Address, method distance.Method) {
	r.mu.Lock()
	rep := r.reports[remote]
	plan, ok := r.sc.PlanFor(remote)
	if rep == nil || !ok {
		r.mu.Unlock()
		return
	}
	rep.Started = true
	rep.Method = method
	r.started[remote] = r.clock.Now()
	done := plan.Results == 0 && !plan.runsUntilFault()
	stop := r.stop
	r.mu.Unlock()

	if done && stop != nil {
		stop(remote, plan.Handle, method)
	}
}

func (r *recorder) OnDistanceMeasurementStopped(remote hci.Address, reason distance.Reason, method distance.Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.reports[remote]
	if rep == nil {
		return
	}
	rep.Stopped = true
	rep.Reason = reason.String()
	if at, ok := r.started[remote]; ok {
		rep.Elapsed = r.clock.Now().Sub(at)
	}
}

func (r *recorder) OnDistanceMeasurementResult(remote hci.Address, result hal.Result, method distance.Method) {
	r.mu.Lock()
	rep := r.reports[remote]
	plan, ok := r.sc.PlanFor(remote)
	if rep == nil || !ok {
		r.mu.Unlock()
		return
	}
	rep.Results++
	rep.LastDistanceM = result.DistanceMeters
	done := plan.Results > 0 && rep.Results == plan.Results
	stop := r.stop
	r.mu.Unlock()

	if done && stop != nil {
		stop(remote, plan.Handle, method)
	}
}

func (r *recorder) allStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if !rep.Stopped {
			return false
		}
	}
	return true
}

func (r *recorder) snapshot() []SessionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionReport, 0, len(r.sc.Sessions))
	for _, plan := range r.sc.Sessions {
		out = append(out, *r.reports[plan.Remote])
	}
	return out
}

// runsUntilFault reports whether the session is expected to end on its own.
func (p SessionPlan) runsUntilFault() bool {
	return p.Faults.UnsolicitedDisableAfter > 0 || p.Faults.LinkLossAfter > 0
}

// Run drives sc against a real distance.Manager on virtual time and returns
// what each session observed. It returns ErrStalled when sessions remain but
// nothing is scheduled.
func Run(ctx context.Context, sc *Scenario, cfg distance.Config) (Report, error) {
	clock := handler.NewManualClock(simEpoch)
	ctrl := NewController(sc, clock)
	channel := NewChannel(sc)
	rec := newRecorder(sc, clock)

	deps := distance.Deps{
		Bus:       ctrl,
		Channel:   channel,
		Callbacks: rec,
		Clock:     clock,
	}
	if sc.HALVersion != 0 {
		deps.Accelerator = NewAccelerator(sc, clock)
	}
	m, err := distance.New(cfg, deps)
	if err != nil {
		return Report{}, err
	}
	ctrl.SetSink(m)
	channel.SetSink(m)
	rec.mu.Lock()
	rec.stop = m.StopDistanceMeasurement
	rec.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		ctrl.Stop()
		cancel()
		<-done
	}()

	log.Info().Str("scenario", sc.Name).Int("sessions", len(sc.Sessions)).Msg("sim.Run")
	for _, plan := range sc.Sessions {
		m.StartDistanceMeasurement(plan.Remote, plan.Handle, plan.Role, plan.IntervalMs, plan.Method)
	}

	report := func() Report {
		return Report{
			Scenario:    sc.Name,
			Sessions:    rec.snapshot(),
			VirtualTime: clock.Now().Sub(simEpoch),
			Commands:    ctrl.Commands(),
		}
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return report(), err
		}
		if err := m.Sync(); err != nil {
			return report(), err
		}
		if rec.allStopped() {
			break
		}
		if step >= maxSteps {
			return report(), fmt.Errorf("%w: step limit %d reached", ErrStalled, maxSteps)
		}
		if !clock.AdvanceNext() {
			return report(), fmt.Errorf("%w: no pending timers", ErrStalled)
		}
	}

	r := report()
	log.Info().
		Str("scenario", sc.Name).
		Dur("virtual_time", r.VirtualTime).
		Int("commands", r.Commands).
		Msg("sim.Run complete")
	return r, nil
}
