package distance

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/observability"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators a Manager drives. Accelerator may be nil.
type Deps struct {
	Bus         Bus
	Channel     ras.Channel
	Accelerator hal.Accelerator
	Callbacks   Callbacks
	Clock       handler.Clock
	Cache       *CapabilityCache
	Rand        *rand.Rand
}

// Manager runs every distance measurement session on one handler. Exported
// methods are safe for concurrent use; they enqueue work and return.
type Manager struct {
	cfg      Config
	bus      Bus
	channel  ras.Channel
	accel    hal.Accelerator
	cb       Callbacks
	clock    handler.Clock
	rng      *rand.Rand
	handler  *handler.Handler
	cache    *CapabilityCache
	tracker  *hci.CommandTracker
	sessions *registry

	// localReadPending is set while one local capability read is outstanding.
	localReadPending bool
}

// Manager constructor using explicit config and collaborators.
func New(cfg Config, deps Deps) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Bus == nil:
		return nil, fmt.Errorf("%w: bus", ErrMissingDependency)
	case deps.Channel == nil:
		return nil, fmt.Errorf("%w: control channel", ErrMissingDependency)
	case deps.Callbacks == nil:
		return nil, fmt.Errorf("%w: callbacks", ErrMissingDependency)
	}
	if deps.Clock == nil {
		deps.Clock = handler.SystemClock{}
	}
	if deps.Cache == nil {
		deps.Cache = NewCapabilityCache()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	m := &Manager{
		cfg:      cfg,
		bus:      deps.Bus,
		channel:  deps.Channel,
		accel:    deps.Accelerator,
		cb:       deps.Callbacks,
		clock:    deps.Clock,
		rng:      deps.Rand,
		handler:  handler.New(),
		cache:    deps.Cache,
		tracker:  hci.NewCommandTracker(),
		sessions: newRegistry(),
	}
	if m.accel != nil {
		m.accel.RegisterCallback(halCallback{m: m})
	}
	return m, nil
}

// Run drains the manager's handler until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.PrefetchLocalCapabilities {
		m.post(m.readLocalCapabilities)
	}
	log.Info().
		Int("max_config_retries", m.cfg.MaxConfigRetries).
		Int("max_enable_retries", m.cfg.MaxEnableRetries).
		Bool("accelerator", m.accel != nil).
		Msg("distance.Manager.run")
	err := m.handler.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Sync waits until every queued event, including follow-up work, has been
// processed.
func (m *Manager) Sync() error {
	return m.handler.Sync()
}

// Sessions returns a snapshot of live sessions ordered by handle.
func (m *Manager) Sessions(ctx context.Context) ([]SessionInfo, error) {
	reply := make(chan []SessionInfo, 1)
	err := m.handler.Call(ctx, func() {
		var out []SessionInfo
		for _, s := range m.sessions.all() {
			out = append(out, s.info(s.timer.Armed()))
		}
		reply <- out
	})
	if err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	default:
		return nil, ErrSnapshotFailed
	}
}

func (m *Manager) StartDistanceMeasurement(remote hci.Address, handle uint16, role hci.Role, intervalMs uint16, method Method) {
	m.post(func() { m.start(remote, handle, role, intervalMs, method) })
}

func (m *Manager) StopDistanceMeasurement(remote hci.Address, handle uint16, method Method) {
	m.post(func() { m.stop(remote, handle, method) })
}

func (m *Manager) HandleCommandStatus(ev hci.CommandStatus) {
	m.post(func() { m.onCommandStatus(ev) })
}

func (m *Manager) HandleCommandComplete(ev hci.CommandComplete) {
	m.post(func() { m.onCommandComplete(ev) })
}

func (m *Manager) HandleMetaEvent(ev hci.MetaEvent) {
	m.post(func() { m.onMetaEvent(ev) })
}

func (m *Manager) HandleRasConnected(ev ras.Connected) {
	m.post(func() { m.onRasConnected(ev) })
}

func (m *Manager) HandleRasDisconnected(ev ras.Disconnected) {
	m.post(func() { m.onRasDisconnected(ev) })
}

// HandleConnectionUpdate records a new connection interval, in 1.25 ms units.
func (m *Manager) HandleConnectionUpdate(handle, connInterval uint16) {
	m.post(func() { m.onConnectionUpdate(handle, connInterval) })
}

// HandleDisconnection reports that the LE link for handle is gone.
func (m *Manager) HandleDisconnection(handle uint16) {
	m.post(func() { m.onDisconnection(handle) })
}

// HandleControllerReset drops cached capabilities and ends every session.
func (m *Manager) HandleControllerReset() {
	m.post(m.onControllerReset)
}

func (m *Manager) post(fn func()) {
	if !m.handler.Post(fn) {
		log.Debug().Msg("distance.Manager.post dropped: handler stopped")
	}
}

func (m *Manager) start(remote hci.Address, handle uint16, role hci.Role, intervalMs uint16, method Method) {
	if method == MethodRSSI {
		log.Warn().
			Str("remote", remote.String()).
			Uint16("handle", handle).
			Msg("distance.Manager.start rssi ranging unsupported")
		m.cb.OnDistanceMeasurementStopped(remote, ReasonFeatureNotSupportedLocal, method)
		observability.RecordSessionStopped(method.String(), ReasonFeatureNotSupportedLocal.String(), StageIdle.String())
		return
	}
	if method == MethodAuto {
		method = MethodCS
	}

	if old := m.sessions.get(handle); old != nil {
		old.log(log.Info()).Msg("distance.Manager.start restarting existing session")
		m.terminate(old, ReasonLocalRequest)
		// the old session finalizes before the replacement is created
		m.post(func() { m.start(remote, handle, role, intervalMs, method) })
		return
	}

	s := &session{
		id:          uuid.NewString(),
		remote:      remote,
		handle:      handle,
		role:        role,
		intervalMs:  intervalMs,
		method:      method,
		stage:       StageIdle,
		createdAt:   m.clock.Now(),
		configRetry: immediateRetry{max: retryLimit(m.cfg.MaxConfigRetries)},
		enableRetry: newTimedRetry(
			retryLimit(m.cfg.MaxEnableRetries),
			time.Duration(intervalMs)*time.Millisecond,
			m.cfg.EnableRetryMargin,
			m.cfg.EnableRetryBackoff,
			m.rng,
		),
		timer: handler.NewTimer(m.handler, m.clock),
	}
	m.sessions.add(s)
	observability.SetLiveSessions(m.sessions.len())
	s.log(log.Info()).
		Str("role", role.String()).
		Uint16("interval_ms", intervalMs).
		Str("method", method.String()).
		Msg("distance.Manager.start")

	if _, ok := m.cache.Local(); ok {
		m.openControlChannel(s)
		return
	}
	s.stage = StageLocalCapabilitiesPending
	m.readLocalCapabilities()
}

func (m *Manager) stop(remote hci.Address, handle uint16, method Method) {
	s := m.sessions.get(handle)
	if s == nil || s.remote != remote {
		log.Debug().
			Str("remote", remote.String()).
			Uint16("handle", handle).
			Str("method", method.String()).
			Msg("distance.Manager.stop no session")
		return
	}
	s.log(log.Info()).Msg("distance.Manager.stop")
	m.terminate(s, ReasonLocalRequest)
}

// fail logs err and ends s with reason.
func (m *Manager) fail(s *session, reason Reason, err error) {
	s.log(log.Warn()).Err(err).Str("reason", reason.String()).Msg("distance.Manager.fail")
	m.terminate(s, reason)
}

// terminate moves s to Stopping and schedules finalization. Calls after the
// first are ignored.
func (m *Manager) terminate(s *session, reason Reason) {
	if s.stage >= StageStopping {
		return
	}
	from := s.stage
	s.timer.Cancel()
	if s.procedureRequested {
		s.procedureRequested = false
		disable := hci.ProcedureEnable{ConnectionHandle: s.handle, ConfigID: csConfigID, Enable: hci.Disabled}
		if err := m.send(s, disable); err != nil {
			s.log(log.Warn()).Err(err).Msg("distance.Manager.terminate disable failed")
		}
	}
	s.stage = StageStopping
	m.post(func() { m.finalize(s, reason, from) })
}

func (m *Manager) finalize(s *session, reason Reason, from Stage) {
	if s.acceleratorRequested && m.accel != nil {
		m.accel.CloseSession(s.handle)
		s.acceleratorRequested = false
		s.acceleratorOpen = false
	}
	if s.channelOpen {
		m.channel.Close(s.remote)
		s.channelOpen = false
	}
	s.stage = StageTerminated
	m.sessions.remove(s)
	observability.SetLiveSessions(m.sessions.len())
	observability.RecordSessionStopped(s.method.String(), reason.String(), from.String())
	s.log(log.Info()).
		Str("reason", reason.String()).
		Str("from", from.String()).
		Uint64("results", s.results).
		Msg("distance.Manager.finalize")
	m.cb.OnDistanceMeasurementStopped(s.remote, reason, s.method)
}

// send issues cmd for s. Commands answered by a status event are tracked so
// the status can be routed back to s.
func (m *Manager) send(s *session, cmd hci.Command) error {
	if err := m.bus.Send(cmd); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBusSend, cmd.OpCode(), err)
	}
	if hci.ExpectsStatus(cmd.OpCode()) {
		m.tracker.Push(cmd.OpCode(), hci.Pending{ConnectionHandle: s.handle, Owner: s.id})
	}
	return nil
}

// sendOrFail issues cmd and ends s on a bus error.
func (m *Manager) sendOrFail(s *session, cmd hci.Command) bool {
	if err := m.send(s, cmd); err != nil {
		m.fail(s, ReasonInternalError, err)
		return false
	}
	return true
}

func (m *Manager) readLocalCapabilities() {
	if m.localReadPending {
		return
	}
	if _, ok := m.cache.Local(); ok {
		return
	}
	m.localReadPending = true
	log.Debug().Msg("distance.Manager.readLocalCapabilities")
	if err := m.bus.Send(hci.ReadLocalSupportedCapabilities{}); err != nil {
		m.localCapabilitiesFailed(fmt.Errorf("%w: %v", ErrBusSend, err))
	}
}

func (m *Manager) localCapabilitiesFailed(err error) {
	m.localReadPending = false
	log.Error().Err(err).Msg("distance.Manager.localCapabilities failed")
	for _, s := range m.sessions.all() {
		if s.stage == StageLocalCapabilitiesPending {
			m.fail(s, ReasonInternalError, err)
		}
	}
}

func (m *Manager) localCapabilitiesReady(caps hci.Capabilities) {
	m.localReadPending = false
	if !m.snrSupported() {
		caps.TxSnrCapability = nil
	}
	m.cache.StoreLocal(caps)
	log.Info().
		Uint8("num_config", caps.NumConfigSupported).
		Uint8("roles", caps.RolesSupported).
		Bool("snr", caps.TxSnrCapability != nil).
		Msg("distance.Manager.localCapabilities")
	for _, s := range m.sessions.all() {
		if s.stage == StageLocalCapabilitiesPending {
			m.openControlChannel(s)
		}
	}
}

func (m *Manager) snrSupported() bool {
	return m.accel != nil && m.accel.Version().SupportsSnrControl()
}

func (m *Manager) openControlChannel(s *session) {
	s.stage = StageAwaitingControlChannel
	if err := m.channel.Open(s.remote, s.handle); err != nil {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: open: %v", ErrControlChannel, err))
		return
	}
	s.channelOpen = true
}

func (m *Manager) openAccelerator(s *session) {
	if m.accel == nil || !m.accel.IsBound() {
		s.log(log.Debug()).Msg("distance.Manager.openAccelerator skipped: not bound")
		m.readRemoteCapabilities(s)
		return
	}
	s.stage = StageAcceleratorOpening
	if err := m.accel.OpenSession(s.handle, s.attHandle, s.vendorData); err != nil {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: open: %v", ErrAccelerator, err))
		return
	}
	s.acceleratorRequested = true
}

func (m *Manager) readRemoteCapabilities(s *session) {
	s.stage = StageRemoteCapabilitiesPending
	m.sendOrFail(s, hci.ReadRemoteSupportedCapabilities{ConnectionHandle: s.handle})
}

func (m *Manager) setDefaultSettings(s *session) {
	s.stage = StageDefaultSettingsPending
	m.sendOrFail(s, hci.SetDefaultSettings{
		ConnectionHandle:     s.handle,
		RoleEnable:           csRoleEnableBoth,
		SyncAntennaSelection: csSyncAntennaAny,
		MaxTxPower:           m.cfg.MaxTxPower,
	})
}

func (m *Manager) createConfig(s *session) {
	s.stage = StageConfigPending
	m.sendOrFail(s, s.createConfigCommand(m.cfg.ChannelMap))
}

func (m *Manager) enableSecurity(s *session) {
	s.stage = StageSecurityEnablePending
	m.sendOrFail(s, hci.SecurityEnable{ConnectionHandle: s.handle})
}

func (m *Manager) setProcedureParameters(s *session) {
	s.stage = StageProcedureParametersPending
	local, _ := m.cache.Local()
	cmd := s.procedureParametersCommand(local)
	s.log(log.Debug()).
		Uint16("min_interval", cmd.MinProcedureInterval).
		Uint16("conn_interval", s.connInterval).
		Str("snr", cmd.SnrControlInitiator.String()).
		Msg("distance.Manager.setProcedureParameters")
	m.sendOrFail(s, cmd)
}

func (m *Manager) enableProcedure(s *session) {
	s.stage = StageProcedureEnablePending
	s.procedureRequested = true
	m.sendOrFail(s, hci.ProcedureEnable{ConnectionHandle: s.handle, ConfigID: csConfigID, Enable: hci.Enabled})
}

func (m *Manager) retryCreateConfig(s *session, status hci.ErrorCode) {
	if !s.configRetry.fail() {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: %s status=%s attempts=%d",
			ErrRetryExhausted, hci.OpCreateConfig, status, s.configRetry.count))
		return
	}
	observability.RecordCommandRetry("immediate", hci.OpCreateConfig.String())
	s.log(log.Warn()).
		Str("status", status.String()).
		Int("retry", s.configRetry.count).
		Msg("distance.Manager.retryCreateConfig")
	m.createConfig(s)
}

func (m *Manager) retryProcedureEnable(s *session, status hci.ErrorCode) {
	delay, ok := s.enableRetry.fail()
	if !ok {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: %s status=%s attempts=%d",
			ErrRetryExhausted, hci.OpProcedureEnable, status, s.enableRetry.count))
		return
	}
	observability.RecordCommandRetry("timed", hci.OpProcedureEnable.String())
	s.log(log.Warn()).
		Str("status", status.String()).
		Int("retry", s.enableRetry.count).
		Dur("delay", delay).
		Msg("distance.Manager.retryProcedureEnable")
	err := s.timer.Arm(delay, func() {
		if s.stage == StageProcedureEnablePending {
			m.enableProcedure(s)
		}
	})
	if err != nil {
		m.fail(s, ReasonInternalError, err)
	}
}

func (m *Manager) activate(s *session, ev hci.ProcedureEnableComplete) {
	// a late success can overtake an armed retry
	s.timer.Cancel()
	s.enableRetry.reset()
	s.procedureRequested = true
	if s.acceleratorOpen {
		m.accel.UpdateProcedureEnableConfig(s.handle, ev)
	}
	s.stage = StageActive
	setup := m.clock.Now().Sub(s.createdAt)
	observability.RecordSessionStarted(s.method.String(), setup)
	s.log(log.Info()).
		Dur("setup", setup).
		Uint16("procedure_interval", ev.ProcedureInterval).
		Msg("distance.Manager.activate")
	m.cb.OnDistanceMeasurementStarted(s.remote, s.method)
}
