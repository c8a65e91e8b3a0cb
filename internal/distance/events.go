package distance

import (
	"fmt"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/observability"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/rs/zerolog/log"
)

func (m *Manager) onCommandStatus(ev hci.CommandStatus) {
	if ev.OpCode == hci.OpReadLocalSupportedCapabilities {
		if ev.Status != hci.Success {
			m.localCapabilitiesFailed(fmt.Errorf("%w: %s status=%s", ErrCommandRejected, ev.OpCode, ev.Status))
		}
		return
	}
	p, ok := m.tracker.Pop(ev.OpCode)
	if !ok {
		log.Debug().Str("opcode", ev.OpCode.String()).Msg("distance.Manager.onCommandStatus untracked")
		return
	}
	s := m.sessions.get(p.ConnectionHandle)
	if s == nil || s.id != p.Owner {
		log.Debug().
			Str("opcode", ev.OpCode.String()).
			Uint16("handle", p.ConnectionHandle).
			Msg("distance.Manager.onCommandStatus stale")
		return
	}
	if ev.Status == hci.Success {
		return
	}
	rejected := fmt.Errorf("%w: %s status=%s", ErrCommandRejected, ev.OpCode, ev.Status)
	switch ev.OpCode {
	case hci.OpReadRemoteSupportedCapabilities:
		if s.stage == StageRemoteCapabilitiesPending {
			m.fail(s, ReasonInternalError, rejected)
		}
	case hci.OpCreateConfig:
		if s.stage == StageConfigPending {
			m.retryCreateConfig(s, ev.Status)
		}
	case hci.OpSecurityEnable:
		if s.stage == StageSecurityEnablePending {
			m.fail(s, ReasonInternalError, rejected)
		}
	case hci.OpProcedureEnable:
		if s.stage == StageProcedureEnablePending {
			s.procedureRequested = false
			m.retryProcedureEnable(s, ev.Status)
		}
	}
}

func (m *Manager) onCommandComplete(ev hci.CommandComplete) {
	if ev.OpCode == hci.OpReadLocalSupportedCapabilities {
		if ev.Status != hci.Success || ev.Capabilities == nil {
			m.localCapabilitiesFailed(fmt.Errorf("%w: %s status=%s", ErrCommandRejected, ev.OpCode, ev.Status))
			return
		}
		m.localCapabilitiesReady(*ev.Capabilities)
		return
	}

	s := m.sessions.get(ev.ConnectionHandle)
	if s == nil {
		log.Debug().
			Str("opcode", ev.OpCode.String()).
			Uint16("handle", ev.ConnectionHandle).
			Msg("distance.Manager.onCommandComplete no session")
		return
	}
	rejected := fmt.Errorf("%w: %s status=%s", ErrCommandRejected, ev.OpCode, ev.Status)
	switch ev.OpCode {
	case hci.OpSetDefaultSettings:
		if s.stage != StageDefaultSettingsPending {
			return
		}
		if ev.Status != hci.Success {
			m.fail(s, ReasonInternalError, rejected)
			return
		}
		m.createConfig(s)
	case hci.OpSetProcedureParameters:
		if s.stage != StageProcedureParametersPending {
			return
		}
		if ev.Status != hci.Success {
			m.fail(s, ReasonInternalError, rejected)
			return
		}
		m.enableProcedure(s)
	}
}

func (m *Manager) onMetaEvent(ev hci.MetaEvent) {
	s := m.sessions.get(ev.Handle())
	if s == nil {
		log.Debug().
			Str("subevent", ev.Subevent().String()).
			Uint16("handle", ev.Handle()).
			Msg("distance.Manager.onMetaEvent no session")
		return
	}
	switch e := ev.(type) {
	case hci.RemoteCapabilitiesComplete:
		m.onRemoteCapabilities(s, e)
	case hci.ConfigComplete:
		m.onConfigComplete(s, e)
	case hci.SecurityEnableComplete:
		m.onSecurityEnableComplete(s, e)
	case hci.ProcedureEnableComplete:
		m.onProcedureEnableComplete(s, e)
	case hci.SubeventResultEvent:
		m.onSubeventResult(s, e)
	}
}

func (m *Manager) onRemoteCapabilities(s *session, e hci.RemoteCapabilitiesComplete) {
	if s.stage != StageRemoteCapabilitiesPending {
		return
	}
	if e.Status != hci.Success {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: remote capabilities status=%s", ErrCommandRejected, e.Status))
		return
	}
	s.remoteCaps = e.Capabilities
	if !m.snrSupported() {
		s.remoteCaps.TxSnrCapability = nil
	}
	m.setDefaultSettings(s)
}

func (m *Manager) onConfigComplete(s *session, e hci.ConfigComplete) {
	if s.stage != StageConfigPending {
		return
	}
	if e.Status != hci.Success {
		m.retryCreateConfig(s, e.Status)
		return
	}
	s.configRetry.reset()
	s.config = e
	if s.acceleratorOpen {
		local, _ := m.cache.Local()
		m.accel.UpdateChannelSoundingConfig(s.handle, hal.ChannelSoundingConfig{
			Config:       e,
			LocalTSW:     local.TSWTimeSupported,
			RemoteTSW:    s.remoteCaps.TSWTimeSupported,
			ConnInterval: s.connInterval,
		})
	}
	m.enableSecurity(s)
}

func (m *Manager) onSecurityEnableComplete(s *session, e hci.SecurityEnableComplete) {
	if s.stage != StageSecurityEnablePending {
		return
	}
	if e.Status != hci.Success {
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: security enable status=%s", ErrCommandRejected, e.Status))
		return
	}
	m.setProcedureParameters(s)
}

func (m *Manager) onProcedureEnableComplete(s *session, e hci.ProcedureEnableComplete) {
	if s.stage >= StageStopping {
		return
	}
	// a disable the manager did not ask for is terminal in every live stage
	if e.State == hci.Disabled {
		s.procedureRequested = false
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: status=%s", ErrUnsolicitedDisable, e.Status))
		return
	}
	switch s.stage {
	case StageProcedureEnablePending:
	case StageActive:
		s.log(log.Debug()).Msg("distance.Manager.onProcedureEnableComplete already active")
		return
	default:
		return
	}
	if e.Status != hci.Success {
		s.procedureRequested = false
		m.retryProcedureEnable(s, e.Status)
		return
	}
	m.activate(s, e)
}

func (m *Manager) onSubeventResult(s *session, e hci.SubeventResultEvent) {
	if s.stage != StageActive {
		return
	}
	if !e.Continue || !s.pending.active {
		s.pending = procedureBuffer{
			active:   true,
			counter:  e.ProcedureCounter,
			refPower: e.ReferencePowerLevel,
		}
	}
	s.pending.steps = append(s.pending.steps, e.Steps...)

	aborted := false
	switch e.ProcedureDoneStatus {
	case hci.ProcedureDoneAll:
	case hci.ProcedureAborted:
		aborted = true
	default:
		return
	}
	data := hal.ProcedureData{
		ProcedureCounter:    s.pending.counter,
		ReferencePowerLevel: s.pending.refPower,
		Aborted:             aborted,
		AbortReason:         e.AbortReason,
		Steps:               s.pending.steps,
	}
	s.pending = procedureBuffer{}

	if !s.acceleratorOpen {
		return
	}
	if aborted && !m.accel.IsAbortedProcedureRequired(s.handle) {
		s.log(log.Debug()).Uint16("counter", data.ProcedureCounter).Msg("distance.Manager.onSubeventResult aborted procedure dropped")
		return
	}
	observability.RecordRawProcedure(aborted)
	m.accel.WriteRawData(s.handle, data)
}

func (m *Manager) onRasConnected(ev ras.Connected) {
	s := m.sessions.get(ev.ConnectionHandle)
	if s == nil || s.remote != ev.Remote {
		log.Debug().
			Str("remote", ev.Remote.String()).
			Uint16("handle", ev.ConnectionHandle).
			Msg("distance.Manager.onRasConnected no session")
		return
	}
	if s.stage != StageAwaitingControlChannel {
		s.log(log.Debug()).Msg("distance.Manager.onRasConnected unexpected")
		return
	}
	s.attHandle = ev.ATTHandle
	s.vendorData = ev.VendorData
	s.connInterval = ev.ConnInterval
	s.log(log.Info()).
		Uint16("att_handle", ev.ATTHandle).
		Uint16("conn_interval", ev.ConnInterval).
		Int("vendor", len(ev.VendorData)).
		Msg("distance.Manager.onRasConnected")
	m.openAccelerator(s)
}

func (m *Manager) onRasDisconnected(ev ras.Disconnected) {
	for _, s := range m.sessions.byRemote(ev.Remote) {
		if s.stage < StageAwaitingControlChannel || s.stage >= StageStopping {
			continue
		}
		s.channelOpen = false
		if s.stage == StageAwaitingControlChannel && ev.Reason == ras.ReasonServerNotAvailable {
			m.fail(s, ReasonFeatureNotSupportedRemote, fmt.Errorf("%w: %s", ErrControlChannel, ev.Reason))
			continue
		}
		m.fail(s, ReasonInternalError, fmt.Errorf("%w: %s", ErrControlChannel, ev.Reason))
	}
}

func (m *Manager) onConnectionUpdate(handle, connInterval uint16) {
	s := m.sessions.get(handle)
	if s == nil || s.stage >= StageStopping {
		return
	}
	s.connInterval = connInterval
	s.log(log.Debug()).Uint16("conn_interval", connInterval).Msg("distance.Manager.onConnectionUpdate")
	if s.acceleratorOpen {
		m.accel.UpdateConnInterval(handle, connInterval)
	}
}

func (m *Manager) onDisconnection(handle uint16) {
	s := m.sessions.get(handle)
	if s == nil {
		return
	}
	// the link is gone; nothing left to disable
	s.procedureRequested = false
	m.terminate(s, ReasonNoLEConnection)
}

func (m *Manager) onControllerReset() {
	log.Warn().Int("sessions", m.sessions.len()).Msg("distance.Manager.onControllerReset")
	m.cache.Invalidate()
	m.tracker.Reset()
	m.localReadPending = false
	for _, s := range m.sessions.all() {
		s.procedureRequested = false
		m.terminate(s, ReasonInternalError)
	}
}

// halCallback reposts accelerator notifications onto the manager's handler.
type halCallback struct {
	m *Manager
}

func (c halCallback) OnOpened(handle uint16, reply []hal.VendorCharacteristic) {
	c.m.post(func() { c.m.onAcceleratorOpened(handle, reply) })
}

func (c halCallback) OnOpenFailed(handle uint16) {
	c.m.post(func() { c.m.onAcceleratorOpenFailed(handle) })
}

func (c halCallback) OnResult(handle uint16, result hal.Result) {
	c.m.post(func() { c.m.onAcceleratorResult(handle, result) })
}

func (m *Manager) onAcceleratorOpened(handle uint16, reply []hal.VendorCharacteristic) {
	s := m.sessions.get(handle)
	if s == nil || s.stage != StageAcceleratorOpening {
		log.Debug().Uint16("handle", handle).Msg("distance.Manager.onAcceleratorOpened unexpected")
		return
	}
	s.acceleratorOpen = true
	if len(reply) > 0 {
		if err := m.channel.SendVendorReply(s.remote, reply); err != nil {
			m.fail(s, ReasonInternalError, fmt.Errorf("%w: vendor reply: %v", ErrControlChannel, err))
			return
		}
	}
	s.log(log.Info()).Int("reply", len(reply)).Msg("distance.Manager.onAcceleratorOpened")
	m.readRemoteCapabilities(s)
}

func (m *Manager) onAcceleratorOpenFailed(handle uint16) {
	s := m.sessions.get(handle)
	if s == nil || s.stage != StageAcceleratorOpening {
		return
	}
	s.acceleratorRequested = false
	m.fail(s, ReasonInternalError, fmt.Errorf("%w: open failed", ErrAccelerator))
}

func (m *Manager) onAcceleratorResult(handle uint16, result hal.Result) {
	s := m.sessions.get(handle)
	if s == nil || s.stage != StageActive {
		return
	}
	s.results++
	observability.RecordResult(s.method.String())
	m.cb.OnDistanceMeasurementResult(s.remote, result, s.method)
}
