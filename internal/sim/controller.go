package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSink      = errors.New("sim: no event sink attached")
	ErrUnknownPeer = errors.New("sim: unknown peer")
	ErrNotOpen     = errors.New("sim: control channel not open")
)

// EventSink receives simulated controller and control-channel events.
// distance.Manager satisfies it.
type EventSink interface {
	HandleCommandStatus(ev hci.CommandStatus)
	HandleCommandComplete(ev hci.CommandComplete)
	HandleMetaEvent(ev hci.MetaEvent)
	HandleRasConnected(ev ras.Connected)
	HandleRasDisconnected(ev ras.Disconnected)
	HandleDisconnection(handle uint16)
}

type link struct {
	plan           SessionPlan
	configFailures int
	enableFailures int
	configID       uint8
	minInterval    uint16
	enabled        bool
	counter        uint16
	completed      int
	stop           func() bool
}

// Controller is a scripted Channel Sounding controller. Commands are answered
// immediately; procedures run on the supplied clock.
type Controller struct {
	mu       sync.Mutex
	sc       *Scenario
	clock    handler.Clock
	sink     EventSink
	links    map[uint16]*link
	commands int
}

func NewController(sc *Scenario, clock handler.Clock) *Controller {
	if clock == nil {
		clock = handler.SystemClock{}
	}
	c := &Controller{sc: sc, clock: clock, links: make(map[uint16]*link)}
	for _, plan := range sc.Sessions {
		c.links[plan.Handle] = &link{
			plan:           plan,
			configFailures: plan.Faults.CreateConfigFailures,
			enableFailures: plan.Faults.ProcedureEnableFailures,
		}
	}
	return c
}

func (c *Controller) SetSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Commands reports how many commands were accepted.
func (c *Controller) Commands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

func (c *Controller) Send(cmd hci.Command) error {
	c.mu.Lock()
	sink := c.sink
	if sink == nil {
		c.mu.Unlock()
		return ErrNoSink
	}
	c.commands++
	out := c.answer(cmd, sink)
	c.mu.Unlock()

	log.Debug().Str("opcode", cmd.OpCode().String()).Int("events", len(out)).Msg("sim.Controller.send")
	for _, deliver := range out {
		deliver()
	}
	return nil
}

// answer builds the events for cmd. It runs with c.mu held; delivery happens
// after unlock.
func (c *Controller) answer(cmd hci.Command, sink EventSink) []func() {
	status := func(op hci.OpCode, code hci.ErrorCode) func() {
		return func() { sink.HandleCommandStatus(hci.CommandStatus{OpCode: op, Status: code}) }
	}
	complete := func(op hci.OpCode, code hci.ErrorCode, handle uint16) func() {
		return func() {
			sink.HandleCommandComplete(hci.CommandComplete{OpCode: op, Status: code, ConnectionHandle: handle})
		}
	}
	meta := func(ev hci.MetaEvent) func() {
		return func() { sink.HandleMetaEvent(ev) }
	}

	if _, ok := cmd.(hci.ReadLocalSupportedCapabilities); ok {
		if c.sc.LocalCapabilitiesStatus != hci.Success {
			return []func(){complete(cmd.OpCode(), c.sc.LocalCapabilitiesStatus, 0)}
		}
		caps := simCapabilities(c.sc.LocalSnrCapability)
		return []func(){func() {
			sink.HandleCommandComplete(hci.CommandComplete{
				OpCode:       hci.OpReadLocalSupportedCapabilities,
				Status:       hci.Success,
				Capabilities: &caps,
			})
		}}
	}

	handle, _ := hci.HandleOf(cmd)
	l := c.links[handle]
	if l == nil {
		if hci.ExpectsStatus(cmd.OpCode()) {
			return []func(){status(cmd.OpCode(), hci.UnknownConnection)}
		}
		return []func(){complete(cmd.OpCode(), hci.UnknownConnection, handle)}
	}

	switch cmd := cmd.(type) {
	case hci.ReadRemoteSupportedCapabilities:
		code := hci.ErrorCode(l.plan.Faults.RemoteCapabilitiesStatus)
		return []func(){
			status(cmd.OpCode(), hci.Success),
			meta(hci.RemoteCapabilitiesComplete{
				Status:           code,
				ConnectionHandle: handle,
				Capabilities:     simCapabilities(l.plan.Faults.RemoteSnrCapability),
			}),
		}
	case hci.SetDefaultSettings:
		return []func(){complete(cmd.OpCode(), hci.Success, handle)}
	case hci.CreateConfig:
		if l.configFailures > 0 {
			l.configFailures--
			return []func(){status(cmd.OpCode(), hci.CommandDisallowed)}
		}
		l.configID = cmd.ConfigID
		return []func(){
			status(cmd.OpCode(), hci.Success),
			meta(configComplete(cmd)),
		}
	case hci.SecurityEnable:
		return []func(){
			status(cmd.OpCode(), hci.Success),
			meta(hci.SecurityEnableComplete{Status: hci.Success, ConnectionHandle: handle}),
		}
	case hci.SetProcedureParameters:
		l.minInterval = cmd.MinProcedureInterval
		return []func(){complete(cmd.OpCode(), hci.Success, handle)}
	case hci.ProcedureEnable:
		return c.answerProcedureEnable(l, cmd, status, meta)
	default:
		return []func(){status(cmd.OpCode(), hci.UnknownHCICommand)}
	}
}

func (c *Controller) answerProcedureEnable(
	l *link,
	cmd hci.ProcedureEnable,
	status func(hci.OpCode, hci.ErrorCode) func(),
	meta func(hci.MetaEvent) func(),
) []func() {
	handle := cmd.ConnectionHandle
	if cmd.Enable == hci.Disabled {
		c.halt(l)
		return []func(){
			status(cmd.OpCode(), hci.Success),
			meta(hci.ProcedureEnableComplete{Status: hci.Success, ConnectionHandle: handle, ConfigID: cmd.ConfigID, State: hci.Disabled}),
		}
	}
	if l.enableFailures > 0 {
		l.enableFailures--
		return []func(){status(cmd.OpCode(), hci.CommandDisallowed)}
	}
	l.enabled = true
	l.stop = c.clock.AfterFunc(c.procedurePeriod(l), func() { c.runProcedure(handle) })
	return []func(){
		status(cmd.OpCode(), hci.Success),
		meta(hci.ProcedureEnableComplete{
			Status:            hci.Success,
			ConnectionHandle:  handle,
			ConfigID:          cmd.ConfigID,
			State:             hci.Enabled,
			SubeventLen:       1250,
			SubeventsPerEvent: 1,
			ProcedureInterval: l.minInterval,
			MaxProcedureLen:   l.plan.ConnInterval * 2,
		}),
	}
}

func (c *Controller) halt(l *link) {
	l.enabled = false
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
}

// procedurePeriod is the procedure interval in connection events, each 1.25 ms
// per connection interval unit.
func (c *Controller) procedurePeriod(l *link) time.Duration {
	events := time.Duration(max(l.minInterval, 1))
	return events * time.Duration(l.plan.ConnInterval) * 1250 * time.Microsecond
}

func (c *Controller) runProcedure(handle uint16) {
	c.mu.Lock()
	l := c.links[handle]
	sink := c.sink
	if l == nil || !l.enabled || sink == nil {
		c.mu.Unlock()
		return
	}
	l.stop = nil
	f := l.plan.Faults

	var out []func()
	switch {
	case f.UnsolicitedDisableAfter > 0 && l.completed >= f.UnsolicitedDisableAfter:
		c.halt(l)
		disabled := hci.ProcedureEnableComplete{
			Status:           hci.LinkLayerCollision,
			ConnectionHandle: handle,
			ConfigID:         l.configID,
			State:            hci.Disabled,
		}
		out = append(out, func() { sink.HandleMetaEvent(disabled) })
	case f.LinkLossAfter > 0 && l.completed >= f.LinkLossAfter:
		c.halt(l)
		remote := l.plan.Remote
		out = append(out,
			func() { sink.HandleDisconnection(handle) },
			func() { sink.HandleRasDisconnected(ras.Disconnected{Remote: remote, Reason: ras.ReasonLinkLost}) },
		)
	default:
		out = c.procedureEvents(l, sink)
		l.stop = c.clock.AfterFunc(c.procedurePeriod(l), func() { c.runProcedure(handle) })
	}
	counter := l.counter
	c.mu.Unlock()

	log.Debug().Uint16("handle", handle).Uint16("counter", counter).Int("events", len(out)).Msg("sim.Controller.runProcedure")
	for _, deliver := range out {
		deliver()
	}
}

// procedureEvents completes one procedure as a partial subevent followed by a
// continuation carrying the done status.
func (c *Controller) procedureEvents(l *link, sink EventSink) []func() {
	handle := l.plan.Handle
	l.counter++
	l.completed++
	done := hci.ProcedureDoneAll
	if every := l.plan.Faults.AbortEvery; every > 0 && l.completed%every == 0 {
		done = hci.ProcedureAborted
	}
	first := hci.SubeventResultEvent{
		ConnectionHandle:    handle,
		ConfigID:            l.configID,
		ProcedureCounter:    l.counter,
		ReferencePowerLevel: -20,
		ProcedureDoneStatus: hci.ProcedurePartial,
		NumAntennaPaths:     1,
		NumStepsReported:    2,
		Steps:               simSteps(l.counter, 0),
	}
	rest := hci.SubeventResultEvent{
		ConnectionHandle:    handle,
		ConfigID:            l.configID,
		Continue:            true,
		ProcedureDoneStatus: done,
		NumAntennaPaths:     1,
		NumStepsReported:    2,
		Steps:               simSteps(l.counter, 1),
	}
	if done == hci.ProcedureAborted {
		rest.AbortReason = 0x01
	}
	return []func(){
		func() { sink.HandleMetaEvent(first) },
		func() { sink.HandleMetaEvent(rest) },
	}
}

// Stop halts every running procedure.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.links {
		c.halt(l)
	}
}

func simCapabilities(snr *uint8) hci.Capabilities {
	return hci.Capabilities{
		NumConfigSupported:                4,
		MaxConsecutiveProceduresSupported: 0,
		NumAntennasSupported:              1,
		MaxAntennaPathsSupported:          1,
		RolesSupported:                    0x03,
		ModesSupported:                    0x01,
		RttCapability:                     0x01,
		RttAAOnlyN:                        10,
		SyncPhysSupported:                 0x02,
		SubfeaturesSupported:              0x0002,
		TIP1TimesSupported:                0x00FF,
		TIP2TimesSupported:                0x00FF,
		TFCSTimesSupported:                0x03FF,
		TPMTimesSupported:                 0x0003,
		TSWTimeSupported:                  10,
		TxSnrCapability:                   snr,
	}
}

func configComplete(cmd hci.CreateConfig) hci.ConfigComplete {
	return hci.ConfigComplete{
		Status:               hci.Success,
		ConnectionHandle:     cmd.ConnectionHandle,
		ConfigID:             cmd.ConfigID,
		Action:               1,
		MainModeType:         cmd.MainModeType,
		SubModeType:          cmd.SubModeType,
		MinMainModeSteps:     cmd.MinMainModeSteps,
		MaxMainModeSteps:     cmd.MaxMainModeSteps,
		MainModeRepetition:   cmd.MainModeRepetition,
		Mode0Steps:           cmd.Mode0Steps,
		Role:                 cmd.Role,
		RttType:              cmd.RttType,
		SyncPhy:              cmd.SyncPhy,
		ChannelMap:           cmd.ChannelMap,
		ChannelMapRepetition: cmd.ChannelMapRepetition,
		ChannelSelectionType: cmd.ChannelSelectionType,
		Ch3cShape:            cmd.Ch3cShape,
		Ch3cJump:             cmd.Ch3cJump,
		TIP1Time:             145,
		TIP2Time:             145,
		TFCSTime:             150,
		TPMTime:              40,
	}
}

// simSteps fabricates a small, counter-dependent step payload.
func simSteps(counter uint16, part byte) []byte {
	return []byte{0x02, part, byte(counter), byte(counter >> 8), 0x00, 0x10}
}
