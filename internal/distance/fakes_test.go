package distance

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

var (
	testRemote  = hci.MustParseAddress("aa:bb:cc:dd:ee:01")
	testRemote2 = hci.MustParseAddress("aa:bb:cc:dd:ee:02")
	errInjected = errors.New("injected")
)

const (
	testHandle       uint16 = 0x0040
	testHandle2      uint16 = 0x0041
	testIntervalMs   uint16 = 200
	testConnInterval uint16 = 24
	testATTHandle    uint16 = 0x0010
)

type fakeBus struct {
	mu   sync.Mutex
	cmds []hci.Command
	err  error
}

func (b *fakeBus) Send(cmd hci.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *fakeBus) all() []hci.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hci.Command(nil), b.cmds...)
}

func (b *fakeBus) count(op hci.OpCode) int {
	n := 0
	for _, cmd := range b.all() {
		if cmd.OpCode() == op {
			n++
		}
	}
	return n
}

func (b *fakeBus) last() hci.Command {
	cmds := b.all()
	if len(cmds) == 0 {
		return nil
	}
	return cmds[len(cmds)-1]
}

type fakeChannel struct {
	mu      sync.Mutex
	events  []string
	replies [][]hal.VendorCharacteristic
	openErr error
	sendErr error
}

func (c *fakeChannel) Open(remote hci.Address, handle uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.events = append(c.events, "open "+remote.String())
	return nil
}

func (c *fakeChannel) Close(remote hci.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "close "+remote.String())
}

func (c *fakeChannel) SendVendorReply(remote hci.Address, reply []hal.VendorCharacteristic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.replies = append(c.replies, reply)
	return nil
}

func (c *fakeChannel) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeChannel) countPrefix(prefix string) int {
	n := 0
	for _, ev := range c.log() {
		if len(ev) >= len(prefix) && ev[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeAccelerator struct {
	mu            sync.Mutex
	bound         bool
	version       hal.Version
	cb            hal.Callback
	opened        []uint16
	closed        []uint16
	configs       []hal.ChannelSoundingConfig
	enables       []hci.ProcedureEnableComplete
	connIntervals []uint16
	raw           []hal.ProcedureData
	abortRequired bool
	openErr       error
}

func newFakeAccelerator(version hal.Version) *fakeAccelerator {
	return &fakeAccelerator{bound: true, version: version}
}

func (a *fakeAccelerator) IsBound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bound
}

func (a *fakeAccelerator) Version() hal.Version { return a.version }

func (a *fakeAccelerator) VendorCharacteristics() []hal.VendorCharacteristic { return nil }

func (a *fakeAccelerator) RegisterCallback(cb hal.Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

func (a *fakeAccelerator) OpenSession(handle, attHandle uint16, vendor []hal.VendorCharacteristic) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return a.openErr
	}
	a.opened = append(a.opened, handle)
	return nil
}

func (a *fakeAccelerator) CloseSession(handle uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, handle)
}

func (a *fakeAccelerator) UpdateChannelSoundingConfig(handle uint16, cfg hal.ChannelSoundingConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs = append(a.configs, cfg)
}

func (a *fakeAccelerator) UpdateConnInterval(handle, connInterval uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connIntervals = append(a.connIntervals, connInterval)
}

func (a *fakeAccelerator) UpdateProcedureEnableConfig(handle uint16, cfg hci.ProcedureEnableComplete) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enables = append(a.enables, cfg)
}

func (a *fakeAccelerator) WriteRawData(handle uint16, data hal.ProcedureData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raw = append(a.raw, data)
}

func (a *fakeAccelerator) IsAbortedProcedureRequired(handle uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.abortRequired
}

func (a *fakeAccelerator) callback() hal.Callback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb
}

type accelSnapshot struct {
	opened        []uint16
	closed        []uint16
	configs       []hal.ChannelSoundingConfig
	enables       []hci.ProcedureEnableComplete
	connIntervals []uint16
	raw           []hal.ProcedureData
}

func (a *fakeAccelerator) snapshot() accelSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return accelSnapshot{
		opened:        append([]uint16(nil), a.opened...),
		closed:        append([]uint16(nil), a.closed...),
		configs:       append([]hal.ChannelSoundingConfig(nil), a.configs...),
		enables:       append([]hci.ProcedureEnableComplete(nil), a.enables...),
		connIntervals: append([]uint16(nil), a.connIntervals...),
		raw:           append([]hal.ProcedureData(nil), a.raw...),
	}
}

type stoppedNote struct {
	remote hci.Address
	reason Reason
	method Method
}

type recordingCallbacks struct {
	mu      sync.Mutex
	started []hci.Address
	stopped []stoppedNote
	results []hal.Result
}

func (r *recordingCallbacks) OnDistanceMeasurementStarted(remote hci.Address, method Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, remote)
}

func (r *recordingCallbacks) OnDistanceMeasurementStopped(remote hci.Address, reason Reason, method Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, stoppedNote{remote: remote, reason: reason, method: method})
}

func (r *recordingCallbacks) OnDistanceMeasurementResult(remote hci.Address, result hal.Result, method Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recordingCallbacks) counts() (started, stopped, results int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.stopped), len(r.results)
}

func (r *recordingCallbacks) stops() []stoppedNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stoppedNote(nil), r.stopped...)
}

type harness struct {
	t     *testing.T
	m     *Manager
	bus   *fakeBus
	ch    *fakeChannel
	accel *fakeAccelerator
	cb    *recordingCallbacks
	clock *handler.ManualClock
}

// newHarness starts a manager. A nil accel leaves the accelerator unset.
func newHarness(t *testing.T, accel *fakeAccelerator) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PrefetchLocalCapabilities = false
	return newHarnessWithConfig(t, accel, cfg)
}

func newHarnessWithConfig(t *testing.T, accel *fakeAccelerator, cfg Config) *harness {
	t.Helper()
	testlog.Start(t)

	h := &harness{
		t:     t,
		bus:   &fakeBus{},
		ch:    &fakeChannel{},
		accel: accel,
		cb:    &recordingCallbacks{},
		clock: handler.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	deps := Deps{
		Bus:       h.bus,
		Channel:   h.ch,
		Callbacks: h.cb,
		Clock:     h.clock,
		Rand:      rand.New(rand.NewSource(1)),
	}
	if accel != nil {
		deps.Accelerator = accel
	}
	m, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("manager run: %v", err)
		}
	})
	h.sync()
	return h
}

func (h *harness) sync() {
	h.t.Helper()
	if err := h.m.Sync(); err != nil {
		h.t.Fatalf("sync: %v", err)
	}
}

func (h *harness) expectLast(op hci.OpCode) hci.Command {
	h.t.Helper()
	cmd := h.bus.last()
	if cmd == nil || cmd.OpCode() != op {
		h.t.Fatalf("expected last command %s, got %v", op, cmd)
	}
	return cmd
}

func (h *harness) expectStopped(reason Reason) {
	h.t.Helper()
	stops := h.cb.stops()
	if len(stops) != 1 {
		h.t.Fatalf("expected one stopped callback, got %+v", stops)
	}
	if stops[0].reason != reason {
		h.t.Fatalf("expected stop reason %s, got %s", reason, stops[0].reason)
	}
}

func (h *harness) sessions() []SessionInfo {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := h.m.Sessions(ctx)
	if err != nil {
		h.t.Fatalf("sessions: %v", err)
	}
	return out
}

func (h *harness) stageOf(handle uint16) Stage {
	h.t.Helper()
	for _, info := range h.sessions() {
		if info.Handle == handle {
			return info.Stage
		}
	}
	return StageTerminated
}

func snrCaps(bits uint8) hci.Capabilities {
	return hci.Capabilities{
		NumConfigSupported: 4,
		RolesSupported:     0x03,
		TSWTimeSupported:   10,
		TxSnrCapability:    &bits,
	}
}

// start issues a start and answers the local capability read if one is sent.
func (h *harness) start(remote hci.Address, handle uint16, role hci.Role, local hci.Capabilities) {
	h.t.Helper()
	before := h.bus.count(hci.OpReadLocalSupportedCapabilities)
	h.m.StartDistanceMeasurement(remote, handle, role, testIntervalMs, MethodCS)
	h.sync()
	if h.bus.count(hci.OpReadLocalSupportedCapabilities) > before {
		h.m.HandleCommandComplete(hci.CommandComplete{
			OpCode:       hci.OpReadLocalSupportedCapabilities,
			Status:       hci.Success,
			Capabilities: &local,
		})
		h.sync()
	}
}

// connect answers the control channel and, when bound, the accelerator open.
func (h *harness) connect(remote hci.Address, handle uint16) {
	h.t.Helper()
	h.m.HandleRasConnected(ras.Connected{
		Remote:           remote,
		ConnectionHandle: handle,
		ATTHandle:        testATTHandle,
		ConnInterval:     testConnInterval,
	})
	h.sync()
	if h.accel != nil && h.accel.IsBound() {
		h.accel.callback().OnOpened(handle, nil)
		h.sync()
	}
}

func (h *harness) completeRemoteCaps(handle uint16, caps hci.Capabilities) {
	h.t.Helper()
	h.expectLast(hci.OpReadRemoteSupportedCapabilities)
	h.m.HandleCommandStatus(hci.CommandStatus{OpCode: hci.OpReadRemoteSupportedCapabilities, Status: hci.Success})
	h.m.HandleMetaEvent(hci.RemoteCapabilitiesComplete{Status: hci.Success, ConnectionHandle: handle, Capabilities: caps})
	h.sync()
	h.expectLast(hci.OpSetDefaultSettings)
	h.m.HandleCommandComplete(hci.CommandComplete{OpCode: hci.OpSetDefaultSettings, Status: hci.Success, ConnectionHandle: handle})
	h.sync()
}

func (h *harness) completeConfig(handle uint16) {
	h.t.Helper()
	h.expectLast(hci.OpCreateConfig)
	h.m.HandleCommandStatus(hci.CommandStatus{OpCode: hci.OpCreateConfig, Status: hci.Success})
	h.m.HandleMetaEvent(hci.ConfigComplete{Status: hci.Success, ConnectionHandle: handle})
	h.sync()
}

func (h *harness) completeSecurityAndParameters(handle uint16) {
	h.t.Helper()
	h.expectLast(hci.OpSecurityEnable)
	h.m.HandleCommandStatus(hci.CommandStatus{OpCode: hci.OpSecurityEnable, Status: hci.Success})
	h.m.HandleMetaEvent(hci.SecurityEnableComplete{Status: hci.Success, ConnectionHandle: handle})
	h.sync()
	h.expectLast(hci.OpSetProcedureParameters)
	h.m.HandleCommandComplete(hci.CommandComplete{OpCode: hci.OpSetProcedureParameters, Status: hci.Success, ConnectionHandle: handle})
	h.sync()
}

func (h *harness) completeEnable(handle uint16) {
	h.t.Helper()
	h.expectLast(hci.OpProcedureEnable)
	h.m.HandleCommandStatus(hci.CommandStatus{OpCode: hci.OpProcedureEnable, Status: hci.Success})
	h.m.HandleMetaEvent(hci.ProcedureEnableComplete{
		Status:            hci.Success,
		ConnectionHandle:  handle,
		State:             hci.Enabled,
		ProcedureInterval: 7,
	})
	h.sync()
}

// establish drives one session from start to active.
func (h *harness) establish(remote hci.Address, handle uint16) {
	h.t.Helper()
	h.start(remote, handle, hci.RoleCentral, snrCaps(0x1F))
	h.connect(remote, handle)
	h.completeRemoteCaps(handle, snrCaps(0x1F))
	h.completeConfig(handle)
	h.completeSecurityAndParameters(handle)
	h.completeEnable(handle)
	if stage := h.stageOf(handle); stage != StageActive {
		h.t.Fatalf("expected active session, got %s", stage)
	}
}
