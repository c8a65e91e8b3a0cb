package sim

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func runFixture(t *testing.T, name string) (*Scenario, Report) {
	t.Helper()
	sc, err := LoadScenario(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := distance.DefaultConfig()
	cfg.EnableRetryBackoff.Jitter = false
	report, err := Run(ctx, sc, cfg)
	if err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return sc, report
}

func TestScenarioFixturesMeetExpectations(t *testing.T) {
	testlog.Start(t)

	for _, name := range []string{
		"happy_path.yaml",
		"retries.yaml",
		"faults.yaml",
		"local_caps_failure.yaml",
		"unbound_hal.yaml",
	} {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			sc, report := runFixture(t, name)
			if err := sc.Verify(report); err != nil {
				t.Fatalf("verify: %v (report=%+v)", err, report)
			}
			for _, s := range report.Sessions {
				if !s.Stopped {
					t.Fatalf("session %d never stopped", s.Handle)
				}
			}
		})
	}
}

func TestHappyPathReportsDistanceAndVirtualTime(t *testing.T) {
	testlog.Start(t)

	_, report := runFixture(t, "happy_path.yaml")
	first, ok := report.Session(64)
	if !ok {
		t.Fatalf("missing report for handle 64")
	}
	if first.Method != distance.MethodCS {
		t.Fatalf("expected cs method, got %s", first.Method)
	}
	if first.LastDistanceM < 1.5 || first.LastDistanceM > 1.6 {
		t.Fatalf("expected distance near 1.5m, got %f", first.LastDistanceM)
	}
	// three procedures at 7 * 24 * 1.25ms each
	if first.Elapsed != 3*210*time.Millisecond {
		t.Fatalf("expected elapsed 630ms, got %s", first.Elapsed)
	}

	second, _ := report.Session(65)
	if second.Method != distance.MethodCS {
		t.Fatalf("expected auto to run as cs, got %s", second.Method)
	}
	if report.Commands == 0 || report.VirtualTime <= 0 {
		t.Fatalf("expected commands and virtual time, got %+v", report)
	}
}

func TestRetriesConsumeVirtualTime(t *testing.T) {
	testlog.Start(t)

	_, report := runFixture(t, "retries.yaml")
	s, _ := report.Session(82)
	if s.Started || s.Reason != "internal_error" {
		t.Fatalf("expected exhausted enable retries, got %+v", s)
	}
	// three retries fire 210ms apart before the budget is spent
	if report.VirtualTime < 3*210*time.Millisecond {
		t.Fatalf("expected at least 630ms of virtual time, got %s", report.VirtualTime)
	}
}

func TestVerifyReportsMismatches(t *testing.T) {
	testlog.Start(t)

	sc, err := NewScenario(ScenarioScript{
		Name:       "verify",
		HALVersion: "v2",
		Sessions: []SessionScript{{
			Remote:     "aa:bb:cc:dd:ee:01",
			Handle:     1,
			IntervalMs: 200,
			Results:    1,
			Expect:     &ExpectScript{Started: true, Results: 1, Reason: "local_request"},
		}},
	})
	if err != nil {
		t.Fatalf("new scenario: %v", err)
	}
	err = sc.Verify(Report{Sessions: []SessionReport{{Handle: 1, Started: true, Results: 0, Reason: "internal_error"}}})
	if !errors.Is(err, ErrExpectation) {
		t.Fatalf("expected ErrExpectation, got %v", err)
	}
	if err := sc.Verify(Report{}); !errors.Is(err, ErrExpectation) {
		t.Fatalf("expected missing report to fail, got %v", err)
	}
}

func TestNewScenarioRejectsInvalidScripts(t *testing.T) {
	testlog.Start(t)

	base := func() ScenarioScript {
		return ScenarioScript{
			HALVersion: "v2",
			Sessions: []SessionScript{{
				Remote:     "aa:bb:cc:dd:ee:01",
				Handle:     1,
				IntervalMs: 200,
			}},
		}
	}
	peer := func(remote string, handle uint16) SessionScript {
		return SessionScript{Remote: remote, Handle: handle, IntervalMs: 200}
	}
	cases := map[string]func(*ScenarioScript){
		"version":          func(s *ScenarioScript) { s.Version = 2 },
		"no sessions":      func(s *ScenarioScript) { s.Sessions = nil },
		"hal version":      func(s *ScenarioScript) { s.HALVersion = "v9" },
		"remote":           func(s *ScenarioScript) { s.Sessions[0].Remote = "nope" },
		"role":             func(s *ScenarioScript) { s.Sessions[0].Role = "observer" },
		"method":           func(s *ScenarioScript) { s.Sessions[0].Method = "uwb" },
		"interval":         func(s *ScenarioScript) { s.Sessions[0].IntervalMs = 0 },
		"results":          func(s *ScenarioScript) { s.Sessions[0].Results = -1 },
		"fault counts":     func(s *ScenarioScript) { s.Sessions[0].Faults.CreateConfigFailures = -1 },
		"unbound":          func(s *ScenarioScript) { s.HALVersion, s.Sessions[0].Results = "unbound", 1 },
		"duplicate handle": func(s *ScenarioScript) { s.Sessions = append(s.Sessions, peer("aa:bb:cc:dd:ee:02", 1)) },
		"duplicate remote": func(s *ScenarioScript) { s.Sessions = append(s.Sessions, peer("aa:bb:cc:dd:ee:01", 2)) },
	}
	for name, mutate := range cases {
		script := base()
		mutate(&script)
		if _, err := NewScenario(script); !errors.Is(err, ErrInvalidScenario) {
			t.Fatalf("%s: expected ErrInvalidScenario, got %v", name, err)
		}
	}
}

func TestParseScenarioScriptYAMLAppliesDefaults(t *testing.T) {
	testlog.Start(t)

	script, err := ParseScenarioScriptYAML([]byte(`
name: defaults
hal_version: none
sessions:
  - remote: "aa:bb:cc:dd:ee:09"
    connection_handle: 9
    interval_ms: 100
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc, err := NewScenario(script)
	if err != nil {
		t.Fatalf("new scenario: %v", err)
	}
	if sc.HALVersion != 0 || sc.HALBound {
		t.Fatalf("expected no accelerator, got version=%d bound=%v", sc.HALVersion, sc.HALBound)
	}
	plan, ok := sc.Plan(9)
	if !ok {
		t.Fatalf("missing plan")
	}
	if plan.ConnInterval != 24 || plan.DistanceM != 1.0 || plan.Method != distance.MethodAuto || plan.Role != hci.RoleCentral {
		t.Fatalf("unexpected defaults: %+v", plan)
	}
	if _, ok := sc.PlanFor(hci.MustParseAddress("aa:bb:cc:dd:ee:09")); !ok {
		t.Fatalf("expected plan lookup by remote")
	}
}

func TestRunWithoutAcceleratorStartsAndStops(t *testing.T) {
	testlog.Start(t)

	sc, err := NewScenario(ScenarioScript{
		Name:       "no-hal",
		HALVersion: "none",
		Sessions: []SessionScript{{
			Remote:     "aa:bb:cc:dd:ee:50",
			Handle:     3,
			IntervalMs: 200,
			Method:     "cs",
		}},
	})
	if err != nil {
		t.Fatalf("new scenario: %v", err)
	}
	report, err := Run(context.Background(), sc, distance.DefaultConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	s, _ := report.Session(3)
	if !s.Started || !s.Stopped || s.Reason != "local_request" {
		t.Fatalf("unexpected report: %+v", s)
	}
}

type sinkRecorder struct {
	statuses  []hci.CommandStatus
	completes []hci.CommandComplete
	metas     []hci.MetaEvent
}

func (r *sinkRecorder) HandleCommandStatus(ev hci.CommandStatus) { r.statuses = append(r.statuses, ev) }
func (r *sinkRecorder) HandleCommandComplete(ev hci.CommandComplete) { r.completes = append(r.completes, ev) }
func (r *sinkRecorder) HandleMetaEvent(ev hci.MetaEvent) { r.metas = append(r.metas, ev) }
func (r *sinkRecorder) HandleRasConnected(ev ras.Connected) {}
func (r *sinkRecorder) HandleRasDisconnected(ev ras.Disconnected) {}
func (r *sinkRecorder) HandleDisconnection(handle uint16) {}

func TestControllerRejectsUnknownHandleAndMissingSink(t *testing.T) {
	testlog.Start(t)

	sc, err := NewScenario(ScenarioScript{
		HALVersion: "v2",
		Sessions:   []SessionScript{{Remote: "aa:bb:cc:dd:ee:01", Handle: 1, IntervalMs: 200}},
	})
	if err != nil {
		t.Fatalf("new scenario: %v", err)
	}
	ctrl := NewController(sc, handler.NewManualClock(simEpoch))
	if err := ctrl.Send(hci.SecurityEnable{ConnectionHandle: 1}); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}

	sink := &sinkRecorder{}
	ctrl.SetSink(sink)
	if err := ctrl.Send(hci.SecurityEnable{ConnectionHandle: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sink.statuses) != 1 || sink.statuses[0].Status != hci.UnknownConnection {
		t.Fatalf("expected unknown connection status, got %+v", sink.statuses)
	}
	if err := ctrl.Send(hci.SetDefaultSettings{ConnectionHandle: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sink.completes) != 1 || sink.completes[0].Status != hci.UnknownConnection {
		t.Fatalf("expected unknown connection complete, got %+v", sink.completes)
	}
	if ctrl.Commands() != 2 {
		t.Fatalf("expected 2 commands, got %d", ctrl.Commands())
	}
}

func TestChannelAndAcceleratorBoundaries(t *testing.T) {
	testlog.Start(t)

	sc, err := NewScenario(ScenarioScript{
		HALVersion: "v2",
		Sessions:   []SessionScript{{Remote: "aa:bb:cc:dd:ee:01", Handle: 1, IntervalMs: 200}},
	})
	if err != nil {
		t.Fatalf("new scenario: %v", err)
	}
	remote := hci.MustParseAddress("aa:bb:cc:dd:ee:01")

	ch := NewChannel(sc)
	ch.SetSink(&sinkRecorder{})
	if err := ch.Open(remote, 2); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := ch.SendVendorReply(remote, nil); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := ch.Open(remote, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ch.SendVendorReply(remote, []hal.VendorCharacteristic{{}}); err != nil {
		t.Fatalf("vendor reply: %v", err)
	}
	if ch.Replies(remote) != 1 || !ch.IsOpen(remote) {
		t.Fatalf("expected open channel with one reply")
	}
	ch.Close(remote)
	if ch.IsOpen(remote) {
		t.Fatalf("expected channel closed")
	}

	accel := NewAccelerator(sc, handler.NewManualClock(simEpoch))
	if err := accel.OpenSession(9, 0x10, nil); !errors.Is(err, hal.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := accel.OpenSession(1, 0x10, nil); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := accel.OpenSession(1, 0x10, nil); !errors.Is(err, hal.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	accel.UpdateChannelSoundingConfig(1, hal.ChannelSoundingConfig{})
	if !accel.Configured(1) {
		t.Fatalf("expected configured session")
	}
	accel.CloseSession(1)
	if accel.Configured(1) {
		t.Fatalf("expected session closed")
	}
}

func TestScenarioTemplateIsValid(t *testing.T) {
	testlog.Start(t)

	body, err := config.Template("scenario")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	script, err := ParseScenarioScriptYAML([]byte(body))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	sc, err := NewScenario(script)
	if err != nil {
		t.Fatalf("validate template: %v", err)
	}
	if len(sc.Sessions) != 1 || sc.Sessions[0].Results != 10 {
		t.Fatalf("unexpected template sessions: %+v", sc.Sessions)
	}
}
