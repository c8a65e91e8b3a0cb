package sim

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidScenario = errors.New("sim: invalid scenario")
	ErrExpectation     = errors.New("sim: expectation not met")
)

// ScenarioScript is a YAML description of a simulated controller, its peers
// and the faults they inject.
//
// YAML schema (v1):
//
//	version: 1
//	name: happy-path
//	hal_version: v2            # none, unbound, v1 or v2
//	local_capabilities_status: 0
//	local_snr_capability: 0x1f
//	sessions:
//	  - remote: "aa:bb:cc:dd:ee:01"
//	    connection_handle: 64
//	    role: central
//	    interval_ms: 200
//	    conn_interval: 24
//	    method: cs
//	    results: 3
//	    distance_m: 1.5
//	    faults:
//	      create_config_failures: 1
//	    expect:
//	      started: true
//	      results: 3
//	      reason: local_request
//
// Sessions are started in file order.
type ScenarioScript struct {
	Version                 int             `yaml:"version"`
	Name                    string          `yaml:"name"`
	HALVersion              string          `yaml:"hal_version"`
	LocalCapabilitiesStatus uint8           `yaml:"local_capabilities_status"`
	LocalSnrCapability      *uint8          `yaml:"local_snr_capability"`
	Sessions                []SessionScript `yaml:"sessions"`
}

// SessionScript describes one peer and the session run against it.
type SessionScript struct {
	Remote       string        `yaml:"remote"`
	Handle       uint16        `yaml:"connection_handle"`
	Role         string        `yaml:"role"`
	IntervalMs   uint16        `yaml:"interval_ms"`
	ConnInterval uint16        `yaml:"conn_interval"`
	Method       string        `yaml:"method"`
	Results      int           `yaml:"results"`
	DistanceM    float64       `yaml:"distance_m"`
	Faults       FaultScript   `yaml:"faults"`
	Expect       *ExpectScript `yaml:"expect"`
}

// FaultScript injects failures into one peer. Zero values inject nothing.
type FaultScript struct {
	RasServerNotAvailable    bool   `yaml:"ras_server_not_available"`
	RemoteCapabilitiesStatus uint8  `yaml:"remote_capabilities_status"`
	RemoteSnrCapability      *uint8 `yaml:"remote_snr_capability"`
	AcceleratorOpenFails     bool   `yaml:"accelerator_open_fails"`
	CreateConfigFailures     int    `yaml:"create_config_failures"`
	ProcedureEnableFailures  int    `yaml:"procedure_enable_failures"`
	// UnsolicitedDisableAfter has the controller disable procedures after N
	// completed procedures.
	UnsolicitedDisableAfter  int    `yaml:"unsolicited_disable_after"`
	// LinkLossAfter drops the LE link after N completed procedures.
	LinkLossAfter            int    `yaml:"link_loss_after"`
	// AbortEvery marks every Nth procedure aborted.
	AbortEvery               int    `yaml:"abort_every"`
}

// ExpectScript is checked against the run report by Scenario.Verify.
type ExpectScript struct {
	Started bool   `yaml:"started"`
	Results int    `yaml:"results"`
	Reason  string `yaml:"reason"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	Name                    string
	// HALVersion is zero when no accelerator is attached.
	HALVersion              hal.Version
	HALBound                bool
	LocalCapabilitiesStatus hci.ErrorCode
	LocalSnrCapability      *uint8
	Sessions                []SessionPlan
}

// SessionPlan is one validated session script.
type SessionPlan struct {
	Remote       hci.Address
	Handle       uint16
	Role         hci.Role
	IntervalMs   uint16
	ConnInterval uint16
	Method       distance.Method
	Results      int
	DistanceM    float64
	Faults       FaultScript
	Expect       *ExpectScript
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// LoadScenario reads, parses and validates the scenario at path.
func LoadScenario(path string) (*Scenario, error) {
	script, err := LoadScenarioScript(path)
	if err != nil {
		return nil, err
	}
	return NewScenario(script)
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidScenario, script.Version)
	}
	if len(script.Sessions) == 0 {
		return nil, fmt.Errorf("%w: sessions is required", ErrInvalidScenario)
	}

	sc := &Scenario{
		Name:                    script.Name,
		LocalCapabilitiesStatus: hci.ErrorCode(script.LocalCapabilitiesStatus),
		LocalSnrCapability:      script.LocalSnrCapability,
	}
	switch strings.ToLower(strings.TrimSpace(script.HALVersion)) {
	case "none":
	case "unbound":
		sc.HALVersion = hal.V1
	default:
		v, err := hal.ParseVersion(script.HALVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		sc.HALVersion = v
		sc.HALBound = true
	}

	handles := make(map[uint16]bool, len(script.Sessions))
	remotes := make(map[hci.Address]bool, len(script.Sessions))
	for i, s := range script.Sessions {
		plan, err := newSessionPlan(s)
		if err != nil {
			return nil, fmt.Errorf("%w: sessions[%d]: %v", ErrInvalidScenario, i, err)
		}
		if handles[plan.Handle] {
			return nil, fmt.Errorf("%w: sessions[%d]: duplicate connection_handle %d", ErrInvalidScenario, i, plan.Handle)
		}
		if remotes[plan.Remote] {
			return nil, fmt.Errorf("%w: sessions[%d]: duplicate remote %s", ErrInvalidScenario, i, plan.Remote)
		}
		if plan.Results > 0 && !sc.HALBound {
			return nil, fmt.Errorf("%w: sessions[%d]: results need a bound accelerator", ErrInvalidScenario, i)
		}
		handles[plan.Handle] = true
		remotes[plan.Remote] = true
		sc.Sessions = append(sc.Sessions, plan)
	}
	return sc, nil
}

func newSessionPlan(s SessionScript) (SessionPlan, error) {
	remote, err := hci.ParseAddress(s.Remote)
	if err != nil {
		return SessionPlan{}, err
	}
	role, err := hci.ParseRole(s.Role)
	if err != nil {
		return SessionPlan{}, err
	}
	method, err := distance.ParseMethod(s.Method)
	if err != nil {
		return SessionPlan{}, err
	}
	if s.IntervalMs == 0 {
		return SessionPlan{}, fmt.Errorf("interval_ms is required")
	}
	if s.ConnInterval == 0 {
		s.ConnInterval = 24
	}
	if s.Results < 0 {
		return SessionPlan{}, fmt.Errorf("results must be >= 0")
	}
	if s.Faults.CreateConfigFailures < 0 || s.Faults.ProcedureEnableFailures < 0 {
		return SessionPlan{}, fmt.Errorf("fault counts must be >= 0")
	}
	if s.DistanceM == 0 {
		s.DistanceM = 1.0
	}
	return SessionPlan{
		Remote:       remote,
		Handle:       s.Handle,
		Role:         role,
		IntervalMs:   s.IntervalMs,
		ConnInterval: s.ConnInterval,
		Method:       method,
		Results:      s.Results,
		DistanceM:    s.DistanceM,
		Faults:       s.Faults,
		Expect:       s.Expect,
	}, nil
}

// Plan returns the session plan for handle.
func (s *Scenario) Plan(handle uint16) (SessionPlan, bool) {
	for _, p := range s.Sessions {
		if p.Handle == handle {
			return p, true
		}
	}
	return SessionPlan{}, false
}

// PlanFor returns the session plan for remote.
func (s *Scenario) PlanFor(remote hci.Address) (SessionPlan, bool) {
	for _, p := range s.Sessions {
		if p.Remote == remote {
			return p, true
		}
	}
	return SessionPlan{}, false
}

// Verify checks r against every session's expect block.
func (s *Scenario) Verify(r Report) error {
	var problems []string
	for _, plan := range s.Sessions {
		if plan.Expect == nil {
			continue
		}
		got, ok := r.Session(plan.Handle)
		if !ok {
			problems = append(problems, fmt.Sprintf("handle %d: no report", plan.Handle))
			continue
		}
		if got.Started != plan.Expect.Started {
			problems = append(problems, fmt.Sprintf("handle %d: started=%v want %v", plan.Handle, got.Started, plan.Expect.Started))
		}
		if got.Results != plan.Expect.Results {
			problems = append(problems, fmt.Sprintf("handle %d: results=%d want %d", plan.Handle, got.Results, plan.Expect.Results))
		}
		if plan.Expect.Reason != "" && got.Reason != plan.Expect.Reason {
			problems = append(problems, fmt.Sprintf("handle %d: reason=%s want %s", plan.Handle, got.Reason, plan.Expect.Reason))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrExpectation, strings.Join(problems, "; "))
	}
	return nil
}
