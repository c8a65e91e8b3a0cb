package distance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
)

var (
	ErrMissingDependency  = errors.New("distance: missing dependency")
	ErrInvalidConfig      = errors.New("distance: invalid config")
	ErrCommandRejected    = errors.New("distance: command rejected")
	ErrRetryExhausted     = errors.New("distance: retry budget exhausted")
	ErrUnsolicitedDisable = errors.New("distance: procedure disabled without request")
	ErrControlChannel     = errors.New("distance: control channel failure")
	ErrAccelerator        = errors.New("distance: accelerator failure")
	ErrBusSend            = errors.New("distance: bus send failed")
	ErrSnapshotFailed     = errors.New("distance: session snapshot failed")
)

// Method is the ranging technique requested by the caller.
type Method int

const (
	MethodAuto Method = iota
	MethodRSSI
	MethodCS
)

func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "auto", "":
		return MethodAuto, nil
	case "rssi":
		return MethodRSSI, nil
	case "cs", "channel_sounding":
		return MethodCS, nil
	default:
		return 0, fmt.Errorf("distance: unknown method %q", raw)
	}
}

func (m Method) String() string {
	switch m {
	case MethodAuto:
		return "auto"
	case MethodRSSI:
		return "rssi"
	case MethodCS:
		return "cs"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Reason explains why a session stopped.
type Reason int

const (
	ReasonLocalRequest Reason = iota
	ReasonInternalError
	ReasonFeatureNotSupportedRemote
	ReasonFeatureNotSupportedLocal
	ReasonNoLEConnection
)

func (r Reason) String() string {
	switch r {
	case ReasonLocalRequest:
		return "local_request"
	case ReasonInternalError:
		return "internal_error"
	case ReasonFeatureNotSupportedRemote:
		return "feature_not_supported_remote"
	case ReasonFeatureNotSupportedLocal:
		return "feature_not_supported_local"
	case ReasonNoLEConnection:
		return "no_le_connection"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Stage is a session's position in the setup sequence. Values are ordered.
type Stage int

const (
	StageIdle Stage = iota
	StageLocalCapabilitiesPending
	StageAwaitingControlChannel
	StageAcceleratorOpening
	StageRemoteCapabilitiesPending
	StageDefaultSettingsPending
	StageConfigPending
	StageSecurityEnablePending
	StageProcedureParametersPending
	StageProcedureEnablePending
	StageActive
	StageStopping
	StageTerminated
)

var stageNames = [...]string{
	StageIdle:                       "idle",
	StageLocalCapabilitiesPending:   "local_capabilities_pending",
	StageAwaitingControlChannel:     "awaiting_control_channel",
	StageAcceleratorOpening:         "accelerator_opening",
	StageRemoteCapabilitiesPending:  "remote_capabilities_pending",
	StageDefaultSettingsPending:     "default_settings_pending",
	StageConfigPending:              "config_pending",
	StageSecurityEnablePending:      "security_enable_pending",
	StageProcedureParametersPending: "procedure_parameters_pending",
	StageProcedureEnablePending:     "procedure_enable_pending",
	StageActive:                     "active",
	StageStopping:                   "stopping",
	StageTerminated:                 "terminated",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Callbacks receives session outcomes. Calls are made from the manager's
// handler goroutine and must not block.
type Callbacks interface {
	OnDistanceMeasurementStarted(remote hci.Address, method Method)
	OnDistanceMeasurementStopped(remote hci.Address, reason Reason, method Method)
	OnDistanceMeasurementResult(remote hci.Address, result hal.Result, method Method)
}

// Bus hands commands to the controller. Responses arrive later through the
// manager's Handle methods.
type Bus interface {
	Send(cmd hci.Command) error
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	ID              string      `json:"id"`
	Remote          hci.Address `json:"remote"`
	Handle          uint16      `json:"handle"`
	Role            string      `json:"role"`
	IntervalMs      uint16      `json:"interval_ms"`
	Method          Method      `json:"method"`
	Stage           Stage       `json:"stage"`
	ConnInterval    uint16      `json:"conn_interval"`
	ConfigRetries   int         `json:"config_retries"`
	EnableRetries   int         `json:"enable_retries"`
	AcceleratorOpen bool        `json:"accelerator_open"`
	RetryArmed      bool        `json:"retry_armed"`
	Results         uint64      `json:"results"`
	CreatedAt       time.Time   `json:"created_at"`
}
