package hci

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("hci: invalid address")
	ErrShortParams    = errors.New("hci: short parameter block")
)

// Address is a 48-bit device address, most significant octet first.
type Address [6]byte

func ParseAddress(raw string) (Address, error) {
	var a Address
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		a[i] = b[0]
	}
	return a, nil
}

func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Role is the local link-layer role on the connection.
type Role uint8

const (
	RoleCentral    Role = 0x00
	RolePeripheral Role = 0x01
)

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "central", "":
		return RoleCentral, nil
	case "peripheral":
		return RolePeripheral, nil
	default:
		return 0, fmt.Errorf("hci: unknown role %q", raw)
	}
}

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// CSRole is the Channel Sounding role carried in config parameters.
type CSRole uint8

const (
	CSRoleInitiator CSRole = 0x00
	CSRoleReflector CSRole = 0x01
)

type OpCode uint16

const (
	OpReadLocalSupportedCapabilities  OpCode = 0x2089
	OpReadRemoteSupportedCapabilities OpCode = 0x208A
	OpSecurityEnable                  OpCode = 0x208C
	OpSetDefaultSettings              OpCode = 0x208D
	OpCreateConfig                    OpCode = 0x2090
	OpSetProcedureParameters          OpCode = 0x2093
	OpProcedureEnable                 OpCode = 0x2094
)

func (o OpCode) String() string {
	switch o {
	case OpReadLocalSupportedCapabilities:
		return "LE_CS_READ_LOCAL_SUPPORTED_CAPABILITIES"
	case OpReadRemoteSupportedCapabilities:
		return "LE_CS_READ_REMOTE_SUPPORTED_CAPABILITIES"
	case OpSecurityEnable:
		return "LE_CS_SECURITY_ENABLE"
	case OpSetDefaultSettings:
		return "LE_CS_SET_DEFAULT_SETTINGS"
	case OpCreateConfig:
		return "LE_CS_CREATE_CONFIG"
	case OpSetProcedureParameters:
		return "LE_CS_SET_PROCEDURE_PARAMETERS"
	case OpProcedureEnable:
		return "LE_CS_PROCEDURE_ENABLE"
	default:
		return fmt.Sprintf("opcode(0x%04x)", uint16(o))
	}
}

// ErrorCode is the controller status byte.
type ErrorCode uint8

const (
	Success                 ErrorCode = 0x00
	UnknownHCICommand       ErrorCode = 0x01
	UnknownConnection       ErrorCode = 0x02
	HardwareFailure         ErrorCode = 0x03
	CommandDisallowed       ErrorCode = 0x0C
	UnsupportedFeature      ErrorCode = 0x11
	InvalidCommandParams    ErrorCode = 0x12
	RemoteUserTerminated    ErrorCode = 0x13
	UnspecifiedError        ErrorCode = 0x1F
	LinkLayerCollision      ErrorCode = 0x23
	ControllerBusy          ErrorCode = 0x3A
	ConnectionFailedToSetup ErrorCode = 0x3E
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "SUCCESS"
	case UnknownHCICommand:
		return "UNKNOWN_HCI_COMMAND"
	case UnknownConnection:
		return "UNKNOWN_CONNECTION"
	case HardwareFailure:
		return "HARDWARE_FAILURE"
	case CommandDisallowed:
		return "COMMAND_DISALLOWED"
	case UnsupportedFeature:
		return "UNSUPPORTED_FEATURE_OR_PARAMETER_VALUE"
	case InvalidCommandParams:
		return "INVALID_HCI_COMMAND_PARAMETERS"
	case RemoteUserTerminated:
		return "REMOTE_USER_TERMINATED_CONNECTION"
	case UnspecifiedError:
		return "UNSPECIFIED_ERROR"
	case LinkLayerCollision:
		return "LINK_LAYER_COLLISION"
	case ControllerBusy:
		return "CONTROLLER_BUSY"
	case ConnectionFailedToSetup:
		return "CONNECTION_FAILED_ESTABLISHMENT"
	default:
		return fmt.Sprintf("error(0x%02x)", uint8(e))
	}
}

// SubeventCode identifies an LE meta event.
type SubeventCode uint8

const (
	SubeventReadRemoteCapabilitiesComplete SubeventCode = 0x2C
	SubeventSecurityEnableComplete         SubeventCode = 0x2E
	SubeventConfigComplete                 SubeventCode = 0x2F
	SubeventProcedureEnableComplete        SubeventCode = 0x30
	SubeventResult                         SubeventCode = 0x31
	SubeventResultContinue                 SubeventCode = 0x32
)

func (c SubeventCode) String() string {
	switch c {
	case SubeventReadRemoteCapabilitiesComplete:
		return "LE_CS_READ_REMOTE_SUPPORTED_CAPABILITIES_COMPLETE"
	case SubeventSecurityEnableComplete:
		return "LE_CS_SECURITY_ENABLE_COMPLETE"
	case SubeventConfigComplete:
		return "LE_CS_CONFIG_COMPLETE"
	case SubeventProcedureEnableComplete:
		return "LE_CS_PROCEDURE_ENABLE_COMPLETE"
	case SubeventResult:
		return "LE_CS_SUBEVENT_RESULT"
	case SubeventResultContinue:
		return "LE_CS_SUBEVENT_RESULT_CONTINUE"
	default:
		return fmt.Sprintf("subevent(0x%02x)", uint8(c))
	}
}

// Enable is the procedure-enable direction.
type Enable uint8

const (
	Disabled Enable = 0x00
	Enabled  Enable = 0x01
)

func (e Enable) String() string {
	if e == Enabled {
		return "enabled"
	}
	return "disabled"
}

// SnrControl selects the transmit SNR adjustment, or none.
type SnrControl uint8

const (
	Snr18dB              SnrControl = 0x00
	Snr21dB              SnrControl = 0x01
	Snr24dB              SnrControl = 0x02
	Snr27dB              SnrControl = 0x03
	Snr30dB              SnrControl = 0x04
	SnrControlNotApplied SnrControl = 0xFF
)

func (c SnrControl) String() string {
	switch c {
	case Snr18dB:
		return "18dB"
	case Snr21dB:
		return "21dB"
	case Snr24dB:
		return "24dB"
	case Snr27dB:
		return "27dB"
	case Snr30dB:
		return "30dB"
	case SnrControlNotApplied:
		return "not_applied"
	default:
		return fmt.Sprintf("snr(0x%02x)", uint8(c))
	}
}

// ProcedureDoneStatus reports how far a procedure has progressed in a result event.
type ProcedureDoneStatus uint8

const (
	ProcedureDoneAll ProcedureDoneStatus = 0x00
	ProcedurePartial ProcedureDoneStatus = 0x01
	ProcedureAborted ProcedureDoneStatus = 0x0F
)
