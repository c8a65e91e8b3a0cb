package hci

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Command is one controller command ready for the bus.
type Command interface {
	OpCode() OpCode
	// Params returns the little-endian parameter block.
	Params() []byte
}

// HandleOf returns the connection handle a command targets, if it has one.
func HandleOf(cmd Command) (uint16, bool) {
	switch c := cmd.(type) {
	case ReadRemoteSupportedCapabilities:
		return c.ConnectionHandle, true
	case SetDefaultSettings:
		return c.ConnectionHandle, true
	case CreateConfig:
		return c.ConnectionHandle, true
	case SecurityEnable:
		return c.ConnectionHandle, true
	case SetProcedureParameters:
		return c.ConnectionHandle, true
	case ProcedureEnable:
		return c.ConnectionHandle, true
	default:
		return 0, false
	}
}

// ExpectsStatus reports whether the controller answers the opcode with a
// command-status event followed by an LE meta event.
func ExpectsStatus(op OpCode) bool {
	switch op {
	case OpReadRemoteSupportedCapabilities, OpCreateConfig, OpSecurityEnable, OpProcedureEnable:
		return true
	default:
		return false
	}
}

type ReadLocalSupportedCapabilities struct{}

func (ReadLocalSupportedCapabilities) OpCode() OpCode { return OpReadLocalSupportedCapabilities }
func (ReadLocalSupportedCapabilities) Params() []byte { return nil }

type ReadRemoteSupportedCapabilities struct {
	ConnectionHandle uint16
}

func (ReadRemoteSupportedCapabilities) OpCode() OpCode { return OpReadRemoteSupportedCapabilities }
func (c ReadRemoteSupportedCapabilities) Params() []byte {
	return binary.LittleEndian.AppendUint16(nil, c.ConnectionHandle)
}

type SetDefaultSettings struct {
	ConnectionHandle     uint16
	RoleEnable           uint8
	SyncAntennaSelection uint8
	MaxTxPower           int8
}

func (SetDefaultSettings) OpCode() OpCode { return OpSetDefaultSettings }
func (c SetDefaultSettings) Params() []byte {
	b := binary.LittleEndian.AppendUint16(nil, c.ConnectionHandle)
	return append(b, c.RoleEnable, c.SyncAntennaSelection, byte(c.MaxTxPower))
}

// ChannelMap is the 80-bit channel bitmap, least significant octet first.
type ChannelMap [10]byte

// ParseChannelMap reads the conventional hex rendering, most significant octet first.
func ParseChannelMap(raw string) (ChannelMap, error) {
	var m ChannelMap
	b, err := hex.DecodeString(raw)
	if err != nil {
		return ChannelMap{}, fmt.Errorf("hci: channel map: %w", err)
	}
	if len(b) != len(m) {
		return ChannelMap{}, fmt.Errorf("hci: channel map must be %d octets, got %d", len(m), len(b))
	}
	for i, v := range b {
		m[len(m)-1-i] = v
	}
	return m, nil
}

func (m ChannelMap) String() string {
	out := make([]byte, 0, 2*len(m))
	for i := len(m) - 1; i >= 0; i-- {
		out = fmt.Appendf(out, "%02X", m[i])
	}
	return string(out)
}

// DefaultChannelMap enables every channel outside the advertising guard bands.
var DefaultChannelMap = mustChannelMap("1FFFFFFFFFFFFC7FFFFC")

func mustChannelMap(raw string) ChannelMap {
	m, err := ParseChannelMap(raw)
	if err != nil {
		panic(err)
	}
	return m
}

type CreateConfig struct {
	ConnectionHandle     uint16
	ConfigID             uint8
	CreateContext        uint8
	MainModeType         uint8
	SubModeType          uint8
	MinMainModeSteps     uint8
	MaxMainModeSteps     uint8
	MainModeRepetition   uint8
	Mode0Steps           uint8
	Role                 CSRole
	RttType              uint8
	SyncPhy              uint8
	ChannelMap           ChannelMap
	ChannelMapRepetition uint8
	ChannelSelectionType uint8
	Ch3cShape            uint8
	Ch3cJump             uint8
}

func (CreateConfig) OpCode() OpCode { return OpCreateConfig }
func (c CreateConfig) Params() []byte {
	b := binary.LittleEndian.AppendUint16(nil, c.ConnectionHandle)
	b = append(b,
		c.ConfigID, c.CreateContext, c.MainModeType, c.SubModeType,
		c.MinMainModeSteps, c.MaxMainModeSteps, c.MainModeRepetition, c.Mode0Steps,
		byte(c.Role), c.RttType, c.SyncPhy,
	)
	b = append(b, c.ChannelMap[:]...)
	// trailing reserved octet
	return append(b, c.ChannelMapRepetition, c.ChannelSelectionType, c.Ch3cShape, c.Ch3cJump, 0x00)
}

type SecurityEnable struct {
	ConnectionHandle uint16
}

func (SecurityEnable) OpCode() OpCode { return OpSecurityEnable }
func (c SecurityEnable) Params() []byte {
	return binary.LittleEndian.AppendUint16(nil, c.ConnectionHandle)
}

const setProcedureParametersLen = 23

type SetProcedureParameters struct {
	ConnectionHandle           uint16
	ConfigID                   uint8
	MaxProcedureLen            uint16
	MinProcedureInterval       uint16
	MaxProcedureInterval       uint16
	MaxProcedureCount          uint16
	MinSubeventLen             uint32 // 24 bits, microseconds
	MaxSubeventLen             uint32 // 24 bits, microseconds
	ToneAntennaConfigSelection uint8
	Phy                        uint8
	TxPowerDelta               uint8
	PreferredPeerAntenna       uint8
	SnrControlInitiator        SnrControl
	SnrControlReflector        SnrControl
}

func (SetProcedureParameters) OpCode() OpCode { return OpSetProcedureParameters }
func (c SetProcedureParameters) Params() []byte {
	b := make([]byte, 0, setProcedureParametersLen)
	b = binary.LittleEndian.AppendUint16(b, c.ConnectionHandle)
	b = append(b, c.ConfigID)
	b = binary.LittleEndian.AppendUint16(b, c.MaxProcedureLen)
	b = binary.LittleEndian.AppendUint16(b, c.MinProcedureInterval)
	b = binary.LittleEndian.AppendUint16(b, c.MaxProcedureInterval)
	b = binary.LittleEndian.AppendUint16(b, c.MaxProcedureCount)
	b = appendUint24(b, c.MinSubeventLen)
	b = appendUint24(b, c.MaxSubeventLen)
	return append(b,
		c.ToneAntennaConfigSelection, c.Phy, c.TxPowerDelta, c.PreferredPeerAntenna,
		byte(c.SnrControlInitiator), byte(c.SnrControlReflector),
	)
}

// ParseSetProcedureParameters decodes a captured parameter block.
func ParseSetProcedureParameters(b []byte) (SetProcedureParameters, error) {
	if len(b) < setProcedureParametersLen {
		return SetProcedureParameters{}, fmt.Errorf("%w: set procedure parameters len=%d", ErrShortParams, len(b))
	}
	return SetProcedureParameters{
		ConnectionHandle:           binary.LittleEndian.Uint16(b[0:2]),
		ConfigID:                   b[2],
		MaxProcedureLen:            binary.LittleEndian.Uint16(b[3:5]),
		MinProcedureInterval:       binary.LittleEndian.Uint16(b[5:7]),
		MaxProcedureInterval:       binary.LittleEndian.Uint16(b[7:9]),
		MaxProcedureCount:          binary.LittleEndian.Uint16(b[9:11]),
		MinSubeventLen:             uint24(b[11:14]),
		MaxSubeventLen:             uint24(b[14:17]),
		ToneAntennaConfigSelection: b[17],
		Phy:                        b[18],
		TxPowerDelta:               b[19],
		PreferredPeerAntenna:       b[20],
		SnrControlInitiator:        SnrControl(b[21]),
		SnrControlReflector:        SnrControl(b[22]),
	}, nil
}

type ProcedureEnable struct {
	ConnectionHandle uint16
	ConfigID         uint8
	Enable           Enable
}

func (ProcedureEnable) OpCode() OpCode { return OpProcedureEnable }
func (c ProcedureEnable) Params() []byte {
	b := binary.LittleEndian.AppendUint16(nil, c.ConnectionHandle)
	return append(b, c.ConfigID, byte(c.Enable))
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
