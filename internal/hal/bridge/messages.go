package bridge

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("bridge: malformed message")

type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) sint(num protowire.Number, v int64) {
	e.uint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	e.uint(num, protowire.EncodeBool(v))
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// message always emits the field, even when empty.
func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

type field struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) double() float64 { return math.Float64frombits(f.u) }
func (f field) sint() int64     { return protowire.DecodeZigZag(f.u) }
func (f field) bool() bool      { return protowire.DecodeBool(f.u) }

func walk(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

func encodeVendor(v hal.VendorCharacteristic) []byte {
	var e encoder
	e.bytes(1, v.UUID[:])
	e.bytes(2, v.Value)
	e.bytes(3, v.Reply)
	return e.b
}

func decodeVendor(b []byte) (hal.VendorCharacteristic, error) {
	var v hal.VendorCharacteristic
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			id, err := uuid.FromBytes(f.b)
			if err != nil {
				return fmt.Errorf("%w: vendor uuid: %v", ErrMalformed, err)
			}
			v.UUID = id
		case 2:
			v.Value = append([]byte(nil), f.b...)
		case 3:
			v.Reply = append([]byte(nil), f.b...)
		}
		return nil
	})
	return v, err
}

type helloMsg struct {
	Version hal.Version
	Vendor  []hal.VendorCharacteristic
}

func (m helloMsg) marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.Version))
	for _, v := range m.Vendor {
		e.message(2, encodeVendor(v))
	}
	return e.b
}

func (m *helloMsg) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.Version = hal.Version(f.u)
		case 2:
			v, err := decodeVendor(f.b)
			if err != nil {
				return err
			}
			m.Vendor = append(m.Vendor, v)
		}
		return nil
	})
}

type openSessionMsg struct {
	ATTHandle uint16
	Vendor    []hal.VendorCharacteristic
}

func (m openSessionMsg) marshal() []byte {
	var e encoder
	e.uint(1, uint64(m.ATTHandle))
	for _, v := range m.Vendor {
		e.message(2, encodeVendor(v))
	}
	return e.b
}

func (m *openSessionMsg) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			m.ATTHandle = uint16(f.u)
		case 2:
			v, err := decodeVendor(f.b)
			if err != nil {
				return err
			}
			m.Vendor = append(m.Vendor, v)
		}
		return nil
	})
}

type openedMsg struct {
	Reply                  []hal.VendorCharacteristic
	AbortedProcedureNeeded bool
}

func (m openedMsg) marshal() []byte {
	var e encoder
	for _, v := range m.Reply {
		e.message(1, encodeVendor(v))
	}
	e.bool(2, m.AbortedProcedureNeeded)
	return e.b
}

func (m *openedMsg) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			v, err := decodeVendor(f.b)
			if err != nil {
				return err
			}
			m.Reply = append(m.Reply, v)
		case 2:
			m.AbortedProcedureNeeded = f.bool()
		}
		return nil
	})
}

func marshalConfig(c hal.ChannelSoundingConfig) []byte {
	var e encoder
	cc := c.Config
	e.uint(1, uint64(cc.ConfigID))
	e.uint(2, uint64(cc.Action))
	e.uint(3, uint64(cc.MainModeType))
	e.uint(4, uint64(cc.SubModeType))
	e.uint(5, uint64(cc.MinMainModeSteps))
	e.uint(6, uint64(cc.MaxMainModeSteps))
	e.uint(7, uint64(cc.MainModeRepetition))
	e.uint(8, uint64(cc.Mode0Steps))
	e.uint(9, uint64(cc.Role))
	e.uint(10, uint64(cc.RttType))
	e.uint(11, uint64(cc.SyncPhy))
	e.bytes(12, cc.ChannelMap[:])
	e.uint(13, uint64(cc.ChannelMapRepetition))
	e.uint(14, uint64(cc.ChannelSelectionType))
	e.uint(15, uint64(cc.Ch3cShape))
	e.uint(16, uint64(cc.Ch3cJump))
	e.uint(17, uint64(cc.TIP1Time))
	e.uint(18, uint64(cc.TIP2Time))
	e.uint(19, uint64(cc.TFCSTime))
	e.uint(20, uint64(cc.TPMTime))
	e.uint(21, uint64(c.LocalTSW))
	e.uint(22, uint64(c.RemoteTSW))
	e.uint(23, uint64(c.ConnInterval))
	return e.b
}

func unmarshalConfig(b []byte) (hal.ChannelSoundingConfig, error) {
	var c hal.ChannelSoundingConfig
	cc := &c.Config
	err := walk(b, func(num protowire.Number, f field) error {
		v := uint8(f.u)
		switch num {
		case 1:
			cc.ConfigID = v
		case 2:
			cc.Action = v
		case 3:
			cc.MainModeType = v
		case 4:
			cc.SubModeType = v
		case 5:
			cc.MinMainModeSteps = v
		case 6:
			cc.MaxMainModeSteps = v
		case 7:
			cc.MainModeRepetition = v
		case 8:
			cc.Mode0Steps = v
		case 9:
			cc.Role = hci.CSRole(v)
		case 10:
			cc.RttType = v
		case 11:
			cc.SyncPhy = v
		case 12:
			if len(f.b) != len(cc.ChannelMap) {
				return fmt.Errorf("%w: channel map len=%d", ErrMalformed, len(f.b))
			}
			copy(cc.ChannelMap[:], f.b)
		case 13:
			cc.ChannelMapRepetition = v
		case 14:
			cc.ChannelSelectionType = v
		case 15:
			cc.Ch3cShape = v
		case 16:
			cc.Ch3cJump = v
		case 17:
			cc.TIP1Time = v
		case 18:
			cc.TIP2Time = v
		case 19:
			cc.TFCSTime = v
		case 20:
			cc.TPMTime = v
		case 21:
			c.LocalTSW = v
		case 22:
			c.RemoteTSW = v
		case 23:
			c.ConnInterval = uint16(f.u)
		}
		return nil
	})
	return c, err
}

func marshalProcedureEnable(p hci.ProcedureEnableComplete) []byte {
	var e encoder
	e.uint(1, uint64(p.ConfigID))
	e.uint(2, uint64(p.State))
	e.uint(3, uint64(p.ToneAntennaConfigSelection))
	e.sint(4, int64(p.SelectedTxPower))
	e.uint(5, uint64(p.SubeventLen))
	e.uint(6, uint64(p.SubeventsPerEvent))
	e.uint(7, uint64(p.SubeventInterval))
	e.uint(8, uint64(p.EventInterval))
	e.uint(9, uint64(p.ProcedureInterval))
	e.uint(10, uint64(p.ProcedureCount))
	e.uint(11, uint64(p.MaxProcedureLen))
	return e.b
}

func unmarshalProcedureEnable(b []byte) (hci.ProcedureEnableComplete, error) {
	var p hci.ProcedureEnableComplete
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			p.ConfigID = uint8(f.u)
		case 2:
			p.State = hci.Enable(f.u)
		case 3:
			p.ToneAntennaConfigSelection = uint8(f.u)
		case 4:
			p.SelectedTxPower = int8(f.sint())
		case 5:
			p.SubeventLen = uint32(f.u)
		case 6:
			p.SubeventsPerEvent = uint8(f.u)
		case 7:
			p.SubeventInterval = uint16(f.u)
		case 8:
			p.EventInterval = uint16(f.u)
		case 9:
			p.ProcedureInterval = uint16(f.u)
		case 10:
			p.ProcedureCount = uint16(f.u)
		case 11:
			p.MaxProcedureLen = uint16(f.u)
		}
		return nil
	})
	return p, err
}

func marshalConnInterval(v uint16) []byte {
	var e encoder
	e.uint(1, uint64(v))
	return e.b
}

func unmarshalConnInterval(b []byte) (uint16, error) {
	var v uint16
	err := walk(b, func(num protowire.Number, f field) error {
		if num == 1 {
			v = uint16(f.u)
		}
		return nil
	})
	return v, err
}

func marshalRawData(d hal.ProcedureData) []byte {
	var e encoder
	e.uint(1, uint64(d.ProcedureCounter))
	e.sint(2, int64(d.ReferencePowerLevel))
	e.bool(3, d.Aborted)
	e.uint(4, uint64(d.AbortReason))
	e.bytes(5, d.Steps)
	return e.b
}

func unmarshalRawData(b []byte) (hal.ProcedureData, error) {
	var d hal.ProcedureData
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			d.ProcedureCounter = uint16(f.u)
		case 2:
			d.ReferencePowerLevel = int8(f.sint())
		case 3:
			d.Aborted = f.bool()
		case 4:
			d.AbortReason = uint8(f.u)
		case 5:
			d.Steps = append([]byte(nil), f.b...)
		}
		return nil
	})
	return d, err
}

func marshalResult(r hal.Result) []byte {
	var e encoder
	e.double(1, r.DistanceMeters)
	e.double(2, r.DistanceErrorMeters)
	e.double(3, r.AzimuthDegrees)
	e.double(4, r.AltitudeDegrees)
	e.double(5, r.ConfidenceLevel)
	e.sint(6, r.TimestampNanos)
	return e.b
}

func unmarshalResult(b []byte) (hal.Result, error) {
	var r hal.Result
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			r.DistanceMeters = f.double()
		case 2:
			r.DistanceErrorMeters = f.double()
		case 3:
			r.AzimuthDegrees = f.double()
		case 4:
			r.AltitudeDegrees = f.double()
		case 5:
			r.ConfidenceLevel = f.double()
		case 6:
			r.TimestampNanos = f.sint()
		}
		return nil
	})
	return r, err
}
