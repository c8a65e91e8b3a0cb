package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 16
	// Magic is "RHAL" on the wire.
	Magic          uint32 = 0x5248414C
	CurrentVersion uint8  = 1
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// MessageType names the accelerator call or notification carried by a frame.
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeOpenSession
	TypeCloseSession
	TypeUpdateConfig
	TypeUpdateConnInterval
	TypeUpdateProcedureEnable
	TypeWriteRawData
	TypeOpened
	TypeOpenFailed
	TypeResult
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeOpenSession:
		return "open_session"
	case TypeCloseSession:
		return "close_session"
	case TypeUpdateConfig:
		return "update_config"
	case TypeUpdateConnInterval:
		return "update_conn_interval"
	case TypeUpdateProcedureEnable:
		return "update_procedure_enable"
	case TypeWriteRawData:
		return "write_raw_data"
	case TypeOpened:
		return "opened"
	case TypeOpenFailed:
		return "open_failed"
	case TypeResult:
		return "result"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Header is the fixed wire header.
type Header struct {
	Magic            uint32
	Version          uint8
	MessageType      MessageType
	ConnectionHandle uint16
	MessageID        uint32
	PayloadLen       uint32
}

// Frame is one complete bridge message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != CurrentVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame fills in magic, version and payload length before writing.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = CurrentVersion
	h.PayloadLen = uint32(payloadLen)

	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = byte(h.MessageType)
	binary.BigEndian.PutUint16(buf[6:8], h.ConnectionHandle)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageID)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Header{
		Magic:            binary.BigEndian.Uint32(b[0:4]),
		Version:          b[4],
		MessageType:      MessageType(b[5]),
		ConnectionHandle: binary.BigEndian.Uint16(b[6:8]),
		MessageID:        binary.BigEndian.Uint32(b[8:12]),
		PayloadLen:       binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
