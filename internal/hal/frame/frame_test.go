package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := Frame{
		Header:  Header{MessageType: TypeOpenSession, ConnectionHandle: 64, MessageID: 42},
		Payload: []byte{0x08, 0x40},
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(in.Payload) {
		t.Fatalf("unexpected encoded length: %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != CurrentVersion {
		t.Fatalf("writer must stamp magic and version: %+v", out.Header)
	}
	if out.Header.MessageType != TypeOpenSession || out.Header.ConnectionHandle != 64 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)

	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)

	buf := EncodeHeader(Header{Magic: 0xEDCE1001, Version: CurrentVersion, MessageType: TypeHello})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFramePayloadLimit(t *testing.T) {
	testlog.Start(t)

	buf := EncodeHeader(Header{Magic: Magic, Version: CurrentVersion, MessageType: TypeWriteRawData, PayloadLen: 64})
	_, err := ReadFrame(bytes.NewReader(buf), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := WriteFrame(&bytes.Buffer{}, Frame{Payload: make([]byte, 17)}, Limits{MaxPayloadBytes: 16}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
}
