package hci

import (
	"errors"
	"testing"

	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func TestParseAddressRoundTrip(t *testing.T) {
	testlog.Start(t)

	a, err := ParseAddress("12:34:56:78:9A:bc")
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if a.String() != "12:34:56:78:9a:bc" {
		t.Fatalf("unexpected address string: %q", a.String())
	}
	if _, err := ParseAddress("12:34:56"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := ParseAddress("zz:34:56:78:9a:bc"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSetProcedureParametersLayout(t *testing.T) {
	testlog.Start(t)

	in := SetProcedureParameters{
		ConnectionHandle:     64,
		ConfigID:             0,
		MaxProcedureLen:      48,
		MinProcedureInterval: 7,
		MaxProcedureInterval: 7,
		MinSubeventLen:       1250,
		MaxSubeventLen:       0x03D090,
		Phy:                  1,
		TxPowerDelta:         0x80,
		PreferredPeerAntenna: 1,
		SnrControlInitiator:  SnrControlNotApplied,
		SnrControlReflector:  SnrControlNotApplied,
	}
	params := in.Params()
	if len(params) != setProcedureParametersLen {
		t.Fatalf("unexpected params len: %d", len(params))
	}
	if params[0] != 64 || params[1] != 0 {
		t.Fatalf("handle must be little-endian first: % x", params[:2])
	}
	if params[5] != 7 || params[6] != 0 {
		t.Fatalf("min procedure interval misplaced: % x", params[5:7])
	}

	out, err := ParseSetProcedureParameters(params)
	if err != nil {
		t.Fatalf("parse params: %v", err)
	}
	if out != in {
		t.Fatalf("decoded params mismatch: got=%+v want=%+v", out, in)
	}
	if _, err := ParseSetProcedureParameters(params[:10]); !errors.Is(err, ErrShortParams) {
		t.Fatalf("expected ErrShortParams, got %v", err)
	}
}

func TestChannelMapHexOrder(t *testing.T) {
	testlog.Start(t)

	if DefaultChannelMap.String() != "1FFFFFFFFFFFFC7FFFFC" {
		t.Fatalf("unexpected default channel map: %s", DefaultChannelMap)
	}
	if DefaultChannelMap[0] != 0xFC || DefaultChannelMap[9] != 0x1F {
		t.Fatalf("channel map must be stored least significant octet first: % x", DefaultChannelMap[:])
	}
	if _, err := ParseChannelMap("1FFF"); err == nil {
		t.Fatalf("expected short channel map error")
	}
}

func TestCommandHandleAndStatusClass(t *testing.T) {
	testlog.Start(t)

	if _, ok := HandleOf(ReadLocalSupportedCapabilities{}); ok {
		t.Fatalf("local capability read has no connection handle")
	}
	if h, ok := HandleOf(ProcedureEnable{ConnectionHandle: 9, Enable: Enabled}); !ok || h != 9 {
		t.Fatalf("unexpected procedure enable handle: %d ok=%v", h, ok)
	}
	if !ExpectsStatus(OpCreateConfig) || !ExpectsStatus(OpProcedureEnable) {
		t.Fatalf("create config and procedure enable are status-bearing")
	}
	if ExpectsStatus(OpSetDefaultSettings) || ExpectsStatus(OpSetProcedureParameters) {
		t.Fatalf("default settings and procedure parameters complete directly")
	}
}

func TestCommandTrackerFIFOPerOpCode(t *testing.T) {
	testlog.Start(t)

	tr := NewCommandTracker()
	tr.Push(OpCreateConfig, Pending{ConnectionHandle: 1, Owner: "a"})
	tr.Push(OpProcedureEnable, Pending{ConnectionHandle: 2, Owner: "b"})
	tr.Push(OpCreateConfig, Pending{ConnectionHandle: 3, Owner: "c"})

	p, ok := tr.Pop(OpCreateConfig)
	if !ok || p.ConnectionHandle != 1 || p.Owner != "a" {
		t.Fatalf("unexpected first pop: %+v ok=%v", p, ok)
	}
	p, ok = tr.Pop(OpCreateConfig)
	if !ok || p.ConnectionHandle != 3 {
		t.Fatalf("unexpected second pop: %+v ok=%v", p, ok)
	}
	if _, ok := tr.Pop(OpCreateConfig); ok {
		t.Fatalf("expected empty create config queue")
	}
	if tr.Outstanding(OpProcedureEnable) != 1 {
		t.Fatalf("procedure enable entry must be untouched")
	}
	tr.Reset()
	if tr.Outstanding(OpProcedureEnable) != 0 {
		t.Fatalf("reset must clear every opcode")
	}
}
