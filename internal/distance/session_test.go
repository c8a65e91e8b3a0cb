package distance

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func TestMinProcedureInterval(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		intervalMs   uint16
		connInterval uint16
		want         uint16
	}{
		{intervalMs: 200, connInterval: 24, want: 7},
		{intervalMs: 1000, connInterval: 6, want: 133},
		{intervalMs: 0, connInterval: 24, want: 1},
		{intervalMs: 10, connInterval: 400, want: 1},
		{intervalMs: 200, connInterval: 0, want: 1},
	}
	for _, tc := range cases {
		if got := MinProcedureInterval(tc.intervalMs, tc.connInterval); got != tc.want {
			t.Fatalf("MinProcedureInterval(%d, %d) = %d, want %d", tc.intervalMs, tc.connInterval, got, tc.want)
		}
	}
}

func TestSelectSnrControl(t *testing.T) {
	testlog.Start(t)

	bits := func(v uint8) *uint8 { return &v }
	if got := SelectSnrControl(nil, bits(0x1F)); got != hci.SnrControlNotApplied {
		t.Fatalf("missing local capability: got %s", got)
	}
	if got := SelectSnrControl(bits(0x18), bits(0x10)); got != hci.Snr30dB {
		t.Fatalf("expected 30dB, got %s", got)
	}
	if got := SelectSnrControl(bits(0x00), bits(0x1F)); got != hci.SnrControlNotApplied {
		t.Fatalf("empty capability: got %s", got)
	}
}

func TestImmediateRetryBudget(t *testing.T) {
	testlog.Start(t)

	r := immediateRetry{max: 3}
	for i := 1; i <= 3; i++ {
		if !r.fail() {
			t.Fatalf("failure %d should allow a retry", i)
		}
	}
	if r.fail() {
		t.Fatalf("fourth failure should exhaust the budget")
	}
	r.reset()
	if !r.fail() {
		t.Fatalf("reset should restore the budget")
	}
}

func TestTimedRetryUsesIntervalPlusMargin(t *testing.T) {
	testlog.Start(t)

	r := newTimedRetry(3, 200*time.Millisecond, 10*time.Millisecond, BackoffConfig{Multiplier: 1}, nil)
	for i := 1; i <= 3; i++ {
		delay, ok := r.fail()
		if !ok || delay != 210*time.Millisecond {
			t.Fatalf("failure %d: delay=%s ok=%v", i, delay, ok)
		}
	}
	if _, ok := r.fail(); ok {
		t.Fatalf("fourth failure should exhaust the budget")
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)

	cfg := BackoffConfig{Multiplier: 2, MaxDelay: 500 * time.Millisecond}
	initial := 100 * time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, initial, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt <= 4; attempt++ {
		got := NextBackoffDelay(cfg, initial, attempt, rng)
		if got < 50*time.Millisecond || got > 750*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
	if got := NextBackoffDelay(cfg, 0, 3, rng); got != 0 {
		t.Fatalf("zero initial delay should stay zero, got %s", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)

	cfg := Config{MaxConfigRetries: 5}.WithDefaults()
	if cfg.MaxConfigRetries != 5 || cfg.MaxEnableRetries != 3 {
		t.Fatalf("unexpected retries: %+v", cfg)
	}
	if cfg.EnableRetryMargin != 10*time.Millisecond || cfg.EnableRetryBackoff.Multiplier != 1 {
		t.Fatalf("unexpected enable retry defaults: %+v", cfg)
	}
	if cfg.ChannelMap != hci.DefaultChannelMap || cfg.MaxTxPower != 20 {
		t.Fatalf("unexpected command defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	none := Config{MaxConfigRetries: NoRetries, MaxEnableRetries: NoRetries}.WithDefaults()
	if none.MaxConfigRetries != NoRetries || none.MaxEnableRetries != NoRetries {
		t.Fatalf("expected NoRetries to survive defaults: %+v", none)
	}
	if err := none.Validate(); err != nil {
		t.Fatalf("validate NoRetries: %v", err)
	}
	if retryLimit(NoRetries) != 0 || retryLimit(2) != 2 {
		t.Fatalf("unexpected retry limits")
	}
	if err := (Config{MaxConfigRetries: -2}).WithDefaults().Validate(); err == nil {
		t.Fatalf("expected retries below NoRetries to be rejected")
	}
}

func TestParseMethodAndNames(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]Method{"auto": MethodAuto, "RSSI": MethodRSSI, "cs": MethodCS, "": MethodAuto} {
		got, err := ParseMethod(raw)
		if err != nil || got != want {
			t.Fatalf("ParseMethod(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParseMethod("lidar"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
	if StageProcedureEnablePending.String() != "procedure_enable_pending" {
		t.Fatalf("unexpected stage name %s", StageProcedureEnablePending)
	}
	if ReasonFeatureNotSupportedRemote.String() != "feature_not_supported_remote" {
		t.Fatalf("unexpected reason name %s", ReasonFeatureNotSupportedRemote)
	}
}
