package sim

import (
	"sync"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var acceleratorCharacteristic = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")

type accelSession struct {
	plan      SessionPlan
	config    *hal.ChannelSoundingConfig
	written   int
	lastCount uint16
}

// Accelerator is a scripted ranging HAL. Results are the plan's distance with
// a small counter-dependent offset.
type Accelerator struct {
	mu       sync.Mutex
	sc       *Scenario
	clock    handler.Clock
	cb       hal.Callback
	sessions map[uint16]*accelSession
}

var _ hal.Accelerator = (*Accelerator)(nil)

func NewAccelerator(sc *Scenario, clock handler.Clock) *Accelerator {
	if clock == nil {
		clock = handler.SystemClock{}
	}
	return &Accelerator{sc: sc, clock: clock, sessions: make(map[uint16]*accelSession)}
}

func (a *Accelerator) IsBound() bool { return a.sc.HALBound }

func (a *Accelerator) Version() hal.Version { return a.sc.HALVersion }

func (a *Accelerator) VendorCharacteristics() []hal.VendorCharacteristic {
	return []hal.VendorCharacteristic{{UUID: acceleratorCharacteristic}}
}

func (a *Accelerator) RegisterCallback(cb hal.Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

func (a *Accelerator) OpenSession(handle, attHandle uint16, vendor []hal.VendorCharacteristic) error {
	a.mu.Lock()
	if !a.sc.HALBound {
		a.mu.Unlock()
		return hal.ErrNotBound
	}
	plan, ok := a.sc.Plan(handle)
	if !ok {
		a.mu.Unlock()
		return hal.ErrUnknownSession
	}
	if _, exists := a.sessions[handle]; exists {
		a.mu.Unlock()
		return hal.ErrSessionExists
	}
	cb := a.cb
	fails := plan.Faults.AcceleratorOpenFails
	if !fails {
		a.sessions[handle] = &accelSession{plan: plan}
	}
	a.mu.Unlock()

	log.Debug().Uint16("handle", handle).Uint16("att_handle", attHandle).Bool("fail", fails).Msg("sim.Accelerator.openSession")
	if cb == nil {
		return nil
	}
	if fails {
		cb.OnOpenFailed(handle)
		return nil
	}
	reply := make([]hal.VendorCharacteristic, 0, len(vendor))
	for _, v := range vendor {
		reply = append(reply, hal.VendorCharacteristic{UUID: v.UUID, Value: v.Value, Reply: v.Value})
	}
	cb.OnOpened(handle, reply)
	return nil
}

func (a *Accelerator) CloseSession(handle uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, handle)
}

func (a *Accelerator) UpdateChannelSoundingConfig(handle uint16, cfg hal.ChannelSoundingConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.sessions[handle]; s != nil {
		s.config = &cfg
	}
}

func (a *Accelerator) UpdateConnInterval(handle, connInterval uint16) {
	log.Debug().Uint16("handle", handle).Uint16("conn_interval", connInterval).Msg("sim.Accelerator.updateConnInterval")
}

func (a *Accelerator) UpdateProcedureEnableConfig(handle uint16, cfg hci.ProcedureEnableComplete) {
	log.Debug().Uint16("handle", handle).Uint16("procedure_interval", cfg.ProcedureInterval).Msg("sim.Accelerator.updateProcedureEnableConfig")
}

func (a *Accelerator) WriteRawData(handle uint16, data hal.ProcedureData) {
	a.mu.Lock()
	s := a.sessions[handle]
	cb := a.cb
	if s == nil || cb == nil || data.Aborted {
		a.mu.Unlock()
		return
	}
	s.written++
	s.lastCount = data.ProcedureCounter
	offset := float64(data.ProcedureCounter%5) * 0.01
	result := hal.Result{
		DistanceMeters:      s.plan.DistanceM + offset,
		DistanceErrorMeters: 0.05,
		ConfidenceLevel:     90,
		TimestampNanos:      a.clock.Now().UnixNano(),
	}
	a.mu.Unlock()

	cb.OnResult(handle, result)
}

func (a *Accelerator) IsAbortedProcedureRequired(handle uint16) bool { return false }

// Configured reports whether a negotiated config reached the session.
func (a *Accelerator) Configured(handle uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sessions[handle]
	return s != nil && s.config != nil
}
