package distance

import (
	"math"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/rs/zerolog"
)

const (
	csConfigID          uint8  = 0
	csCreateContext     uint8  = 1
	csMainModeType      uint8  = 2
	csSubModeType       uint8  = 0xFF
	csMinMainModeSteps  uint8  = 2
	csMaxMainModeSteps  uint8  = 5
	csMainModeRepeat    uint8  = 0
	csMode0Steps        uint8  = 3
	csRttType           uint8  = 0
	csSyncPhy           uint8  = 1
	csChannelMapRepeat  uint8  = 1
	csChannelSelection  uint8  = 0
	csCh3cShape         uint8  = 0
	csCh3cJump          uint8  = 2
	csRoleEnableBoth    uint8  = 0x03
	csSyncAntennaAny    uint8  = 0xFF
	csMinSubeventLen    uint32 = 1250
	csMaxSubeventLen    uint32 = 0x3D090
	csPhy1M             uint8  = 1
	csTxPowerDeltaNone  uint8  = 0x80
	csPreferredAntenna  uint8  = 1
	csToneAntennaConfig uint8  = 0
	csMaxProcedureCount uint16 = 0
)

// procedureBuffer accumulates subevent steps until a procedure completes.
type procedureBuffer struct {
	active   bool
	counter  uint16
	refPower int8
	steps    []byte
}

type session struct {
	id         string
	remote     hci.Address
	handle     uint16
	role       hci.Role
	intervalMs uint16
	method     Method
	stage      Stage
	createdAt  time.Time

	connInterval uint16
	attHandle    uint16
	vendorData   []hal.VendorCharacteristic
	remoteCaps   hci.Capabilities
	config       hci.ConfigComplete

	configRetry immediateRetry
	enableRetry timedRetry
	timer       *handler.Timer

	// channelOpen is set once Open was issued and cleared on close or disconnect.
	channelOpen          bool
	// acceleratorRequested is set once OpenSession was issued.
	acceleratorRequested bool
	acceleratorOpen      bool
	// procedureRequested is set while the controller may hold an enabled procedure.
	procedureRequested   bool

	pending procedureBuffer
	results uint64
}

func (s *session) log(e *zerolog.Event) *zerolog.Event {
	return e.
		Str("session_id", s.id).
		Str("remote", s.remote.String()).
		Uint16("handle", s.handle).
		Str("stage", s.stage.String())
}

func (s *session) info(retryArmed bool) SessionInfo {
	return SessionInfo{
		ID:              s.id,
		Remote:          s.remote,
		Handle:          s.handle,
		Role:            s.role.String(),
		IntervalMs:      s.intervalMs,
		Method:          s.method,
		Stage:           s.stage,
		ConnInterval:    s.connInterval,
		ConfigRetries:   s.configRetry.count,
		EnableRetries:   s.enableRetry.count,
		AcceleratorOpen: s.acceleratorOpen,
		RetryArmed:      retryArmed,
		Results:         s.results,
		CreatedAt:       s.createdAt,
	}
}

func (s *session) csRole() hci.CSRole {
	if s.role == hci.RoleCentral {
		return hci.CSRoleInitiator
	}
	return hci.CSRoleReflector
}

func (s *session) createConfigCommand(channelMap hci.ChannelMap) hci.CreateConfig {
	return hci.CreateConfig{
		ConnectionHandle:     s.handle,
		ConfigID:             csConfigID,
		CreateContext:        csCreateContext,
		MainModeType:         csMainModeType,
		SubModeType:          csSubModeType,
		MinMainModeSteps:     csMinMainModeSteps,
		MaxMainModeSteps:     csMaxMainModeSteps,
		MainModeRepetition:   csMainModeRepeat,
		Mode0Steps:           csMode0Steps,
		Role:                 s.csRole(),
		RttType:              csRttType,
		SyncPhy:              csSyncPhy,
		ChannelMap:           channelMap,
		ChannelMapRepetition: csChannelMapRepeat,
		ChannelSelectionType: csChannelSelection,
		Ch3cShape:            csCh3cShape,
		Ch3cJump:             csCh3cJump,
	}
}

func (s *session) procedureParametersCommand(local hci.Capabilities) hci.SetProcedureParameters {
	minInterval := MinProcedureInterval(s.intervalMs, s.connInterval)
	snr := SelectSnrControl(local.TxSnrCapability, s.remoteCaps.TxSnrCapability)
	return hci.SetProcedureParameters{
		ConnectionHandle:           s.handle,
		ConfigID:                   csConfigID,
		MaxProcedureLen:            maxProcedureLen(s.connInterval),
		MinProcedureInterval:       minInterval,
		MaxProcedureInterval:       minInterval,
		MaxProcedureCount:          csMaxProcedureCount,
		MinSubeventLen:             csMinSubeventLen,
		MaxSubeventLen:             csMaxSubeventLen,
		ToneAntennaConfigSelection: csToneAntennaConfig,
		Phy:                        csPhy1M,
		TxPowerDelta:               csTxPowerDeltaNone,
		PreferredPeerAntenna:       csPreferredAntenna,
		SnrControlInitiator:        snr,
		SnrControlReflector:        snr,
	}
}

// MinProcedureInterval converts a measurement interval in milliseconds into
// connection events. connInterval is in 1.25 ms units. The result is at least 1.
func MinProcedureInterval(intervalMs, connInterval uint16) uint16 {
	if connInterval == 0 {
		return 1
	}
	v := math.Round(float64(intervalMs) / (float64(connInterval) * 1.25))
	if v < 1 {
		return 1
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// maxProcedureLen allows two connection events, in 0.625 ms units.
func maxProcedureLen(connInterval uint16) uint16 {
	v := uint32(connInterval) * 2
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	if v == 0 {
		return 1
	}
	return uint16(v)
}

// SelectSnrControl picks the lowest SNR level both sides support. Either side
// lacking the capability disables SNR control.
func SelectSnrControl(local, remote *uint8) hci.SnrControl {
	if local == nil || remote == nil {
		return hci.SnrControlNotApplied
	}
	common := *local & *remote
	for bit := hci.Snr18dB; bit <= hci.Snr30dB; bit++ {
		if common&(1<<uint8(bit)) != 0 {
			return bit
		}
	}
	return hci.SnrControlNotApplied
}
