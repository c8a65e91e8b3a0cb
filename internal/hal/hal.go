// Package hal is the typed boundary to the vendor ranging accelerator.
//
// Ownership boundary:
// - accelerator session open/close per connection handle
// - forwarding of negotiated configuration and raw procedure data
// - open confirmations and distance results through Callback
//
// Callback methods may run on any goroutine. Receivers repost them before
// touching session state.
package hal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/rangectl/internal/hci"
	"github.com/google/uuid"
)

var (
	ErrNotBound       = errors.New("hal: accelerator not bound")
	ErrSessionExists  = errors.New("hal: session already open")
	ErrUnknownSession = errors.New("hal: unknown session")
)

// Version is the accelerator interface revision.
type Version int

const (
	V1 Version = 1
	// V2 adds transmit SNR control negotiation.
	V2 Version = 2
)

func ParseVersion(raw string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "v1":
		return V1, nil
	case "2", "v2", "":
		return V2, nil
	default:
		return 0, fmt.Errorf("hal: unknown version %q", raw)
	}
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", int(v))
}

// SupportsSnrControl reports whether the version carries the SNR capability field.
func (v Version) SupportsSnrControl() bool {
	return v >= V2
}

// VendorCharacteristic is an opaque vendor blob exchanged over the ranging
// control channel, keyed by characteristic UUID.
type VendorCharacteristic struct {
	UUID  uuid.UUID
	Value []byte
	Reply []byte
}

// ChannelSoundingConfig is forwarded once the controller settles a config.
type ChannelSoundingConfig struct {
	Config       hci.ConfigComplete
	LocalTSW     uint8
	RemoteTSW    uint8
	ConnInterval uint16
}

// ProcedureData is the raw step data of one finished or aborted procedure.
type ProcedureData struct {
	ProcedureCounter    uint16
	ReferencePowerLevel int8
	Aborted             bool
	AbortReason         uint8
	Steps               []byte
}

// Result is one distance estimate produced by the accelerator.
type Result struct {
	DistanceMeters      float64
	DistanceErrorMeters float64
	AzimuthDegrees      float64
	AltitudeDegrees     float64
	ConfidenceLevel     float64
	TimestampNanos      int64
}

// Callback receives asynchronous accelerator notifications.
type Callback interface {
	// OnOpened confirms a session. reply holds vendor characteristics that must
	// be written back to the peer, and may be empty.
	OnOpened(handle uint16, reply []VendorCharacteristic)
	OnOpenFailed(handle uint16)
	OnResult(handle uint16, result Result)
}

// Accelerator is the ranging HAL.
type Accelerator interface {
	IsBound() bool
	Version() Version
	VendorCharacteristics() []VendorCharacteristic
	RegisterCallback(cb Callback)
	OpenSession(handle, attHandle uint16, vendor []VendorCharacteristic) error
	CloseSession(handle uint16)
	UpdateChannelSoundingConfig(handle uint16, cfg ChannelSoundingConfig)
	UpdateConnInterval(handle, connInterval uint16)
	UpdateProcedureEnableConfig(handle uint16, cfg hci.ProcedureEnableComplete)
	WriteRawData(handle uint16, data ProcedureData)
	IsAbortedProcedureRequired(handle uint16) bool
}
