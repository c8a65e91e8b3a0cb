// Package ras models the ranging control channel (Ranging Service client)
// that carries procedure data between peers. The channel is opened per remote
// and reports its lifecycle through Connected and Disconnected events.
package ras

import (
	"fmt"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
)

// Channel opens and closes the control channel to a peer. Lifecycle events are
// delivered asynchronously by the implementation.
type Channel interface {
	Open(remote hci.Address, handle uint16) error
	Close(remote hci.Address)
	// SendVendorReply writes accelerator-provided vendor replies to the peer.
	SendVendorReply(remote hci.Address, reply []hal.VendorCharacteristic) error
}

// Connected reports a usable control channel.
type Connected struct {
	Remote           hci.Address
	ConnectionHandle uint16
	ATTHandle        uint16
	VendorData       []hal.VendorCharacteristic
	// ConnInterval is in 1.25 ms units.
	ConnInterval uint16
}

type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	// ReasonServerNotAvailable means the peer does not host the ranging service.
	ReasonServerNotAvailable
	ReasonLinkLost
	ReasonRemoteClosed
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonServerNotAvailable:
		return "server_not_available"
	case ReasonLinkLost:
		return "link_lost"
	case ReasonRemoteClosed:
		return "remote_closed"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ParseDisconnectReason accepts the names produced by String.
func ParseDisconnectReason(raw string) (DisconnectReason, error) {
	switch raw {
	case "server_not_available":
		return ReasonServerNotAvailable, nil
	case "link_lost":
		return ReasonLinkLost, nil
	case "remote_closed":
		return ReasonRemoteClosed, nil
	case "unknown", "":
		return ReasonUnknown, nil
	default:
		return 0, fmt.Errorf("ras: unknown disconnect reason %q", raw)
	}
}

type Disconnected struct {
	Remote hci.Address
	Reason DisconnectReason
}
