package sim

import (
	"fmt"
	"sync"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/ras"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const simATTHandle uint16 = 0x0010

// peerCharacteristic identifies the vendor blob every simulated peer exposes.
var peerCharacteristic = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

// Channel is a scripted ranging control channel. Open answers immediately
// through the sink.
type Channel struct {
	mu      sync.Mutex
	sc      *Scenario
	sink    EventSink
	open    map[hci.Address]bool
	replies map[hci.Address]int
}

func NewChannel(sc *Scenario) *Channel {
	return &Channel{
		sc:      sc,
		open:    make(map[hci.Address]bool),
		replies: make(map[hci.Address]int),
	}
}

func (c *Channel) SetSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Channel) Open(remote hci.Address, handle uint16) error {
	c.mu.Lock()
	sink := c.sink
	if sink == nil {
		c.mu.Unlock()
		return ErrNoSink
	}
	plan, ok := c.sc.PlanFor(remote)
	if !ok || plan.Handle != handle {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s handle %d", ErrUnknownPeer, remote, handle)
	}
	if plan.Faults.RasServerNotAvailable {
		c.mu.Unlock()
		log.Debug().Str("remote", remote.String()).Msg("sim.Channel.open server not available")
		sink.HandleRasDisconnected(ras.Disconnected{Remote: remote, Reason: ras.ReasonServerNotAvailable})
		return nil
	}
	c.open[remote] = true
	c.mu.Unlock()

	log.Debug().Str("remote", remote.String()).Uint16("handle", handle).Msg("sim.Channel.open")
	sink.HandleRasConnected(ras.Connected{
		Remote:           remote,
		ConnectionHandle: handle,
		ATTHandle:        simATTHandle,
		VendorData: []hal.VendorCharacteristic{{
			UUID:  peerCharacteristic,
			Value: []byte(remote.String()),
		}},
		ConnInterval: plan.ConnInterval,
	})
	return nil
}

func (c *Channel) Close(remote hci.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, remote)
}

func (c *Channel) SendVendorReply(remote hci.Address, reply []hal.VendorCharacteristic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open[remote] {
		return fmt.Errorf("%w: %s", ErrNotOpen, remote)
	}
	c.replies[remote] += len(reply)
	return nil
}

// Replies reports how many vendor replies were written to remote.
func (c *Channel) Replies(remote hci.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies[remote]
}

// IsOpen reports whether the channel to remote is currently open.
func (c *Channel) IsOpen(remote hci.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[remote]
}
