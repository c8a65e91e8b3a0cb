// Package bridge implements hal.Accelerator against an out-of-process vendor
// ranging daemon. Calls are framed with the frame package and carry protobuf
// wire payloads; notifications flow back on the same stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hal/frame"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/rs/zerolog/log"
)

var (
	ErrHandshake = errors.New("bridge: handshake failed")
	ErrClosed    = errors.New("bridge: connection closed")
)

var _ hal.Accelerator = (*Client)(nil)

// Client is a hal.Accelerator backed by a framed stream.
type Client struct {
	conn   io.ReadWriteCloser
	limits frame.Limits

	writeMu sync.Mutex
	nextID  atomic.Uint32
	bound   atomic.Bool

	mu            sync.RWMutex
	cb            hal.Callback
	version       hal.Version
	vendor        []hal.VendorCharacteristic
	abortRequired map[uint16]bool
}

// Bridge client constructor over an established stream.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn:          conn,
		limits:        frame.DefaultLimits(),
		version:       hal.V1,
		abortRequired: make(map[uint16]bool),
	}
}

// Dial connects to the daemon and completes the hello exchange.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("bridge dial %s %s: %w", network, addr, err)
	}
	c := NewClient(conn)
	if err := c.Handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake reads the daemon hello carrying version and vendor characteristics.
func (c *Client) Handshake(ctx context.Context) error {
	if dc, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = dc.SetReadDeadline(deadline)
			defer dc.SetReadDeadline(time.Time{})
		}
	}
	f, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Header.MessageType != frame.TypeHello {
		return fmt.Errorf("%w: unexpected %s", ErrHandshake, f.Header.MessageType)
	}
	var hello helloMsg
	if err := hello.unmarshal(f.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hello.Version < hal.V1 {
		return fmt.Errorf("%w: version %d", ErrHandshake, hello.Version)
	}
	c.mu.Lock()
	c.version = hello.Version
	c.vendor = hello.Vendor
	c.mu.Unlock()
	c.bound.Store(true)
	log.Info().
		Str("version", hello.Version.String()).
		Int("vendor_characteristics", len(hello.Vendor)).
		Msg("bridge.Client.handshake")
	return nil
}

// Serve dispatches daemon notifications until ctx ends or the stream closes.
func (c *Client) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	for {
		f, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			c.bound.Store(false)
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge read: %w", err)
		}
		if err := c.dispatch(f); err != nil {
			log.Warn().Err(err).Str("type", f.Header.MessageType.String()).Msg("bridge.Client.serve dropped frame")
		}
	}
}

func (c *Client) dispatch(f frame.Frame) error {
	handle := f.Header.ConnectionHandle
	cb := c.callback()
	switch f.Header.MessageType {
	case frame.TypeOpened:
		var m openedMsg
		if err := m.unmarshal(f.Payload); err != nil {
			return err
		}
		c.mu.Lock()
		c.abortRequired[handle] = m.AbortedProcedureNeeded
		c.mu.Unlock()
		if cb != nil {
			cb.OnOpened(handle, m.Reply)
		}
	case frame.TypeOpenFailed:
		if cb != nil {
			cb.OnOpenFailed(handle)
		}
	case frame.TypeResult:
		r, err := unmarshalResult(f.Payload)
		if err != nil {
			return err
		}
		if cb != nil {
			cb.OnResult(handle, r)
		}
	default:
		return fmt.Errorf("bridge: unexpected notification %s", f.Header.MessageType)
	}
	return nil
}

func (c *Client) Close() error {
	c.bound.Store(false)
	return c.conn.Close()
}

func (c *Client) IsBound() bool {
	return c.bound.Load()
}

func (c *Client) Version() hal.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Client) VendorCharacteristics() []hal.VendorCharacteristic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]hal.VendorCharacteristic, len(c.vendor))
	copy(out, c.vendor)
	return out
}

func (c *Client) RegisterCallback(cb hal.Callback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Client) callback() hal.Callback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cb
}

func (c *Client) OpenSession(handle, attHandle uint16, vendor []hal.VendorCharacteristic) error {
	if !c.IsBound() {
		return hal.ErrNotBound
	}
	return c.send(frame.TypeOpenSession, handle, openSessionMsg{ATTHandle: attHandle, Vendor: vendor}.marshal())
}

func (c *Client) CloseSession(handle uint16) {
	c.mu.Lock()
	delete(c.abortRequired, handle)
	c.mu.Unlock()
	c.post(frame.TypeCloseSession, handle, nil)
}

func (c *Client) UpdateChannelSoundingConfig(handle uint16, cfg hal.ChannelSoundingConfig) {
	c.post(frame.TypeUpdateConfig, handle, marshalConfig(cfg))
}

func (c *Client) UpdateConnInterval(handle, connInterval uint16) {
	c.post(frame.TypeUpdateConnInterval, handle, marshalConnInterval(connInterval))
}

func (c *Client) UpdateProcedureEnableConfig(handle uint16, cfg hci.ProcedureEnableComplete) {
	c.post(frame.TypeUpdateProcedureEnable, handle, marshalProcedureEnable(cfg))
}

func (c *Client) WriteRawData(handle uint16, data hal.ProcedureData) {
	c.post(frame.TypeWriteRawData, handle, marshalRawData(data))
}

func (c *Client) IsAbortedProcedureRequired(handle uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortRequired[handle]
}

// post sends a fire-and-forget call; failures unbind the client.
func (c *Client) post(typ frame.MessageType, handle uint16, payload []byte) {
	if !c.IsBound() {
		return
	}
	if err := c.send(typ, handle, payload); err != nil {
		log.Error().Err(err).Str("type", typ.String()).Uint16("handle", handle).Msg("bridge.Client.post failed")
	}
}

func (c *Client) send(typ frame.MessageType, handle uint16, payload []byte) error {
	f := frame.Frame{
		Header: frame.Header{
			MessageType:      typ,
			ConnectionHandle: handle,
			MessageID:        c.nextID.Add(1),
		},
		Payload: payload,
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.WriteFrame(c.conn, f, c.limits); err != nil {
		c.bound.Store(false)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}
