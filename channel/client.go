package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/handle"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// ErrTimeout is returned by Await when no matching response arrives
// before the pending request's deadline.
var ErrTimeout = errors.New("channel: response timeout")

// ErrTransport wraps the error Send returns when the transport rejects
// or fails the request's Transmit; no request is left pending then.
var ErrTransport = errors.New("channel: transport error")

// pendingRequest is the client channel's pending-request descriptor
// (§4.5): the slave address and function code it expects back, plus
// its deadline.
type pendingRequest struct {
	slaveAddr byte
	function  byte
	deadline  time.Time
	done      chan result
}

type result struct {
	pdu *modbus.ProtocolDataUnit
	err error
}

// ClientBinding is the client-role channel context (boundary only,
// §4.5): it owns at most one pending request at a time and completes
// it from the transport's PDU_RECEIVED/PDU_TRANSMITTED events. It is
// the master-side counterpart to ServerChannel, giving the embedded
// transport somewhere to dispatch events when bound in the client
// role; it does not implement retry/backoff policy, which is left to
// the caller driving Send/Await.
type ClientBinding struct {
	transport *rtu.Transport

	mu      sync.Mutex
	pending *pendingRequest
}

// NewClientBinding constructs an unbound client channel.
func NewClientBinding(transport *rtu.Transport) *ClientBinding {
	return &ClientBinding{transport: transport}
}

// BindClient wires transport and a new ClientBinding together through
// a shared handle.Arena (Design Note 9), mirroring BindServer.
func BindClient(transport *rtu.Transport) (*ClientBinding, *handle.Arena[sched.Context]) {
	arena := handle.NewArena[sched.Context](1)
	cb := NewClientBinding(transport)
	h := arena.Put(cb)
	transport.Bind(arena, h)
	return cb, arena
}

// PollDeadline/Poll satisfy sched.Context; a client channel never
// joins the polling set itself.
func (c *ClientBinding) PollDeadline() time.Time { return time.Now().Add(24 * time.Hour) }
func (c *ClientBinding) Poll()                   {}

// Handle implements sched.Context (§4.5's on-PDU_TRANSMITTED /
// on-PDU_RECEIVED contract).
func (c *ClientBinding) Handle(id sched.EventID) {
	switch id {
	case sched.PDUTransmitted:
		// The response-timeout timer is the pending request's
		// deadline, already armed by Send; no further action needed
		// here beyond the ordering guarantee that reception_done
		// precedes the matching transmit, which the transport itself
		// enforces.
	case sched.PDUReceived:
		c.onPDUReceived()
	}
}

func (c *ClientBinding) onPDUReceived() {
	address, function, data, ok := c.transport.RxPDU()
	if !ok {
		return
	}
	defer c.transport.ReceptionDone()

	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil {
		return
	}
	if address != p.slaveAddr {
		return
	}
	if function != p.function && function != p.function|0x80 {
		return
	}

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	if function&0x80 != 0 && len(data) >= 1 {
		p.done <- result{err: &modbus.ModbusError{FunctionCode: function &^ 0x80, ExceptionCode: data[0]}}
		return
	}
	p.done <- result{pdu: &modbus.ProtocolDataUnit{FunctionCode: function, Data: data}}
}

// Send transmits a request PDU to slaveAddr and arms the pending-
// request descriptor for the matching response; Await on the returned
// handle blocks for the response, a protocol exception, or a timeout.
// A transport-level failure is returned by Send itself, wrapped in
// ErrTransport.
func (c *ClientBinding) Send(ctx context.Context, slaveAddr byte, function byte, data []byte) (*pendingRequest, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel: a request is already pending")
	}
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(TransmitTimeout)
	}
	p := &pendingRequest{slaveAddr: slaveAddr, function: function, deadline: deadline, done: make(chan result, 1)}
	c.pending = p
	c.mu.Unlock()

	if err := c.transport.Transmit(ctx, slaveAddr, function, data); err != nil {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return p, nil
}

// Await blocks until p's response arrives, ctx is cancelled, or the
// pending request's deadline passes. A response whose function code
// carries the exception bit is surfaced as a *modbus.ModbusError
// rather than a successful PDU.
func (c *ClientBinding) Await(ctx context.Context, p *pendingRequest) (*modbus.ProtocolDataUnit, error) {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()
	select {
	case r := <-p.done:
		return r.pdu, r.err
	case <-timer.C:
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}
