// Package channel implements dispatch (C4), the server channel (C5)
// and the per-function-code handlers (C6): routing PDU_RECEIVED /
// PDU_TRANSMITTED events from a bound rtu.Transport to a data model
// expressed as six optional callbacks plus an optional custom
// function-code handler, following the layout of the desktop
// simulator's Handler for the function codes both support (FC01–FC06).
package channel

import (
	"context"
	"encoding/binary"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/handle"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// Result is the taxonomy a data-model callback reports back to the
// function-code engine (§6).
type Result int

const (
	ResultOK Result = iota
	ResultIllegalDataAddress
	ResultDeviceFailure
)

// ReadBitFunc backs FC01/FC02 (read coil / read discrete input).
type ReadBitFunc func(address uint16) (bool, Result)

// WriteBitFunc backs FC05 (write single coil).
type WriteBitFunc func(address uint16, value bool) Result

// ReadRegisterFunc backs FC03/FC04 (read holding / input register).
type ReadRegisterFunc func(address uint16) (uint16, Result)

// WriteRegisterFunc backs FC06 (write single holding register).
type WriteRegisterFunc func(address uint16, value uint16) Result

// CustomFunc handles a function code the engine has no built-in
// support for. It receives the raw request PDU and returns a response
// PDU; handled=false means "decline": no response is sent, for a
// unicast or a broadcast request alike.
type CustomFunc func(req *modbus.ProtocolDataUnit) (resp *modbus.ProtocolDataUnit, handled bool)

// Callbacks is the channel context's data-model surface (§3): six
// optional per-element callbacks plus an optional custom handler. A
// nil callback for a function code the engine otherwise supports is
// treated as Illegal Function, per §4.4.
type Callbacks struct {
	ReadDiscreteInput    ReadBitFunc
	ReadCoil             ReadBitFunc
	WriteCoil            WriteBitFunc
	ReadInputRegister    ReadRegisterFunc
	ReadHoldingRegister  ReadRegisterFunc
	WriteHoldingRegister WriteRegisterFunc
	Custom               map[byte]CustomFunc
}

// TransmitTimeout bounds how long a response's Transmit call will wait
// for the transport to leave INIT (see rtu.Transport.Transmit).
// ClientBinding.Send also uses it as the response deadline when the
// caller's context carries none.
const TransmitTimeout = 2 * time.Second

// ServerChannel is the server-role channel context (C5): it answers
// PDU_RECEIVED with the function-code engine's response and requests
// the transport to transmit it.
type ServerChannel struct {
	transport *rtu.Transport
	callbacks Callbacks
}

// NewServerChannel builds a server channel for transport without
// binding it — see BindServer for the usual construction path, which
// also performs the transport<->channel cross-binding.
func NewServerChannel(transport *rtu.Transport, callbacks Callbacks) *ServerChannel {
	return &ServerChannel{transport: transport, callbacks: callbacks}
}

// BindServer wires transport and a new ServerChannel together through
// a shared handle.Arena, implementing Design Note 9's tagged-handle
// back-reference instead of a raw pointer cycle.
func BindServer(transport *rtu.Transport, callbacks Callbacks) (*ServerChannel, *handle.Arena[sched.Context]) {
	arena := handle.NewArena[sched.Context](1)
	ch := NewServerChannel(transport, callbacks)
	h := arena.Put(ch)
	transport.Bind(arena, h)
	return ch, arena
}

// PollDeadline/Poll make ServerChannel a sched.Context; a server
// channel never joins the polling set itself (only the transport
// does), so these are unused in practice but required by the
// interface the handle.Arena is typed over.
func (c *ServerChannel) PollDeadline() time.Time { return time.Now().Add(24 * time.Hour) }
func (c *ServerChannel) Poll()                   {}

// Handle implements sched.Context: the channel dispatch (§4.3).
func (c *ServerChannel) Handle(id sched.EventID) {
	switch id {
	case sched.PDUReceived:
		c.onPDUReceived()
	case sched.PDUTransmitted:
		// Stateless between requests (§4.4); nothing to do.
	}
}

func (c *ServerChannel) onPDUReceived() {
	address, function, data, ok := c.transport.RxPDU()
	if !ok {
		return
	}
	respFunction, respData, respond := c.dispatch(function, data)
	c.transport.ReceptionDone()

	if address == 0 || !respond {
		// Broadcast requests MUST NOT emit a response (§4.3).
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), TransmitTimeout)
	defer cancel()
	_ = c.transport.Transmit(ctx, c.transport.NodeAddr(), respFunction, respData)
}

// dispatch runs the function-code engine (§4.4) and returns the
// response function code, response data, and whether a response
// should be sent at all (false only for a declined custom function).
func (c *ServerChannel) dispatch(function byte, data []byte) (respFunction byte, respData []byte, respond bool) {
	switch function {
	case modbus.FuncCodeReadCoils:
		return c.readBits(function, data, 2000, c.callbacks.ReadCoil)
	case modbus.FuncCodeReadDiscreteInputs:
		return c.readBits(function, data, 2000, c.callbacks.ReadDiscreteInput)
	case modbus.FuncCodeReadHoldingRegisters:
		return c.readRegisters(function, data, c.callbacks.ReadHoldingRegister)
	case modbus.FuncCodeReadInputRegisters:
		return c.readRegisters(function, data, c.callbacks.ReadInputRegister)
	case modbus.FuncCodeWriteSingleCoil:
		return c.writeSingleCoil(function, data)
	case modbus.FuncCodeWriteSingleRegister:
		return c.writeSingleRegister(function, data)
	default:
		if fn, ok := c.callbacks.Custom[function]; ok {
			req := &modbus.ProtocolDataUnit{FunctionCode: function, Data: data}
			resp, handled := fn(req)
			if !handled {
				return function, nil, false
			}
			return resp.FunctionCode, resp.Data, true
		}
		return exception(function, modbus.ExceptionCodeIllegalFunction)
	}
}

func exception(function byte, code byte) (byte, []byte, bool) {
	return function | 0x80, []byte{code}, true
}

func resultToException(function byte, r Result) (byte, []byte, bool) {
	switch r {
	case ResultIllegalDataAddress:
		return exception(function, modbus.ExceptionCodeIllegalDataAddress)
	default:
		return exception(function, modbus.ExceptionCodeServerDeviceFailure)
	}
}

func (c *ServerChannel) readBits(function byte, data []byte, maxCount uint16, read ReadBitFunc) (byte, []byte, bool) {
	if read == nil {
		return exception(function, modbus.ExceptionCodeIllegalFunction)
	}
	if len(data) < 4 {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(data[0:2])
	count := binary.BigEndian.Uint16(data[2:4])
	if count < 1 || count > maxCount {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}

	byteCount := (count + 7) / 8
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i := uint16(0); i < count; i++ {
		value, result := read(start + i)
		if result != ResultOK {
			return resultToException(function, result)
		}
		if value {
			resp[1+i/8] |= 1 << (i % 8)
		}
	}
	return function, resp, true
}

func (c *ServerChannel) readRegisters(function byte, data []byte, read ReadRegisterFunc) (byte, []byte, bool) {
	if read == nil {
		return exception(function, modbus.ExceptionCodeIllegalFunction)
	}
	if len(data) < 4 {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(data[0:2])
	count := binary.BigEndian.Uint16(data[2:4])
	if count < 1 || count > 125 {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}

	resp := make([]byte, 1+2*count)
	resp[0] = byte(2 * count)
	for i := uint16(0); i < count; i++ {
		value, result := read(start + i)
		if result != ResultOK {
			return resultToException(function, result)
		}
		binary.BigEndian.PutUint16(resp[1+2*i:], value)
	}
	return function, resp, true
}

func (c *ServerChannel) writeSingleCoil(function byte, data []byte) (byte, []byte, bool) {
	if c.callbacks.WriteCoil == nil {
		return exception(function, modbus.ExceptionCodeIllegalFunction)
	}
	if len(data) < 4 {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	raw := binary.BigEndian.Uint16(data[2:4])
	var value bool
	switch raw {
	case 0x0000:
		value = false
	case 0xFF00:
		value = true
	default:
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}
	if result := c.callbacks.WriteCoil(address, value); result != ResultOK {
		return resultToException(function, result)
	}
	echoed := append([]byte(nil), data...)
	return function, echoed, true
}

func (c *ServerChannel) writeSingleRegister(function byte, data []byte) (byte, []byte, bool) {
	if c.callbacks.WriteHoldingRegister == nil {
		return exception(function, modbus.ExceptionCodeIllegalFunction)
	}
	if len(data) < 4 {
		return exception(function, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])
	if result := c.callbacks.WriteHoldingRegister(address, value); result != ResultOK {
		return resultToException(function, result)
	}
	echoed := append([]byte(nil), data...)
	return function, echoed, true
}
