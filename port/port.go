// Package port abstracts the UART hardware driver consumed by the rtu
// transport state machine: byte transmit/receive and a free-running
// 20 kHz tick counter. Production code backs it with go.bug.st/serial;
// tests and the demo CLI back it with a creack/pty loopback pair.
package port

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Parity is the serial line parity setting for a SerialPort.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits is the number of stop bits a SerialPort uses per frame.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// RS485Config holds half-duplex direction-control parameters for
// transports run over an RS-485 line, grounded in the rqst_pause /
// delay_rts_before_send knobs the wider corpus's gateway exposes for
// serial downstreams.
type RS485Config struct {
	// DelayRTSBeforeSend is slept before the first transmitted byte,
	// letting line drivers settle. SerialPort does not drive the RTS
	// line itself; only the delay is applied.
	DelayRTSBeforeSend time.Duration
	// DelayRTSAfterSend is slept after the last transmitted byte,
	// before the tx-complete callback runs.
	DelayRTSAfterSend time.Duration
}

// Config configures a Port at construction.
type Config struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
	RS485    *RS485Config
}

// Clock reads a monotonic counter that increments at 20 kHz (50 µs per
// tick) and wraps modulo 2^16. The rtu transport performs all timing
// arithmetic through modulo-2^16 subtraction so wraparound needs no
// special casing at the call site.
type Clock func() uint16

// Port is the hardware abstraction the rtu transport drives. RxData
// delivers received bytes to a caller-registered callback; Write
// transmits and TxDone signals completion through the same callback
// mechanism, standing in for the UART's rx-data and tx-complete
// interrupt callbacks.
type Port interface {
	// Write transmits data and blocks until accepted by the driver
	// (not until fully on the wire); completion is reported through
	// the onTxDone callback, which SerialPort and Loopback invoke
	// before Write returns.
	Write(data []byte) error
	// SetCallbacks registers the rx-data and tx-complete callbacks.
	// The port invokes onRxData once per read, possibly with more
	// than one byte, and onTxDone once per completed Write.
	SetCallbacks(onRxData func(data []byte), onTxDone func())
	// Clock returns the port's tick source.
	Clock() Clock
	// Close releases the underlying device.
	Close() error
}

// SerialPort implements Port over go.bug.st/serial, the real UART
// driver cmd/gatewayd opens against a physical or virtual tty.
type SerialPort struct {
	mu       sync.Mutex
	port     serial.Port
	cfg      Config
	onRxData func([]byte)
	onTxDone func()
	clock    Clock
	closed   chan struct{}
}

// OpenSerialPort opens name (e.g. "/dev/ttyUSB0") with cfg and starts a
// background reader goroutine that stands in for the UART rx
// interrupt: each successful Read invokes the registered onRxData
// callback synchronously, exactly as the byte-reception contract
// requires.
func OpenSerialPort(name string, cfg Config) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   toSerialParity(cfg.Parity),
		StopBits: toSerialStopBits(cfg.StopBits),
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("port: opening %s: %w", name, err)
	}
	sp := &SerialPort{
		port:   p,
		cfg:    cfg,
		closed: make(chan struct{}),
		clock:  SystemClock(),
	}
	go sp.readLoop()
	return sp, nil
}

func (p *SerialPort) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			select {
			case <-p.closed:
				return
			default:
				continue
			}
		}
		p.mu.Lock()
		cb := p.onRxData
		p.mu.Unlock()
		if cb != nil {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			cb(frame)
		}
	}
}

func (p *SerialPort) Write(data []byte) error {
	if rs := p.cfg.RS485; rs != nil {
		if rs.DelayRTSBeforeSend > 0 {
			time.Sleep(rs.DelayRTSBeforeSend)
		}
	}
	_, err := p.port.Write(data)
	if err != nil {
		return fmt.Errorf("port: write: %w", err)
	}
	if rs := p.cfg.RS485; rs != nil && rs.DelayRTSAfterSend > 0 {
		time.Sleep(rs.DelayRTSAfterSend)
	}
	p.mu.Lock()
	cb := p.onTxDone
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (p *SerialPort) SetCallbacks(onRxData func(data []byte), onTxDone func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRxData = onRxData
	p.onTxDone = onTxDone
}

func (p *SerialPort) Clock() Clock {
	return p.clock
}

func (p *SerialPort) Close() error {
	close(p.closed)
	return p.port.Close()
}

// SystemClock returns a Clock driven by the wall clock, for Port
// implementations (like Loopback) that don't have their own hardware
// tick source to report.
func SystemClock() Clock {
	start := time.Now()
	return func() uint16 {
		return uint16(time.Since(start) / (50 * time.Microsecond))
	}
}

func toSerialParity(p Parity) serial.Parity {
	switch p {
	case OddParity:
		return serial.OddParity
	case EvenParity:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func toSerialStopBits(s StopBits) serial.StopBits {
	if s == TwoStopBits {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
