// Package rtu implements the RTU transport state machine (component
// C3): the inter-character/inter-frame timing rules, CRC-protected
// framing, and the single reusable packet buffer shared between the
// port's rx callback (standing in for a UART ISR) and the task-level
// validator, scheduled through package sched.
package rtu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/handle"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// Role distinguishes a server (slave) transport from a client (master)
// transport; exactly one channel kind binds to a transport of either
// role (invariant 2).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// State is one state of the RTU frame state machine (§4.2).
type State int

const (
	StateInit State = iota
	StateIdle
	StateReception
	StateValidation
	StateTransmission
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIdle:
		return "IDLE"
	case StateReception:
		return "RECEPTION"
	case StateValidation:
		return "VALIDATION"
	case StateTransmission:
		return "TRANSMISSION"
	default:
		return "UNKNOWN"
	}
}

// ErrNotReady is returned by Transmit when the transport is still in
// INIT (waiting out the initial 3.5-char silence) and the caller's
// context expires before the INIT→IDLE transition.
var ErrNotReady = errors.New("rtu: transport not ready (still in INIT)")

// ErrBusy is returned by Transmit when a transmission is already in
// flight (P5: only the first of concurrent Transmit calls succeeds).
var ErrBusy = errors.New("rtu: transmission already in progress")

// ErrNotIdle is returned by Transmit when the transport is not in a
// state that allows starting a transmission.
var ErrNotIdle = errors.New("rtu: transport is not idle")

// Stats counts frame outcomes for observability, since the core state
// machine itself raises no log lines (§7).
type Stats struct {
	FramesAccepted          uint64
	FramesDiscardedCRC      uint64
	FramesDiscardedTimeout  uint64
	FramesDiscardedAddress  uint64
	FramesDiscardedOverflow uint64
}

// bufferSize is the maximum ADU size: 1 address + 1 function + 252
// data + 2 CRC.
const bufferSize = 256

// Transport is the RTU frame state machine bound to one port. It
// implements sched.Context so the scheduler can dispatch its own
// START_POLLING/STOP_POLLING-driven wake-ups (end-of-frame detection);
// PDU_RECEIVED/PDU_TRANSMITTED are posted to the bound channel, not to
// the transport itself.
type Transport struct {
	role     Role
	nodeAddr byte
	timing   Timing
	clock    port.Clock
	prt      port.Port
	queue    *sched.Queue

	mu sync.Mutex

	// --- fields mutated only by the port's rx callback while
	// state ∈ {Idle, Reception} (the "ISR-write side") ---
	rxBuf      [bufferSize]byte
	rxCursor   int
	rxOK       bool
	lastRxTime uint16
	prevRxTime uint16

	// --- fields mutated by the task side; state is also advanced by
	// the port's rx and tx-complete callbacks, under mu ---
	state     State
	initStart uint16
	txBuf     [bufferSize]byte
	txLen     int

	txInProgress uint32 // accessed via sync/atomic CAS (P5)

	channelArena  *handle.Arena[sched.Context]
	channelHandle handle.Handle

	initDone chan struct{}
	stats    Stats
}

// New constructs a Transport in state INIT, registers its callbacks
// with prt, and starts the initial 3.5-char silence watch.
func New(role Role, nodeAddr byte, baud int, prt port.Port, queue *sched.Queue) *Transport {
	t := &Transport{
		role:     role,
		nodeAddr: nodeAddr,
		timing:   ComputeTiming(baud),
		clock:    prt.Clock(),
		prt:      prt,
		queue:    queue,
		initDone: make(chan struct{}),
	}
	t.state = StateInit
	t.initStart = t.clock()
	prt.SetCallbacks(t.onRxData, t.onTxComplete)
	queue.Post(t, sched.StartPolling)
	return t
}

// Bind attaches the channel this transport dispatches PDU_RECEIVED and
// PDU_TRANSMITTED events to. Per Design Note 9, the back-reference is
// a generation-counted Handle into arena, not a raw pointer, so a torn
//-down channel cannot be use-after-freed by a transport that still
// holds a stale reference.
func (t *Transport) Bind(arena *handle.Arena[sched.Context], h handle.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelArena = arena
	t.channelHandle = h
}

// Unbind releases the channel back-reference (teardown, reverse order
// of Lifecycle in §3).
func (t *Transport) Unbind() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelArena = nil
	t.channelHandle = handle.Handle{}
}

func (t *Transport) postToChannel(id sched.EventID) {
	t.mu.Lock()
	arena, h := t.channelArena, t.channelHandle
	t.mu.Unlock()
	if arena == nil {
		return
	}
	ch, ok := arena.Get(h)
	if !ok {
		return
	}
	t.queue.Post(ch, id)
}

// Stats returns a snapshot of frame-outcome counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// State returns the transport's current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// onRxData is the byte-reception contract (§4.2), invoked by the
// port's reader goroutine standing in for the UART rx interrupt.
func (t *Transport) onRxData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.prevRxTime = t.lastRxTime
	t.lastRxTime = now

	switch t.state {
	case StateReception:
		if elapsed(now, t.prevRxTime) >= t.timing.T1_5 {
			t.rxOK = false
			t.stats.FramesDiscardedTimeout++
		}
		if t.rxCursor+len(data) > bufferSize {
			t.rxOK = false
			t.stats.FramesDiscardedOverflow++
		}
		if t.rxOK {
			copy(t.rxBuf[t.rxCursor:], data)
			t.rxCursor += len(data)
		}
		// Re-arm the end-of-frame watch against the byte just
		// received: the scheduled wake this replaces the busy poll
		// with must track the latest last_rx_time, not the one in
		// effect when RECEPTION was first entered.
		t.queue.PostFromISR(t, sched.StartPolling)
	case StateIdle:
		n := copy(t.rxBuf[:], data)
		t.rxCursor = n
		t.rxOK = true
		t.state = StateReception
		t.queue.PostFromISR(t, sched.StartPolling)
	default:
		// Line owned by tx or the validator; ignore.
	}
}

// onTxComplete is the tx-complete contract (§4.2), invoked by the
// port once a Transmit's bytes have been fully accepted by the
// driver.
func (t *Transport) onTxComplete() {
	t.mu.Lock()
	t.state = StateIdle
	t.mu.Unlock()
	atomicStoreFalse(&t.txInProgress)
	t.postToChannel(sched.PDUTransmitted)
}

// PollDeadline implements sched.Context: the next time this transport
// should be woken to check for 3.5-char silence.
func (t *Transport) PollDeadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ticksSince uint16
	switch t.state {
	case StateInit:
		ticksSince = elapsed(t.clock(), t.initStart)
	default:
		ticksSince = elapsed(t.clock(), t.lastRxTime)
	}
	remaining := int(t.timing.T3_5) - int(ticksSince)
	if remaining < 0 {
		remaining = 0
	}
	return time.Now().Add(time.Duration(remaining) * 50 * time.Microsecond)
}

// Poll implements sched.Context: end-of-frame / INIT-silence
// detection (§4.2, task context).
func (t *Transport) Poll() {
	t.mu.Lock()
	now := t.clock()

	switch t.state {
	case StateInit:
		if elapsed(now, t.initStart) >= t.timing.T3_5 {
			t.state = StateIdle
			t.mu.Unlock()
			close(t.initDone)
			t.queue.Post(t, sched.StopPolling)
			return
		}
		t.mu.Unlock()
		// Silence not reached yet: re-arm for the remaining time.
		t.queue.Post(t, sched.StartPolling)
		return

	case StateReception:
		if elapsed(now, t.lastRxTime) >= t.timing.T3_5 {
			ok := t.rxOK
			if ok {
				t.state = StateValidation
			} else {
				t.state = StateIdle
				t.stats.FramesDiscardedTimeout++
			}
			t.mu.Unlock()
			t.queue.Post(t, sched.StopPolling)
			if ok {
				t.validate()
			}
			return
		}
		t.mu.Unlock()
		// Silence not reached yet: re-arm for the remaining time.
		t.queue.Post(t, sched.StartPolling)
		return

	default:
		t.mu.Unlock()
	}
}

// Handle implements sched.Context. The transport receives no business
// events on itself (only START_POLLING/STOP_POLLING, which sched
// applies internally); Handle is therefore a no-op.
func (t *Transport) Handle(sched.EventID) {}

// validate is validate() from §4.2, run on the task after end-of-
// frame detection transitions Reception → Validation.
func (t *Transport) validate() {
	t.mu.Lock()
	cursor := t.rxCursor
	if cursor < 4 {
		t.state = StateIdle
		t.mu.Unlock()
		return
	}
	frame := make([]byte, cursor)
	copy(frame, t.rxBuf[:cursor])
	t.mu.Unlock()

	payload := frame[:cursor-2]
	gotCRC := uint16(frame[cursor-2]) | uint16(frame[cursor-1])<<8
	wantCRC := modbus.CRC16(payload)
	if gotCRC != wantCRC {
		t.mu.Lock()
		t.state = StateIdle
		t.stats.FramesDiscardedCRC++
		t.mu.Unlock()
		return
	}

	address := frame[0]
	if t.role == RoleServer {
		if address != t.nodeAddr && address != 0 {
			t.mu.Lock()
			t.state = StateIdle
			t.stats.FramesDiscardedAddress++
			t.mu.Unlock()
			return
		}
	}
	// Client-role address filtering (against an expected slave from a
	// pending request) belongs to the client boundary in package
	// channel, which has the pending-request descriptor; the
	// transport itself has no notion of "expected slave" to check.

	t.mu.Lock()
	t.stats.FramesAccepted++
	t.mu.Unlock()
	t.postToChannel(sched.PDUReceived)
}

// RxPDU returns the address, function code and data of the currently
// validated frame. Valid only while the transport is in
// StateValidation; callers (the bound channel, from its PDU_RECEIVED
// handler) must call ReceptionDone when finished reading it. address
// is 0 for a broadcast request, which the channel must not respond to.
func (t *Transport) RxPDU() (address, function byte, data []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateValidation {
		return 0, 0, nil, false
	}
	address = t.rxBuf[0]
	function = t.rxBuf[1]
	data = append([]byte(nil), t.rxBuf[2:t.rxCursor-2]...)
	return address, function, data, true
}

// ReceptionDone implements reception_done() (§4.2): VALIDATION → IDLE,
// releasing the rx buffer.
func (t *Transport) ReceptionDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateValidation {
		t.state = StateIdle
	}
}

// NodeAddr returns the transport's configured node address: the
// server's own slave address for a server-role transport, or 0 for a
// client/master transport (§3's transport-context field of the same
// name). A client caller must supply the target slave address to
// Transmit explicitly rather than relying on this value.
func (t *Transport) NodeAddr() byte { return t.nodeAddr }

// Transmit implements transmit() (§4.2) plus the Open Question
// decision for the client tx handshake: if the transport is still in
// INIT, Transmit blocks (bounded by ctx) until the INIT→IDLE
// transition, then proceeds exactly as if called from IDLE. address is
// the byte stamped at ADU[0]: the server's own node address for a
// response, or the target slave's address for a client request (a
// master has no address of its own to fall back on).
func (t *Transport) Transmit(ctx context.Context, address, function byte, data []byte) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == StateInit {
		select {
		case <-t.initDone:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		}
	}

	if !atomicCAS(&t.txInProgress, 0, 1) {
		return ErrBusy
	}

	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		atomicStoreFalse(&t.txInProgress)
		return ErrNotIdle
	}
	if len(data) > bufferSize-4 {
		t.mu.Unlock()
		atomicStoreFalse(&t.txInProgress)
		return fmt.Errorf("%w: pdu data length %d exceeds maximum", modbus.ErrInvalidData, len(data))
	}

	t.txBuf[0] = address
	t.txBuf[1] = function
	copy(t.txBuf[2:], data)
	total := 2 + len(data)
	crc := modbus.CRC16(t.txBuf[:total])
	t.txBuf[total] = byte(crc)
	t.txBuf[total+1] = byte(crc >> 8)
	t.txLen = total + 2
	t.state = StateTransmission
	frame := append([]byte(nil), t.txBuf[:t.txLen]...)
	t.mu.Unlock()

	if err := t.prt.Write(frame); err != nil {
		t.mu.Lock()
		t.state = StateIdle
		t.mu.Unlock()
		atomicStoreFalse(&t.txInProgress)
		return fmt.Errorf("rtu: transmit: %w", err)
	}
	return nil
}
