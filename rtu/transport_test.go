package rtu

import (
	"context"
	"sync"
	"testing"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/handle"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// fakePort is a hand-rolled Port double driven entirely by the test,
// standing in for real hardware (port.SerialPort over go.bug.st/serial).
type fakePort struct {
	mu       sync.Mutex
	clock    *port.FakeClock
	onRxData func([]byte)
	onTxDone func()
	written  [][]byte
}

func newFakePort() *fakePort {
	return &fakePort{clock: &port.FakeClock{}}
}

func (p *fakePort) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := append([]byte(nil), data...)
	p.written = append(p.written, frame)
	// Tx completion is NOT signalled automatically: tests that care
	// about the tx-complete transition call completeTx explicitly, so
	// the "only one concurrent Transmit succeeds" window (txInProgress
	// held between transmit() and tx-complete) is deterministic rather
	// than racing on how fast the fake port calls back.
	return nil
}

func (p *fakePort) completeTx() {
	p.mu.Lock()
	cb := p.onTxDone
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *fakePort) SetCallbacks(onRxData func([]byte), onTxDone func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRxData = onRxData
	p.onTxDone = onTxDone
}

func (p *fakePort) Clock() port.Clock { return p.clock.Clock() }
func (p *fakePort) Close() error      { return nil }

// channelStub implements sched.Context so tests can observe which
// events the transport posts toward its bound channel.
type channelStub struct {
	events chan sched.EventID
}

func newChannelStub() *channelStub {
	return &channelStub{events: make(chan sched.EventID, 16)}
}

func (c *channelStub) Handle(id sched.EventID) { c.events <- id }
func (c *channelStub) PollDeadline() time.Time { return time.Now().Add(time.Hour) }
func (c *channelStub) Poll()                   {}

// settleInit advances the fake clock past t3.5 and waits for the
// background Run loop (already consuming events) to observe the
// INIT→IDLE transition via the scheduled Poll callback.
func settleInit(t *testing.T, fp *fakePort, tr *Transport, q *sched.Queue, runCtx context.Context) {
	t.Helper()
	fp.clock.Advance(tr.timing.T3_5)
	deadline := time.Now().Add(time.Second)
	for tr.State() == StateInit {
		if time.Now().After(deadline) {
			t.Fatal("transport never left INIT")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestTransport(t *testing.T) (*Transport, *fakePort, *sched.Queue, *channelStub, context.Context) {
	t.Helper()
	fp := newFakePort()
	q := sched.New(64)
	tr := New(RoleServer, 0x11, 19200, fp, q)

	arena := handle.NewArena[sched.Context](2)
	stub := newChannelStub()
	h := arena.Put(stub)
	tr.Bind(arena, h)

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go q.Run(runCtx)

	settleInit(t, fp, tr, q, runCtx)
	return tr, fp, q, stub, runCtx
}

func frame(t *testing.T, addr, function byte, data []byte) []byte {
	t.Helper()
	f := append([]byte{addr, function}, data...)
	crc := modbus.CRC16(f)
	return append(f, byte(crc), byte(crc>>8))
}

// S1 — CRC-16 test vectors from the specification.
func TestCRC16Vectors(t *testing.T) {
	tests := []struct {
		data []byte
		want uint16
	}{
		{[]byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x01}, 0xCA31},
		{[]byte{0x01, 0x03, 0x00, 0x6B, 0x00, 0x03}, 0x8776},
		{[]byte{0x11, 0x01, 0x00, 0x13, 0x00, 0x25}, 0x840E},
	}
	for _, tt := range tests {
		if got := modbus.CRC16(tt.data); got != tt.want {
			t.Errorf("CRC16(% x) = %04X, want %04X", tt.data, got, tt.want)
		}
	}
}

// P1/S2-shaped happy path: a well-formed frame addressed to this node
// produces exactly one PDU_RECEIVED.
func TestTransportValidFrameEmitsPDUReceived(t *testing.T) {
	tr, fp, _, stub, _ := newTestTransport(t)

	f := frame(t, 0x11, modbus.FuncCodeReadInputRegisters, []byte{0x00, 0x00, 0x00, 0x01})
	tr.onRxData(f)
	fp.clock.Advance(tr.timing.T3_5)
	tr.Poll()

	select {
	case id := <-stub.events:
		if id != sched.PDUReceived {
			t.Fatalf("got event %v, want PDU_RECEIVED", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no PDU_RECEIVED observed")
	}

	_, function, data, ok := tr.RxPDU()
	if !ok {
		t.Fatal("RxPDU() not ok in VALIDATION")
	}
	if function != modbus.FuncCodeReadInputRegisters {
		t.Fatalf("function = %d, want %d", function, modbus.FuncCodeReadInputRegisters)
	}
	if len(data) != 4 {
		t.Fatalf("data length = %d, want 4", len(data))
	}
}

// S4 — a frame with a corrupted CRC produces no event and the
// transport returns to IDLE.
func TestTransportBadCRCDiscardsSilently(t *testing.T) {
	tr, fp, _, stub, _ := newTestTransport(t)

	bad := []byte{0x11, modbus.FuncCodeReadInputRegisters, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}
	tr.onRxData(bad)
	fp.clock.Advance(tr.timing.T3_5)
	tr.Poll()

	select {
	case id := <-stub.events:
		t.Fatalf("unexpected event %v after CRC-corrupt frame", id)
	case <-time.After(100 * time.Millisecond):
	}

	if got := tr.State(); got != StateIdle {
		t.Fatalf("state = %v, want IDLE", got)
	}
	if got := tr.Stats().FramesDiscardedCRC; got != 1 {
		t.Fatalf("FramesDiscardedCRC = %d, want 1", got)
	}
}

// Frames addressed to another node are accepted into the buffer and
// discarded at validate (recorded Open Question decision).
func TestTransportWrongAddressDiscarded(t *testing.T) {
	tr, fp, _, stub, _ := newTestTransport(t)

	f := frame(t, 0x22, modbus.FuncCodeReadInputRegisters, []byte{0x00, 0x00, 0x00, 0x01})
	tr.onRxData(f)
	fp.clock.Advance(tr.timing.T3_5)
	tr.Poll()

	select {
	case id := <-stub.events:
		t.Fatalf("unexpected event %v for a frame addressed to another node", id)
	case <-time.After(100 * time.Millisecond):
	}
	if got := tr.Stats().FramesDiscardedAddress; got != 1 {
		t.Fatalf("FramesDiscardedAddress = %d, want 1", got)
	}
}

// Broadcast frames (address 0) are accepted by a server transport.
func TestTransportBroadcastAccepted(t *testing.T) {
	tr, fp, _, stub, _ := newTestTransport(t)

	f := frame(t, 0x00, modbus.FuncCodeWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x02})
	tr.onRxData(f)
	fp.clock.Advance(tr.timing.T3_5)
	tr.Poll()

	select {
	case id := <-stub.events:
		if id != sched.PDUReceived {
			t.Fatalf("got event %v, want PDU_RECEIVED", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no PDU_RECEIVED observed for broadcast frame")
	}
}

// S5 — an inter-character gap at or beyond t1.5 marks the in-progress
// frame NOK; once t3.5 silence is observed the frame is discarded with
// no event.
func TestTransportInterCharacterTimeoutDiscardsFrame(t *testing.T) {
	tr, fp, _, stub, _ := newTestTransport(t)

	tr.onRxData([]byte{0x11, modbus.FuncCodeReadInputRegisters})
	fp.clock.Advance(tr.timing.T1_5)
	tr.onRxData([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})
	fp.clock.Advance(tr.timing.T3_5)
	tr.Poll()

	select {
	case id := <-stub.events:
		t.Fatalf("unexpected event %v after inter-character timeout", id)
	case <-time.After(100 * time.Millisecond):
	}
	if got := tr.Stats().FramesDiscardedTimeout; got == 0 {
		t.Fatal("FramesDiscardedTimeout not incremented")
	}
}

// P4 — transmit attempts before the initial INIT→IDLE transition must
// not start a transmission; Transmit blocks until that transition or
// the caller's context expires.
func TestTransportTransmitBlocksDuringInit(t *testing.T) {
	fp := newFakePort()
	q := sched.New(64)
	tr := New(RoleServer, 0x11, 19200, fp, q)

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(runCtx)

	ctx, cancelTx := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelTx()
	if err := tr.Transmit(ctx, tr.NodeAddr(), modbus.FuncCodeReadInputRegisters, []byte{0x02, 0x00, 0x01}); err == nil {
		t.Fatal("Transmit succeeded while transport was still in INIT")
	}

	settleInit(t, fp, tr, q, runCtx)
	if err := tr.Transmit(context.Background(), tr.NodeAddr(), modbus.FuncCodeReadInputRegisters, []byte{0x02, 0x00, 0x01}); err != nil {
		t.Fatalf("Transmit after INIT settled: %v", err)
	}
	if len(fp.written) != 1 {
		t.Fatalf("expected exactly one frame written, got %d", len(fp.written))
	}
}

// P5 — concurrent Transmit calls while one is in flight: only one
// succeeds.
func TestTransportTransmitConcurrentOnlyOneSucceeds(t *testing.T) {
	tr, _, _, _, _ := newTestTransport(t)

	var wg sync.WaitGroup
	successes := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- tr.Transmit(context.Background(), tr.NodeAddr(), modbus.FuncCodeReadInputRegisters, []byte{0x02, 0x00, 0x01})
		}()
	}
	wg.Wait()
	close(successes)

	var okCount int
	for err := range successes {
		if err == nil {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly 1 successful Transmit, got %d", okCount)
	}
}
