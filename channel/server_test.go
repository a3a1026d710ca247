package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// fakePort is a hand-rolled Port double, mirroring rtu's own test
// double so channel package tests don't need real hardware or a pty.
type fakePort struct {
	mu       sync.Mutex
	clock    *port.FakeClock
	onRxData func([]byte)
	onTxDone func()
	written  chan []byte
}

func newFakePort() *fakePort {
	return &fakePort{clock: &port.FakeClock{}, written: make(chan []byte, 8)}
}

func (p *fakePort) Write(data []byte) error {
	frame := append([]byte(nil), data...)
	p.written <- frame
	p.mu.Lock()
	cb := p.onTxDone
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (p *fakePort) SetCallbacks(onRxData func([]byte), onTxDone func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRxData = onRxData
	p.onTxDone = onTxDone
}

func (p *fakePort) Clock() port.Clock { return p.clock.Clock() }
func (p *fakePort) Close() error      { return nil }

// deliver feeds data into the registered rx callback, standing in for
// a byte arriving from the UART rx interrupt.
func (p *fakePort) deliver(data []byte) {
	p.mu.Lock()
	cb := p.onRxData
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func frame(t *testing.T, addr, function byte, data []byte) []byte {
	t.Helper()
	f := append([]byte{addr, function}, data...)
	crc := modbus.CRC16(f)
	return append(f, byte(crc), byte(crc>>8))
}

func newServerFixture(t *testing.T, callbacks Callbacks) (*ServerChannel, *rtu.Transport, *fakePort, *sched.Queue) {
	t.Helper()
	fp := newFakePort()
	q := sched.New(64)
	tr := rtu.New(rtu.RoleServer, 0x11, 19200, fp, q)
	ch, _ := BindServer(tr, callbacks)

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go q.Run(runCtx)

	fp.clock.Advance(42) // t3.5 at 19200 baud (ComputeTiming: ceil(770000/19200)+1)
	deadline := time.Now().Add(time.Second)
	for tr.State() == rtu.StateInit {
		if time.Now().After(deadline) {
			t.Fatal("transport never left INIT")
		}
		time.Sleep(time.Millisecond)
	}
	return ch, tr, fp, q
}

func deliver(tr *rtu.Transport, fp *fakePort, f []byte) {
	fp.deliver(f)
	fp.clock.Advance(42) // t3.5 at 19200 baud
	tr.Poll()
}

// S2 — FC04 happy path.
func TestServerFC04HappyPath(t *testing.T) {
	callbacks := Callbacks{
		ReadInputRegister: func(address uint16) (uint16, Result) {
			if address == 0 {
				return 0x55AA, ResultOK
			}
			return 0, ResultIllegalDataAddress
		},
	}
	_, tr, fp, _ := newServerFixture(t, callbacks)

	req := frame(t, 0x11, modbus.FuncCodeReadInputRegisters, []byte{0x00, 0x00, 0x00, 0x01})
	deliver(tr, fp, req)

	select {
	case resp := <-fp.written:
		want := frame(t, 0x11, modbus.FuncCodeReadInputRegisters, []byte{0x02, 0x55, 0xAA})
		if string(resp) != string(want) {
			t.Fatalf("response = % x, want % x", resp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no response transmitted")
	}
}

// S3 — FC04 illegal quantity (count = 126).
func TestServerFC04IllegalQuantity(t *testing.T) {
	callbacks := Callbacks{
		ReadInputRegister: func(address uint16) (uint16, Result) { return 0, ResultOK },
	}
	_, tr, fp, _ := newServerFixture(t, callbacks)

	req := frame(t, 0x11, modbus.FuncCodeReadInputRegisters, []byte{0x00, 0x00, 0x00, 0x7E})
	deliver(tr, fp, req)

	select {
	case resp := <-fp.written:
		want := frame(t, 0x11, modbus.FuncCodeReadInputRegisters|0x80, []byte{modbus.ExceptionCodeIllegalDataValue})
		if string(resp) != string(want) {
			t.Fatalf("response = % x, want % x", resp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no exception response transmitted")
	}
}

// S6 — broadcast write: side effect runs, no response.
func TestServerBroadcastWriteNoResponse(t *testing.T) {
	written := make(chan uint16, 1)
	callbacks := Callbacks{
		WriteHoldingRegister: func(address uint16, value uint16) Result {
			written <- value
			return ResultOK
		},
	}
	_, tr, fp, _ := newServerFixture(t, callbacks)

	req := frame(t, 0x00, modbus.FuncCodeWriteSingleRegister, []byte{0x00, 0x01, 0x12, 0x34})
	deliver(tr, fp, req)

	select {
	case v := <-written:
		if v != 0x1234 {
			t.Fatalf("write callback saw %04X, want 1234", v)
		}
	case <-time.After(time.Second):
		t.Fatal("write callback never invoked for broadcast request")
	}

	select {
	case resp := <-fp.written:
		t.Fatalf("unexpected response % x transmitted for a broadcast request", resp)
	case <-time.After(100 * time.Millisecond):
	}
}

// Unsupported function code with no custom handler maps to Illegal
// Function.
func TestServerUnsupportedFunctionCode(t *testing.T) {
	_, tr, fp, _ := newServerFixture(t, Callbacks{})

	req := frame(t, 0x11, 0x09, []byte{0x00, 0x00})
	deliver(tr, fp, req)

	select {
	case resp := <-fp.written:
		want := frame(t, 0x11, 0x09|0x80, []byte{modbus.ExceptionCodeIllegalFunction})
		if string(resp) != string(want) {
			t.Fatalf("response = % x, want % x", resp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no exception response transmitted")
	}
}

// FC05 write single coil with an invalid value encoding.
func TestServerWriteSingleCoilInvalidValue(t *testing.T) {
	callbacks := Callbacks{
		WriteCoil: func(address uint16, value bool) Result { return ResultOK },
	}
	_, tr, fp, _ := newServerFixture(t, callbacks)

	req := frame(t, 0x11, modbus.FuncCodeWriteSingleCoil, []byte{0x00, 0x01, 0x12, 0x34})
	deliver(tr, fp, req)

	select {
	case resp := <-fp.written:
		want := frame(t, 0x11, modbus.FuncCodeWriteSingleCoil|0x80, []byte{modbus.ExceptionCodeIllegalDataValue})
		if string(resp) != string(want) {
			t.Fatalf("response = % x, want % x", resp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no exception response transmitted")
	}
}

// FC01 read coils bit-packing, LSB-first.
func TestServerFC01BitPacking(t *testing.T) {
	bits := map[uint16]bool{0: true, 1: false, 2: true, 8: true}
	callbacks := Callbacks{
		ReadCoil: func(address uint16) (bool, Result) { return bits[address], ResultOK },
	}
	_, tr, fp, _ := newServerFixture(t, callbacks)

	req := frame(t, 0x11, modbus.FuncCodeReadCoils, []byte{0x00, 0x00, 0x00, 0x09})
	deliver(tr, fp, req)

	select {
	case resp := <-fp.written:
		want := frame(t, 0x11, modbus.FuncCodeReadCoils, []byte{0x02, 0x05, 0x01})
		if string(resp) != string(want) {
			t.Fatalf("response = % x, want % x", resp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no response transmitted")
	}
}
