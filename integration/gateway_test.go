// Package integration exercises the embedded rtu/channel/sched/port
// stack end-to-end over a loopback pty, the same loopback wiring
// cmd/gatewayd offers via its --loopback flag for manual testing.
package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	modbus "github.com/ridgeline-iot/modbus-rtu"
	"github.com/ridgeline-iot/modbus-rtu/channel"
	"github.com/ridgeline-iot/modbus-rtu/internal/simulator"
	"github.com/ridgeline-iot/modbus-rtu/internal/testutil"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// dialClient opens a client-role transport against gw's device path
// and returns its bound channel, ready for Send/Await.
func dialClient(t *testing.T, gw *testutil.Gateway, slaveID byte) *channel.ClientBinding {
	t.Helper()

	sp, err := port.OpenSerialPort(gw.ClientDevicePath(), port.Config{
		BaudRate: 19200,
		DataBits: 8,
		Parity:   port.NoParity,
		StopBits: port.OneStopBit,
	})
	if err != nil {
		t.Fatalf("opening client serial port: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	queue := sched.New(256)
	transport := rtu.New(rtu.RoleClient, slaveID, 19200, sp, queue)
	cb, _ := channel.BindClient(transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return cb
}

func TestGateway_ReadHoldingRegisterRoundTrip(t *testing.T) {
	gw := testutil.StartGateway(t, testutil.WithSlaveID(7), testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		NamedHoldingRegs: map[uint16]simulator.RegisterConfig{
			10: {Name: "setpoint", Value: 1234},
		},
	}))
	cb := dialClient(t, gw, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := cb.Send(ctx, 7, 0x03, []byte{0x00, 0x0A, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := cb.Await(ctx, pending)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.FunctionCode != 0x03 {
		t.Fatalf("expected function code 0x03, got 0x%02x", resp.FunctionCode)
	}
	if len(resp.Data) != 3 || resp.Data[0] != 2 {
		t.Fatalf("unexpected response payload: % x", resp.Data)
	}
	got := uint16(resp.Data[1])<<8 | uint16(resp.Data[2])
	if got != 1234 {
		t.Errorf("expected register value 1234, got %d", got)
	}

	if stats := gw.DataStore().Stats(); stats.Reads != 1 {
		t.Errorf("expected 1 read recorded, got %d", stats.Reads)
	}
}

func TestGateway_WriteThenReadBack(t *testing.T) {
	gw := testutil.StartGateway(t, testutil.WithSlaveID(3))
	cb := dialClient(t, gw, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := cb.Send(ctx, 3, 0x06, []byte{0x00, 0x05, 0x00, 0x2A})
	if err != nil {
		t.Fatalf("Send write: %v", err)
	}
	if _, err := cb.Await(ctx, pending); err != nil {
		t.Fatalf("Await write: %v", err)
	}

	pending, err = cb.Send(ctx, 3, 0x03, []byte{0x00, 0x05, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Send read: %v", err)
	}
	resp, err := cb.Await(ctx, pending)
	if err != nil {
		t.Fatalf("Await read: %v", err)
	}
	got := uint16(resp.Data[1])<<8 | uint16(resp.Data[2])
	if got != 0x2A {
		t.Errorf("expected 42 read back, got %d", got)
	}
}

func TestGateway_SimulatedTimeoutYieldsNoResponse(t *testing.T) {
	gw := testutil.StartGateway(t, testutil.WithSlaveID(9), testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		Delays: &simulator.DelayConfigSet{
			HoldingRegs: map[uint16]simulator.DelayConfig{
				20: {TimeoutProbability: 1.0},
			},
		},
	}))
	cb := dialClient(t, gw, 9)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	pending, err := cb.Send(ctx, 9, 0x03, []byte{0x00, 0x14, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := cb.Await(ctx, pending); err != channel.ErrTimeout && err != context.DeadlineExceeded {
		t.Fatalf("expected a timeout error, got %v", err)
	}

	if stats := gw.DataStore().Stats(); stats.Timeouts != 1 {
		t.Errorf("expected 1 timeout recorded, got %d", stats.Timeouts)
	}
}

func TestGateway_IllegalDataAddressException(t *testing.T) {
	gw := testutil.StartGateway(t, testutil.WithSlaveID(1))
	cb := dialClient(t, gw, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := cb.Send(ctx, 1, 0x03, []byte{0xFF, 0xFF, 0x00, 0x01})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = cb.Await(ctx, pending)
	var modbusErr *modbus.ModbusError
	if !errors.As(err, &modbusErr) {
		t.Fatalf("expected a *modbus.ModbusError, got %v", err)
	}
	if modbusErr.FunctionCode != 0x03 {
		t.Errorf("expected exception for function 0x03, got 0x%02x", modbusErr.FunctionCode)
	}
	if modbusErr.ExceptionCode != 2 {
		t.Errorf("expected illegal-data-address exception (2), got %d", modbusErr.ExceptionCode)
	}
}
