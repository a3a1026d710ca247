// Package testutil provides in-process test harnesses for exercising
// the embedded Modbus RTU stack without real serial hardware.
package testutil

import (
	"context"
	"testing"

	"github.com/ridgeline-iot/modbus-rtu/channel"
	"github.com/ridgeline-iot/modbus-rtu/internal/simulator"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

// GatewayOption configures StartGateway.
type GatewayOption func(*gatewayConfig)

type gatewayConfig struct {
	slaveID byte
	baud    int
	config  *simulator.DataStoreConfig
}

// WithSlaveID sets the RTU node address the gateway's server channel
// answers to.
func WithSlaveID(id byte) GatewayOption {
	return func(c *gatewayConfig) { c.slaveID = id }
}

// WithBaudRate sets the baud rate used to compute t1.5/t3.5 timing.
func WithBaudRate(rate int) GatewayOption {
	return func(c *gatewayConfig) { c.baud = rate }
}

// WithDataStoreConfig seeds the gateway's backing register file with
// initial values.
func WithDataStoreConfig(config *simulator.DataStoreConfig) GatewayOption {
	return func(c *gatewayConfig) { c.config = config }
}

// Gateway is a running embedded RTU server channel (rtu.Transport +
// channel.ServerChannel + sched.Queue) bound to a loopback pty, the
// in-process analogue of cmd/gatewayd used to drive the embedded
// stack end-to-end from a test without real hardware.
type Gateway struct {
	lb     *port.Loopback
	ds     *simulator.DataStore
	cancel context.CancelFunc
	done   chan struct{}
}

// DataStore exposes the gateway's backing register file so a test can
// assert against it directly, in addition to driving it over the wire.
func (g *Gateway) DataStore() *simulator.DataStore { return g.ds }

// ClientDevicePath returns the pty slave device path a client-side
// port.OpenSerialPort should dial to reach this gateway.
func (g *Gateway) ClientDevicePath() string { return g.lb.SlavePath() }

// Stop tears down the gateway's scheduler loop and loopback port.
func (g *Gateway) Stop() {
	g.cancel()
	<-g.done
	g.lb.Close()
}

// StartGateway starts an embedded RTU server channel over a loopback
// pty, backed by a fresh simulator.DataStore, and registers cleanup
// with t. It is the embedded-stack replacement for the teacher's
// desktop RTUServer test harness: it drives rtu/channel/sched/port
// directly instead of a standalone request/response loop goroutine.
func StartGateway(t *testing.T, opts ...GatewayOption) *Gateway {
	t.Helper()

	cfg := &gatewayConfig{slaveID: 1, baud: 19200}
	for _, opt := range opts {
		opt(cfg)
	}

	ds := simulator.NewDataStore(cfg.config)

	lb, err := port.NewLoopback(port.SystemClock())
	if err != nil {
		t.Fatalf("testutil: opening loopback port: %v", err)
	}

	queue := sched.New(256)
	transport := rtu.New(rtu.RoleServer, cfg.slaveID, cfg.baud, lb, queue)
	channel.BindServer(transport, dataStoreCallbacks(ds))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Run(ctx)
	}()

	g := &Gateway{lb: lb, ds: ds, cancel: cancel, done: done}
	t.Cleanup(g.Stop)
	return g
}

// dataStoreCallbacks adapts a simulator.DataStore into the channel
// package's six-callback data model, the same wiring cmd/gatewayd
// uses against a YAML-seeded store.
func dataStoreCallbacks(ds *simulator.DataStore) channel.Callbacks {
	return channel.Callbacks{
		ReadDiscreteInput: func(address uint16) (bool, channel.Result) {
			vals, err := ds.ReadDiscreteInputs(address, 1)
			if err != nil {
				return false, channel.ResultIllegalDataAddress
			}
			return vals[0], channel.ResultOK
		},
		ReadCoil: func(address uint16) (bool, channel.Result) {
			vals, err := ds.ReadCoils(address, 1)
			if err != nil {
				return false, channel.ResultIllegalDataAddress
			}
			return vals[0], channel.ResultOK
		},
		WriteCoil: func(address uint16, value bool) channel.Result {
			if err := ds.WriteSingleCoil(address, value); err != nil {
				return channel.ResultIllegalDataAddress
			}
			return channel.ResultOK
		},
		ReadInputRegister: func(address uint16) (uint16, channel.Result) {
			vals, err := ds.ReadInputRegisters(address, 1)
			if err != nil {
				return 0, channel.ResultIllegalDataAddress
			}
			return vals[0], channel.ResultOK
		},
		ReadHoldingRegister: func(address uint16) (uint16, channel.Result) {
			vals, err := ds.ReadHoldingRegisters(address, 1)
			if err != nil {
				return 0, channel.ResultIllegalDataAddress
			}
			return vals[0], channel.ResultOK
		},
		WriteHoldingRegister: func(address uint16, value uint16) channel.Result {
			if err := ds.WriteSingleRegister(address, value); err != nil {
				return channel.ResultIllegalDataAddress
			}
			return channel.ResultOK
		},
	}
}
