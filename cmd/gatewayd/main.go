// Command gatewayd runs a Modbus RTU server channel against a real (or
// loopback) serial port, backed by an in-memory data store seeded from
// a YAML configuration file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/ridgeline-iot/modbus-rtu/channel"
	"github.com/ridgeline-iot/modbus-rtu/internal/simulator"
	"github.com/ridgeline-iot/modbus-rtu/port"
	"github.com/ridgeline-iot/modbus-rtu/rtu"
	"github.com/ridgeline-iot/modbus-rtu/sched"
)

func main() {
	app := &cli.App{
		Name:  "gatewayd",
		Usage: "Modbus RTU server daemon backed by a YAML-configured data store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the gateway's YAML configuration file",
				Value:   "gatewayd.yaml",
			},
			&cli.BoolFlag{
				Name:  "loopback",
				Usage: "Use a pty loopback port instead of a real serial device (for local testing)",
			},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("gatewayd exited with error", "error", err)
		os.Exit(1)
	}
}

type gatewayConfig struct {
	Serial struct {
		Port     string `mapstructure:"port"`
		Baud     int    `mapstructure:"baud"`
		DataBits int    `mapstructure:"dataBits"`
		StopBits int    `mapstructure:"stopBits"`
		Parity   string `mapstructure:"parity"`
		RS485    bool   `mapstructure:"rs485"`
	} `mapstructure:"serial"`
	SlaveID   int                          `mapstructure:"slaveId"`
	LogLevel  string                       `mapstructure:"logLevel"`
	DataStore simulator.DataStoreConfig    `mapstructure:"dataStore"`
}

func loadConfig(path string) (*gatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("serial.baud", 19200)
	v.SetDefault("serial.dataBits", 8)
	v.SetDefault("serial.stopBits", 1)
	v.SetDefault("serial.parity", "even")
	v.SetDefault("slaveId", 1)
	v.SetDefault("logLevel", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("gatewayd: reading config %s: %w", path, err)
	}
	var cfg gatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("gatewayd: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ds := simulator.NewDataStore(&cfg.DataStore)

	var prt port.Port
	if c.Bool("loopback") {
		lb, err := port.NewLoopback(port.SystemClock())
		if err != nil {
			return fmt.Errorf("gatewayd: opening loopback port: %w", err)
		}
		logger.Info("listening on loopback pty", "slave_path", lb.SlavePath())
		prt = lb
	} else {
		portCfg := port.Config{
			BaudRate: cfg.Serial.Baud,
			DataBits: cfg.Serial.DataBits,
			StopBits: parseStopBits(cfg.Serial.StopBits),
			Parity:   parseParity(cfg.Serial.Parity),
		}
		if cfg.Serial.RS485 {
			portCfg.RS485 = &port.RS485Config{}
		}
		sp, err := port.OpenSerialPort(cfg.Serial.Port, portCfg)
		if err != nil {
			return fmt.Errorf("gatewayd: opening serial port %s: %w", cfg.Serial.Port, err)
		}
		logger.Info("opened serial port", "device", cfg.Serial.Port, "baud", cfg.Serial.Baud)
		prt = sp
	}
	defer prt.Close()

	queue := sched.New(256)
	transport := rtu.New(rtu.RoleServer, byte(cfg.SlaveID), cfg.Serial.Baud, prt, queue)

	callbacks := channel.Callbacks{
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
	channel.BindServer(transport, callbacks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("gateway running", "slave_id", cfg.SlaveID)
	if err := queue.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gatewayd: scheduler loop: %w", err)
	}
	return nil
}

func parseStopBits(bits int) port.StopBits {
	if bits == 2 {
		return port.TwoStopBits
	}
	return port.OneStopBit
}

func parseParity(p string) port.Parity {
	switch p {
	case "none":
		return port.NoParity
	case "odd":
		return port.OddParity
	default:
		return port.EvenParity
	}
}
