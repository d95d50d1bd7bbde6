// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbus-poll periodically reads the usage registers of a monitoring slave
// over RTU over TCP or Modbus TCP and logs them as percentages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-sysmon/internal/metrics"
	"github.com/ffutop/modbus-sysmon/modbus"
	rtuovertcp "github.com/ffutop/modbus-sysmon/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-sysmon/transport/tcp"
)

// registerReader is satisfied by *rtuovertcp.Client and *tcp.Client.
type registerReader interface {
	ReadRegisters(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]uint16, error)
}

type reading struct {
	Name    string
	Address uint16
	Percent float64
	Err     error
}

var polled = []struct {
	name    string
	address uint16
}{
	{"cpu", metrics.RegisterCPU},
	{"ram", metrics.RegisterRAM},
	{"disk", metrics.RegisterDisk},
}

// pollOnce reads each usage register with its own request.
func pollOnce(ctx context.Context, client registerReader, slaveID, functionCode byte) []reading {
	readings := make([]reading, 0, len(polled))
	for _, p := range polled {
		r := reading{Name: p.name, Address: p.address}
		values, err := client.ReadRegisters(ctx, slaveID, functionCode, p.address, 1)
		if err != nil {
			r.Err = err
		} else {
			r.Percent = float64(values[0]) / 100
		}
		readings = append(readings, r)
	}
	return readings
}

func main() {
	flags := pflag.NewFlagSet("modbus-poll", pflag.ContinueOnError)
	target := flags.StringP("target", "t", "127.0.0.1:5000", "Address of the slave.")
	protocol := flags.StringP("protocol", "p", "rtu-over-tcp", "Framing on the wire (rtu-over-tcp, tcp).")
	slaveID := flags.Uint8P("slave_address", "s", 1, "Modbus slave address (1-247).")
	interval := flags.DurationP("interval", "i", time.Second, "Polling interval.")
	timeout := flags.Duration("timeout", 2*time.Second, "Response timeout.")
	input := flags.Bool("input", false, "Use Read Input Registers (0x04) instead of Read Holding Registers (0x03).")
	logLevel := flags.StringP("log_level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	functionCode := byte(modbus.FuncCodeReadHoldingRegisters)
	if *input {
		functionCode = modbus.FuncCodeReadInputRegisters
	}

	var client interface {
		registerReader
		Close() error
	}
	switch *protocol {
	case "rtu-over-tcp":
		c := rtuovertcp.NewClient(*target)
		c.Timeout = *timeout
		client = c
	case "tcp":
		c := tcp.NewClient(*target)
		c.Timeout = *timeout
		client = c
	default:
		fmt.Fprintf(os.Stderr, "unknown protocol %q\n", *protocol)
		os.Exit(2)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Polling slave", "target", *target, "protocol", *protocol, "slaveID", *slaveID, "interval", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		for _, r := range pollOnce(ctx, client, *slaveID, functionCode) {
			if r.Err != nil {
				slog.Warn("Read failed", "metric", r.Name, "addr", r.Address, "err", r.Err)
				continue
			}
			slog.Info("Usage", "metric", r.Name, "percent", fmt.Sprintf("%.2f", r.Percent))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
