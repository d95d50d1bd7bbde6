// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Upstream types
const (
	TypeRTUOverTCP = "rtu-over-tcp"
	TypeModbusTCP  = "tcp"
	TypeRTU        = "rtu"
)

// Config defines the global configuration structure
type Config struct {
	Slave     SlaveConfig      `mapstructure:"slave"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	Log       LogConfig        `mapstructure:"log"`
}

// SlaveConfig identifies this device on the bus
type SlaveConfig struct {
	ID int `mapstructure:"id"` // 1..247, required
}

// MetricsConfig defines where host metrics are read from
type MetricsConfig struct {
	ProcRoot  string        `mapstructure:"proc_root"`  // procfs mount, e.g. "/proc"
	DiskPath  string        `mapstructure:"disk_path"`  // filesystem reported by the disk register
	CPUWindow time.Duration `mapstructure:"cpu_window"` // CPU sampling window
	Sentinel  uint16        `mapstructure:"sentinel"`   // value of unmapped registers
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// UpstreamConfig defines a master connecting to the slave
type UpstreamConfig struct {
	Type   string       `mapstructure:"type"`   // "rtu-over-tcp", "tcp", "rtu"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "rtu-over-tcp" or "tcp"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address     string        `mapstructure:"address"`      // e.g. "0.0.0.0:5000"
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // 0 disables
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// Flags registers the command line flags understood by LoadConfig.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-sysmon", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.IntP("slave_address", "s", 0, "Modbus slave address (1-247).")
	fs.StringP("listen", "l", "0.0.0.0:5000", "RTU over TCP listen address, used when no upstreams are configured.")
	fs.StringP("log_level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log_file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	return fs
}

// LoadConfig loads configuration from file and the parsed flag set.
// Flags that were set explicitly take precedence over the file.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-sysmon/")
		v.AddConfigPath("$HOME/.modbus-sysmon")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("listen", "0.0.0.0:5000")
	v.SetDefault("metrics.proc_root", "/proc")
	v.SetDefault("metrics.disk_path", "/")
	v.SetDefault("metrics.cpu_window", 200*time.Millisecond)
	v.SetDefault("metrics.sentinel", 0xFFFF)

	if flags != nil {
		for key, name := range map[string]string{
			"slave.id":  "slave_address",
			"listen":    "listen",
			"log.level": "log_level",
			"log.file":  "log_file",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Without a config file everything comes from flags and defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Upstreams) == 0 {
		config.Upstreams = []UpstreamConfig{{
			Type: TypeRTUOverTCP,
			Tcp:  TcpConfig{Address: v.GetString("listen")},
		}}
	}

	// Validate / Fixups
	for i := range config.Upstreams {
		fixupSerial(&config.Upstreams[i].Serial)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.Slave.ID < 1 || c.Slave.ID > 247 {
		return fmt.Errorf("slave address must be in 1..247, got %d", c.Slave.ID)
	}
	for i, us := range c.Upstreams {
		switch us.Type {
		case TypeRTUOverTCP, TypeModbusTCP:
			if us.Tcp.Address == "" {
				return fmt.Errorf("upstream %d: tcp address is required", i)
			}
		case TypeRTU:
			if us.Serial.Device == "" {
				return fmt.Errorf("upstream %d: serial device is required", i)
			}
		default:
			return fmt.Errorf("upstream %d: unknown type %q", i, us.Type)
		}
	}
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
