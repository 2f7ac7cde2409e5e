package dispatch

import (
	"fmt"
	"time"

	"github.com/riftnet/transport/admission"
	"github.com/riftnet/transport/internal/config"
)

const invalidConfigPrefix = "invalid config"

// Config binds every configuration key named in spec.md §6. Defaults
// mirror the spec's stated defaults; LoadJSONFile (internal/config)
// decodes a JSON file directly into a Config. Every interval is a
// config.Duration so a deployment's JSON config spells it the readable
// way ("30s", "500ms") rather than as a raw nanosecond count.
type Config struct {
	Port                    int             `json:"port"`
	MaxConnections          int             `json:"max_connections"`
	BufferSize              int             `json:"buffer_size"`
	MaxPacketSize           int             `json:"max_packet_size"`
	FragmentSize            int             `json:"fragment_size"`
	FragmentTimeout         config.Duration `json:"fragment_timeout"`
	ConnectionTimeout       config.Duration `json:"connection_timeout"`
	KeepAliveInterval       config.Duration `json:"keep_alive_interval"`
	IntegrityCheckInterval  config.Duration `json:"integrity_check_interval"`
	MaxIntegrityFailures    int             `json:"max_integrity_failures"`
	MaxPacketsPerSecond     int             `json:"max_packets_per_second"`
	ConnectionCooldown      config.Duration `json:"connection_cooldown"`
	MaxConnectionsPerIP     int             `json:"max_connections_per_ip"`
	PacketFloodThreshold    int             `json:"packet_flood_threshold"`
	BanDuration             config.Duration `json:"ban_duration"`
	MaxPacketQueueSize      int             `json:"max_packet_queue_size"`
	ConnectionBurstLimit    int             `json:"connection_burst_limit"`
	ConnectionBurstWindow   config.Duration `json:"connection_burst_window"`
	PacketBurstLimit        int             `json:"packet_burst_limit"`
	PacketBurstWindow       config.Duration `json:"packet_burst_window"`
	MaxPacketProcessingTime config.Duration `json:"max_packet_processing_time"`
	EnableHwidBan           bool            `json:"enable_hwid_ban"`
	HwidBanDuration         config.Duration `json:"hwid_ban_duration"`
	AllowVirtualMachine     bool            `json:"allow_virtual_machine"`
	TickRate                int             `json:"tick_rate"`
	SweepTicks              int             `json:"sweep_ticks"`
	LogLevel                string          `json:"log_level"`
}

func dur(d time.Duration) config.Duration { return config.Duration{Duration: d} }

// DefaultConfig mirrors spec.md §6's defaults exactly.
func DefaultConfig() Config {
	return Config{
		Port:                    12345,
		MaxConnections:          32,
		BufferSize:              1024,
		MaxPacketSize:           1024,
		FragmentSize:            512,
		FragmentTimeout:         dur(5 * time.Second),
		ConnectionTimeout:       dur(30 * time.Second),
		KeepAliveInterval:       dur(1 * time.Second),
		IntegrityCheckInterval:  dur(30 * time.Second),
		MaxIntegrityFailures:    3,
		MaxPacketsPerSecond:     1000,
		ConnectionCooldown:      dur(5 * time.Second),
		MaxConnectionsPerIP:     3,
		PacketFloodThreshold:    100,
		BanDuration:             dur(3600 * time.Second),
		MaxPacketQueueSize:      1000,
		ConnectionBurstLimit:    10,
		ConnectionBurstWindow:   dur(5 * time.Second),
		PacketBurstLimit:        100,
		PacketBurstWindow:       dur(1 * time.Second),
		MaxPacketProcessingTime: dur(100 * time.Millisecond),
		EnableHwidBan:           true,
		HwidBanDuration:         dur(7_776_000 * time.Second),
		AllowVirtualMachine:     false,
		TickRate:                60,
		SweepTicks:              300,
		LogLevel:                "info",
	}
}

// normalizeConfig fills unset fields with defaults and rejects
// combinations that cannot produce a working dispatcher, the way
// proxyserver.normalizeConfig validates before a server is constructed.
func normalizeConfig(cfg Config) (Config, error) {
	d := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = d.MaxPacketSize
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = d.FragmentSize
	}
	if cfg.FragmentTimeout.Duration <= 0 {
		cfg.FragmentTimeout = d.FragmentTimeout
	}
	if cfg.ConnectionTimeout.Duration <= 0 {
		cfg.ConnectionTimeout = d.ConnectionTimeout
	}
	if cfg.KeepAliveInterval.Duration <= 0 {
		cfg.KeepAliveInterval = d.KeepAliveInterval
	}
	if cfg.IntegrityCheckInterval.Duration <= 0 {
		cfg.IntegrityCheckInterval = d.IntegrityCheckInterval
	}
	if cfg.MaxIntegrityFailures <= 0 {
		cfg.MaxIntegrityFailures = d.MaxIntegrityFailures
	}
	if cfg.MaxPacketsPerSecond <= 0 {
		cfg.MaxPacketsPerSecond = d.MaxPacketsPerSecond
	}
	if cfg.ConnectionCooldown.Duration <= 0 {
		cfg.ConnectionCooldown = d.ConnectionCooldown
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if cfg.PacketFloodThreshold <= 0 {
		cfg.PacketFloodThreshold = d.PacketFloodThreshold
	}
	if cfg.BanDuration.Duration <= 0 {
		cfg.BanDuration = d.BanDuration
	}
	if cfg.MaxPacketQueueSize <= 0 {
		cfg.MaxPacketQueueSize = d.MaxPacketQueueSize
	}
	if cfg.ConnectionBurstLimit <= 0 {
		cfg.ConnectionBurstLimit = d.ConnectionBurstLimit
	}
	if cfg.ConnectionBurstWindow.Duration <= 0 {
		cfg.ConnectionBurstWindow = d.ConnectionBurstWindow
	}
	if cfg.PacketBurstLimit <= 0 {
		cfg.PacketBurstLimit = d.PacketBurstLimit
	}
	if cfg.PacketBurstWindow.Duration <= 0 {
		cfg.PacketBurstWindow = d.PacketBurstWindow
	}
	if cfg.MaxPacketProcessingTime.Duration <= 0 {
		cfg.MaxPacketProcessingTime = d.MaxPacketProcessingTime
	}
	if cfg.HwidBanDuration.Duration <= 0 {
		cfg.HwidBanDuration = d.HwidBanDuration
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = d.TickRate
	}
	if cfg.SweepTicks <= 0 {
		cfg.SweepTicks = d.SweepTicks
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.MaxPacketSize > 8192-24 {
		return Config{}, fmt.Errorf("%s: max_packet_size exceeds wire MaxPayloadSize", invalidConfigPrefix)
	}
	return cfg, nil
}

// admissionConfig derives the admission.Config subset of cfg.
func admissionConfig(cfg Config) admission.Config {
	return admission.Config{
		MaxPacketSize:           cfg.MaxPacketSize,
		ConnectionBurstLimit:    cfg.ConnectionBurstLimit,
		ConnectionBurstWindow:   cfg.ConnectionBurstWindow.Duration,
		ConnectionCooldown:      cfg.ConnectionCooldown.Duration,
		MaxPacketsPerSecond:     cfg.MaxPacketsPerSecond,
		PacketBurstLimit:        cfg.PacketBurstLimit,
		PacketBurstWindow:       cfg.PacketBurstWindow.Duration,
		MaxPacketQueueSize:      cfg.MaxPacketQueueSize,
		MaxPacketProcessingTime: cfg.MaxPacketProcessingTime.Duration,
		BanDuration:             cfg.BanDuration.Duration,
		RecentlyUnbannedWindow:  1 * time.Hour,
	}
}
