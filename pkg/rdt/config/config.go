// Package config holds the process-level constants and per-run configuration
// for the RDT engine. Values here are immutable after a Config is built, per
// the "no global mutable state" rule: everything that varies at runtime is
// threaded explicitly through the Config value rather than read from package
// globals.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Protocol selects which ARQ engine a transfer negotiates.
type Protocol uint8

const (
	StopAndWait Protocol = iota
	SelectiveRepeat
)

func (p Protocol) String() string {
	switch p {
	case StopAndWait:
		return "stop_and_wait"
	case SelectiveRepeat:
		return "selective_repeat"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ProtocolFromByte decodes the single-byte wire encoding of Protocol used
// in the SYN negotiation payload (spec §4.4).
func ProtocolFromByte(b byte) (Protocol, error) {
	switch Protocol(b) {
	case StopAndWait, SelectiveRepeat:
		return Protocol(b), nil
	default:
		return 0, fmt.Errorf("unknown protocol byte %d", b)
	}
}

// ParseProtocol accepts the CLI spelling used by the -r flag.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "stop_and_wait":
		return StopAndWait, nil
	case "selective_repeat":
		return SelectiveRepeat, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (want stop_and_wait or selective_repeat)", s)
	}
}

// Wire and timing constants, fixed at implementation time per spec §4.2/§6.
const (
	DefaultPort = 12000
	DefaultAddr = "127.0.0.1"
	DefaultDir  = "./server_files"

	MaxPayload  = 1024
	HeaderLen   = 16
	MaxDatagram = HeaderLen + MaxPayload

	SocketTimeout = 80 * time.Millisecond
	SRWindow      = 32
	MaxSynRetries = 10
	MaxIdle       = 30 * time.Second

	DefaultWorkers = 3
)

// Config is the immutable configuration shared by a server or client run.
type Config struct {
	Addr          string
	Port          int
	Dir           string
	Workers       int
	SocketTimeout time.Duration
	Window        uint32
	MaxIdle       time.Duration
	MaxSynRetries int
}

// Default returns the configuration implied by the spec's CLI defaults.
func Default() Config {
	return Config{
		Addr:          DefaultAddr,
		Port:          DefaultPort,
		Dir:           DefaultDir,
		Workers:       DefaultWorkers,
		SocketTimeout: SocketTimeout,
		Window:        SRWindow,
		MaxIdle:       MaxIdle,
		MaxSynRetries: MaxSynRetries,
	}
}

// EnvDefaults names the RDT_* environment variables go-envconfig decodes.
// cmd/*/main.go registers its flags with these as defaults, so an operator
// running under a process supervisor can pin -H/-p/-s and the worker count
// once in the environment instead of every invocation's argv. The worker
// count has no flag; RDT_WORKERS is its only setting.
type EnvDefaults struct {
	Addr    string `env:"RDT_ADDR, default=127.0.0.1"`
	Port    int    `env:"RDT_PORT, default=12000"`
	Dir     string `env:"RDT_DIR, default=./server_files"`
	Workers int    `env:"RDT_WORKERS, default=3"`
}

// FromEnv decodes RDT_* environment variables into a Config seeded with
// Default's values, giving cmd/*/main.go environment-aware flag defaults
// without requiring every flag to carry one.
func FromEnv(ctx context.Context) (Config, error) {
	var e EnvDefaults
	if err := envconfig.Process(ctx, &e); err != nil {
		return Config{}, fmt.Errorf("config: reading RDT_* environment: %w", err)
	}
	cfg := Default()
	cfg.Addr = e.Addr
	cfg.Port = e.Port
	cfg.Dir = e.Dir
	cfg.Workers = e.Workers
	return cfg, nil
}
