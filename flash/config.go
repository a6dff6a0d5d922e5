package flash

import (
	"time"

	"go.bug.st/serial"
)

var DefaultBaud = 115200

// DefaultTTY is used when Config.TTY is empty. An empty DefaultTTY selects the
// first port reported by the system.
var DefaultTTY = ""

var DefaultChunkSize = 4096
var DefaultChunkDelay = 10 * time.Millisecond
var DefaultSettleDelay = 100 * time.Millisecond
var DefaultRetryInterval = 50 * time.Millisecond
var DefaultRetryMaxInterval = 1 * time.Second

// NoDelay disables a delay in Config, since the zero value selects the default
const NoDelay time.Duration = -1

// Config defines configuration for communicating with and flashing the
// microcontroller
type Config struct {
	TTY    string
	Baud   int
	Parity serial.Parity

	// ChunkSize is the largest number of bytes sent in one write
	ChunkSize int
	// ChunkDelay is the pause after every chunk so the device can drain its
	// receive buffer
	ChunkDelay time.Duration
	// SettleDelay is the pause after the reset frame
	SettleDelay time.Duration

	// ChunkRetries is the number of times a failed chunk write is retried
	// with exponential backoff. Zero means a single failed write fails the
	// whole flash.
	ChunkRetries     int
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration

	// Opener opens the transport, serial.Open is used when nil
	Opener Opener
}

// withDefaults returns a copy of the config with unset fields filled in
func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}

	if cfg.TTY == "" {
		cfg.TTY = DefaultTTY
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = DefaultChunkDelay
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ChunkRetries < 0 {
		cfg.ChunkRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.Opener == nil {
		cfg.Opener = openSerial
	}

	return &cfg
}
