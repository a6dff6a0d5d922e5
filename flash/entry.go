package flash

import (
	"context"
	"time"
)

// Entry puts the device into a mode that accepts firmware writes. It is called
// once per flash, before any image is sent.
type Entry interface {
	Enter(ctx context.Context, conn *Connection) error
}

const (
	resetFrameDelimiter byte = 0xc0
	resetFrameFiller    byte = 0x24
	resetFrameFillerLen      = 30
	ResetFrameSize           = 1 + 2 + resetFrameFillerLen + 1
)

var resetFrameHeader = [2]byte{0x00, 0x08}

// ResetFrame returns the reset command frame sent by ResetFrameEntry
func ResetFrame() []byte {
	bs := make([]byte, 0, ResetFrameSize)
	bs = append(bs, resetFrameDelimiter)
	bs = append(bs, resetFrameHeader[:]...)
	for i := 0; i < resetFrameFillerLen; i++ {
		bs = append(bs, resetFrameFiller)
	}
	return append(bs, resetFrameDelimiter)
}

// ResetFrameEntry writes ResetFrame and waits for the device to settle.
//
// Nothing is read back, so a device that ignores the frame goes unnoticed.
// Use STM32Entry or another Entry for a bootloader with a real sync sequence.
type ResetFrameEntry struct {
	// Settle is the pause after the frame. Zero selects DefaultSettleDelay,
	// NoDelay skips it.
	Settle time.Duration
}

func (e ResetFrameEntry) Enter(ctx context.Context, conn *Connection) error {
	if err := conn.Write(ResetFrame()); err != nil {
		return &ProtocolError{Op: "reset", Err: err}
	}

	return pause(ctx, settleDelay(e.Settle))
}

// settleDelay maps a zero Settle to DefaultSettleDelay
func settleDelay(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultSettleDelay
	}
	return d
}

// GPIOEntry enters the bootloader with the boot pins only
type GPIOEntry struct {
	Pins *BootPins
	// Settle is the pause after the power cycle. Zero selects
	// DefaultSettleDelay, NoDelay skips it.
	Settle time.Duration
}

func (e GPIOEntry) Enter(ctx context.Context, conn *Connection) error {
	if err := e.Pins.EnterBootloader(ctx); err != nil {
		return &ProtocolError{Op: "boot pins", Err: err}
	}
	return pause(ctx, settleDelay(e.Settle))
}
