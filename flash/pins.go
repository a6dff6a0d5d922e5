package flash

import (
	"context"
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
)

var DefaultPowerGPIO = 19
var DefaultBoot0GPIO = 39
var DefaultBoot1GPIO = 41

var pinStepDelay = 10 * time.Millisecond

type bootPin interface {
	High() error
	Low() error
	Cleanup()
}

type gpioPin struct{ gpio.Pin }

// BootPins drives the power and boot-mode lines of a microcontroller wired to
// the host's GPIO
type BootPins struct {
	power bootPin
	boot0 bootPin
	boot1 bootPin
}

// NewBootPins will export the given GPIO lines as outputs. Non-positive
// numbers select the defaults.
func NewBootPins(power, boot0, boot1 int) (*BootPins, error) {
	if power <= 0 {
		power = DefaultPowerGPIO
	}
	if boot0 <= 0 {
		boot0 = DefaultBoot0GPIO
	}
	if boot1 <= 0 {
		boot1 = DefaultBoot1GPIO
	}

	p := &BootPins{}
	var err error
	if p.power, err = newOutput(power, true); err != nil {
		return nil, errors.Wrap(err, "could not setup power pin")
	}
	if p.boot0, err = newOutput(boot0, false); err != nil {
		p.Release()
		return nil, errors.Wrap(err, "could not setup boot0 pin")
	}
	if p.boot1, err = newOutput(boot1, false); err != nil {
		p.Release()
		return nil, errors.Wrap(err, "could not setup boot1 pin")
	}
	return p, nil
}

func newOutput(n int, high bool) (bootPin, error) {
	pin, err := gpio.NewOutput(uint(n), high)
	if err != nil {
		return nil, err
	}
	return &gpioPin{pin}, nil
}

// EnterBootloader power cycles the chip with BOOT0 high and BOOT1 low, which
// starts the system bootloader on STM32 parts
func (p *BootPins) EnterBootloader(ctx context.Context) error {
	return p.powerCycle(ctx, p.boot0.High, p.boot1.Low)
}

// Reset power cycles the chip into its application
func (p *BootPins) Reset(ctx context.Context) error {
	return p.powerCycle(ctx, p.boot0.Low, p.boot1.Low)
}

func (p *BootPins) powerCycle(ctx context.Context, boot0, boot1 func() error) error {
	if err := p.power.Low(); err != nil {
		return errors.Wrap(err, "power low")
	}
	if err := boot0(); err != nil {
		return errors.Wrap(err, "set boot0")
	}
	if err := boot1(); err != nil {
		return errors.Wrap(err, "set boot1")
	}
	if err := pause(ctx, pinStepDelay); err != nil {
		return err
	}
	if err := p.power.High(); err != nil {
		return errors.Wrap(err, "power high")
	}
	return pause(ctx, pinStepDelay)
}

// Release unexports the pins
func (p *BootPins) Release() {
	for _, pin := range []bootPin{p.boot0, p.boot1, p.power} {
		if pin != nil {
			pin.Cleanup()
		}
	}
}
