// serialflash writes the images listed in a firmware manifest to a
// microcontroller over a serial port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/synthread/serialflash/flash"
	"github.com/synthread/serialflash/manifest"
)

var (
	tty          = flag.String("tty", flash.DefaultTTY, "Serial port path (like /dev/ttyUSB0, or COM3). Empty selects the first port found.")
	baud         = flag.Int("baud", flash.DefaultBaud, "Baud rate.")
	manifestPath = flag.String("manifest", "manifest.json", "Path to the firmware manifest; parts are resolved relative to it.")
	build        = flag.Int("build", 0, "Index of the manifest build to flash.")
	entry        = flag.String("entry", "reset", "Bootloader entry: reset, stm32 or gpio.")
	retries      = flag.Int("retries", 0, "Retries per chunk write, with exponential backoff.")
	powerGPIO    = flag.Int("power_gpio", 0, "GPIO driving chip power (stm32 and gpio entry).")
	boot0GPIO    = flag.Int("boot0_gpio", 0, "GPIO driving BOOT0 (stm32 and gpio entry).")
	boot1GPIO    = flag.Int("boot1_gpio", 0, "GPIO driving BOOT1 (stm32 and gpio entry).")
	usePins      = flag.Bool("pins", false, "Use the boot pins with the stm32 entry.")
	jump         = flag.Bool("go", false, "With the stm32 entry, start the application at the first image offset after flashing.")
	unprotect    = flag.Bool("unprotect", false, "With the stm32 entry, clear flash write protection before erasing.")
	noErase      = flag.Bool("no_erase", false, "With the stm32 entry, skip the mass erase.")
	verify       = flag.Bool("verify", false, "With the stm32 entry, read every block back after writing it.")
	list         = flag.Bool("list", false, "List serial ports and exit.")
	verbose      = flag.Bool("v", false, "Verbose logging.")
)

func main() {
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *list {
		ports, err := flash.Ports()
		if err != nil {
			logrus.Fatalf("could not list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		logrus.Errorf("Installation failed: %v", err)
		os.Exit(1)
	}
	logrus.Info("Firmware installed successfully!")
}

func run(ctx context.Context) error {
	m, err := manifest.Load(*manifestPath)
	if err != nil {
		return err
	}
	plan, err := m.Plan(filepath.Dir(*manifestPath), *build)
	if err != nil {
		return err
	}

	cfg := &flash.Config{
		TTY:          *tty,
		Baud:         *baud,
		ChunkRetries: *retries,
	}

	var pins *flash.BootPins
	if *entry == "gpio" || (*entry == "stm32" && *usePins) {
		if pins, err = flash.NewBootPins(*powerGPIO, *boot0GPIO, *boot1GPIO); err != nil {
			return err
		}
		defer pins.Release()
	}

	var e flash.Entry
	var stm *flash.STM32Entry
	switch *entry {
	case "reset":
	case "stm32":
		cfg.Parity = serial.EvenParity
		stm = &flash.STM32Entry{
			Pins:      pins,
			Unprotect: *unprotect,
			NoErase:   *noErase,
			Verify:    *verify,
		}
		e = stm
	case "gpio":
		e = flash.GPIOEntry{Pins: pins}
	default:
		return fmt.Errorf("unknown entry %q", *entry)
	}

	logrus.Info("Connecting to device...")
	conn, err := flash.Open(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	logrus.Infof("Connected to %s", conn.TTY())

	logrus.Info("Starting flash process...")
	f := flash.NewFlasher(conn, e)
	if err := f.Flash(ctx, plan, func(r flash.ProgressReport) {
		logrus.Infof("Progress: %.0f%% - %s", r.Percent, r.Status)
	}); err != nil {
		return err
	}

	if stm != nil {
		if id, err := stm.ChipID(conn); err == nil {
			logrus.Infof("Chip: %s", id)
		}
		if *jump {
			return stm.Go(conn, plan[0].Offset)
		}
	}
	if pins != nil && *entry == "gpio" {
		return pins.Reset(ctx)
	}

	return nil
}
