package flash

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrPortUnavailable = errors.New("serial port unavailable")
var ErrClosed = errors.New("serial port is closed")
var ErrTimeout = errors.New("timed out reading from microcontroller")
var ErrBusy = errors.New("a flash operation is already running on this connection")
var ErrEmptyPlan = errors.New("flash plan has no images")
var ErrEmptyImage = errors.New("firmware image has no data")

// PortError is returned when a serial port could not be selected or opened.
// It matches ErrPortUnavailable with errors.Is.
type PortError struct {
	TTY string
	Err error
}

func (e *PortError) Error() string {
	if e.TTY == "" {
		return fmt.Sprintf("%v: %v", ErrPortUnavailable, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", ErrPortUnavailable, e.TTY, e.Err)
}

func (e *PortError) Is(target error) bool { return target == ErrPortUnavailable }
func (e *PortError) Unwrap() error        { return e.Err }

// ProtocolError is returned by an Entry when the device could not be put into
// bootloader mode
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bootloader %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransferError identifies the chunk whose write failed
type TransferError struct {
	Image string
	Chunk int
	Addr  uint32
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("could not write chunk %d of %s @ %#x: %v", e.Chunk, e.Image, e.Addr, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// FailureKind classifies a FlashError
type FailureKind int

const (
	ProtocolFailure FailureKind = iota + 1
	TransferFailure
)

func (k FailureKind) String() string {
	switch k {
	case ProtocolFailure:
		return "protocol failure"
	case TransferFailure:
		return "transfer failure"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// FlashError is the error returned by Flasher.Flash. For a TransferFailure,
// Image and Offset name the image and the address of the chunk that failed.
type FlashError struct {
	Kind   FailureKind
	Image  string
	Offset uint32
	Err    error
}

func (e *FlashError) Error() string {
	if e.Kind == TransferFailure {
		return fmt.Sprintf("%s: flashing %s failed at %#x: %v", e.Kind, e.Image, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// Cause lets errors.Cause from github.com/pkg/errors see through a FlashError
func (e *FlashError) Cause() error { return e.Err }
