package flash

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const b_STM_ACK byte = 0x79
const b_STM_NACK byte = 0x1f
const b_STM_SYNC byte = 0x7f

var STMTimeout = 5 * time.Second

// STMEraseTimeout bounds the wait for the mass erase ACK, which takes seconds
// on large parts
var STMEraseTimeout = 30 * time.Second

// stmFlashBlockMax is the most bytes one write memory command carries
const stmFlashBlockMax = 256

var ErrSTMFailedToAck = errors.New("failed to read ack or nack from stm microcontroller")
var ErrSTMNACK = errors.New("received nack from stm microcontroller")
var ErrSTMVerify = errors.New("flash contents differ from the written data")

type CommandCode int

// these must be the index of the bytes as received in the get data call
const (
	CommandCodeSync           CommandCode = -1
	CommandCodeGet            CommandCode = 0
	CommandCodeGetVersion     CommandCode = 1
	CommandCodeGetID          CommandCode = 2
	CommandCodeReadMemory     CommandCode = 3
	CommandCodeGo             CommandCode = 4
	CommandCodeWriteMemory    CommandCode = 5
	CommandCodeErase          CommandCode = 6
	CommandCodeWriteUnprotect CommandCode = 8
)

var defaultCmdCodeMap = map[CommandCode]byte{
	CommandCodeGet:            0x00,
	CommandCodeGetVersion:     0x01,
	CommandCodeGetID:          0x02,
	CommandCodeReadMemory:     0x11,
	CommandCodeGo:             0x21,
	CommandCodeWriteMemory:    0x31,
	CommandCodeErase:          0x43,
	CommandCodeWriteUnprotect: 0x73,
}

// extendedEraseCmd is the erase opcode of bootloaders v3.0 and later, which
// take a two byte page count
const extendedEraseCmd byte = 0x44

// STM32Entry enters the STM32 system bootloader (AN3155). It optionally power
// cycles the chip into the bootloader with Pins, then syncs the autobaud,
// loads the bootloader version and command table and mass erases the flash.
// The port must use even parity.
//
// STM32Entry is also a ChunkWriter: chunks go out as write memory commands of
// at most 256 bytes at the chunk address.
type STM32Entry struct {
	Pins    *BootPins
	Timeout time.Duration

	// Unprotect clears write protection before the erase. The chip resets
	// and is synced again.
	Unprotect bool
	// NoErase skips the mass erase
	NoErase bool
	// Verify reads every block back after writing it
	Verify bool

	// populated by Enter
	Version  byte
	Commands map[CommandCode]byte
}

func (e *STM32Entry) Enter(ctx context.Context, conn *Connection) error {
	if e.Pins != nil {
		if err := e.Pins.EnterBootloader(ctx); err != nil {
			return &ProtocolError{Op: "boot pins", Err: err}
		}
	}

	if err := e.exec(conn, CommandCodeSync); err != nil {
		return &ProtocolError{Op: "sync", Err: err}
	}
	if err := e.get(conn); err != nil {
		return &ProtocolError{Op: "get", Err: err}
	}

	logrus.Debugf("stm bootloader v%d.%d, %d commands", e.Version>>4, e.Version&0x0f, len(e.Commands))

	if e.Unprotect {
		if err := e.writeUnprotect(conn); err != nil {
			return &ProtocolError{Op: "write unprotect", Err: err}
		}
	}
	if !e.NoErase {
		if err := e.eraseMemory(conn); err != nil {
			return &ProtocolError{Op: "erase", Err: err}
		}
	}

	return nil
}

// WriteChunk writes ch at its address in blocks of at most 256 bytes. The
// last block is padded with 0xff to a multiple of four bytes, as the
// bootloader requires.
func (e *STM32Entry) WriteChunk(conn *Connection, ch Chunk) error {
	nseg := ceilDiv(len(ch.Data), stmFlashBlockMax)

	for i := 0; i < nseg; i++ {
		offset := i * stmFlashBlockMax
		segAddr := ch.Addr + uint32(offset)
		block := padBlock(ch.Data[offset:min(len(ch.Data), offset+stmFlashBlockMax)])

		if err := e.writeMemory(conn, segAddr, block); err != nil {
			return errors.Wrapf(err, "could not write block @ %x", segAddr)
		}
		if e.Verify {
			if err := e.verifyMemory(conn, segAddr, block); err != nil {
				return errors.Wrapf(err, "could not verify block @ %x", segAddr)
			}
		}
	}

	return nil
}

// padBlock extends bs with 0xff to a multiple of four bytes
func padBlock(bs []byte) []byte {
	if len(bs)%4 == 0 {
		return bs
	}
	out := make([]byte, len(bs), ceilDiv(len(bs), 4)*4)
	copy(out, bs)
	for len(out) < cap(out) {
		out = append(out, 0xff)
	}
	return out
}

func (e *STM32Entry) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return STMTimeout
}

// commandSequence will return the byte sequence required for the requested
// command
func (e *STM32Entry) commandSequence(c CommandCode) []byte {
	if c == CommandCodeSync {
		return []byte{b_STM_SYNC}
	}

	cmdb, ok := e.Commands[c]
	if !ok {
		cmdb, ok = defaultCmdCodeMap[c]
		if !ok {
			panic("unknown command code")
		}
	}

	return []byte{cmdb, 0xff ^ cmdb}
}

// readWithLength will read the next bytes based on a STM formatted message
// which is prefixed by a single byte that represents the length of the
// expected message minus one
func (e *STM32Entry) readWithLength(conn *Connection) ([]byte, error) {
	n, err := conn.ReadN(1, e.timeout())
	if err != nil {
		return nil, errors.Wrap(err, "could not get length from stm microcontroller")
	}
	return conn.ReadN(int(n[0])+1, e.timeout())
}

// writeWithNAndChecksum will write the data prefixed with its length minus one
// and suffixed with the checksum of the entire message
func (e *STM32Entry) writeWithNAndChecksum(conn *Connection, bs []byte) error {
	out := make([]byte, 0, len(bs)+1)
	out = append(out, byte(len(bs)-1))
	return e.writeWithChecksum(conn, append(out, bs...))
}

// writeWithChecksum will write the requested data with a checksum at the end
func (e *STM32Entry) writeWithChecksum(conn *Connection, bs []byte) error {
	out := make([]byte, 0, len(bs)+1)
	out = append(out, bs...)
	return conn.Write(append(out, checksum(bs)))
}

// readAckOrNack reads the pending byte and returns nil for an ACK, ErrSTMNACK
// for a NACK and ErrSTMFailedToAck for anything else
func (e *STM32Entry) readAckOrNack(conn *Connection) error {
	return e.readAckWithin(conn, e.timeout())
}

func (e *STM32Entry) readAckWithin(conn *Connection, d time.Duration) error {
	bs, err := conn.ReadN(1, d)
	if err != nil {
		return errors.Wrap(ErrSTMFailedToAck, err.Error())
	}

	switch bs[0] {
	case b_STM_ACK:
		return nil
	case b_STM_NACK:
		return ErrSTMNACK
	}
	return ErrSTMFailedToAck
}
