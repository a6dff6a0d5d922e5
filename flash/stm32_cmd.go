package flash

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// exec will run the specified command and check that it is ACK'd
func (e *STM32Entry) exec(conn *Connection, c CommandCode) error {
	if err := conn.Write(e.commandSequence(c)); err != nil {
		return err
	}
	return e.readAckOrNack(conn)
}

// get will load the bootloader version and the command codes it supports
func (e *STM32Entry) get(conn *Connection) error {
	if err := e.exec(conn, CommandCodeGet); err != nil {
		return err
	}

	bs, err := e.readWithLength(conn)
	if err != nil {
		return err
	}

	if err = e.readAckOrNack(conn); err != nil {
		return err
	}

	e.Version = bs[0]
	e.Commands = make(map[CommandCode]byte, len(bs)-1)

	// get the command codes from the response
	for i := 0; i < len(bs)-1; i++ {
		e.Commands[CommandCode(i)] = bs[i+1]
	}

	return nil
}

// ChipID will return the product ID reported by the bootloader, hex encoded.
// Enter must have succeeded first.
func (e *STM32Entry) ChipID(conn *Connection) (string, error) {
	if err := e.exec(conn, CommandCodeGetID); err != nil {
		return "", err
	}

	bs, err := e.readWithLength(conn)
	if err != nil {
		return "", err
	}

	if err = e.readAckOrNack(conn); err != nil {
		return "", err
	}

	return "STM_" + hex.EncodeToString(bs), nil
}

// Go will start execution of the flashed application at addr
func (e *STM32Entry) Go(conn *Connection, addr uint32) error {
	if err := e.exec(conn, CommandCodeGo); err != nil {
		return errors.Wrap(err, "err exec go")
	}

	return e.writeAddress(conn, addr)
}

// eraseMemory will request that all flash memory be erased
func (e *STM32Entry) eraseMemory(conn *Connection) error {
	if err := e.exec(conn, CommandCodeErase); err != nil {
		return err
	}

	// global erase: 0xffff pages for extended erase, 0xff pages otherwise
	args := []byte{0xff, 0x00}
	if e.commandSequence(CommandCodeErase)[0] == extendedEraseCmd {
		args = []byte{0xff, 0xff, 0x00}
	}
	if err := conn.Write(args); err != nil {
		return err
	}

	return e.readAckWithin(conn, STMEraseTimeout)
}

// writeAddress sends addr with its checksum and waits for the ACK
func (e *STM32Entry) writeAddress(conn *Connection, addr uint32) error {
	if err := e.writeWithChecksum(conn, binary.BigEndian.AppendUint32(nil, addr)); err != nil {
		return errors.Wrap(err, "err writing addr")
	}
	return errors.Wrap(e.readAckOrNack(conn), "addr ack fail")
}

// writeMemory will attempt to write the requested data at the provided
// address in memory
func (e *STM32Entry) writeMemory(conn *Connection, addr uint32, data []byte) error {
	if err := e.exec(conn, CommandCodeWriteMemory); err != nil {
		return errors.Wrap(err, "err exec write mem")
	}
	if err := e.writeAddress(conn, addr); err != nil {
		return err
	}

	if err := e.writeWithNAndChecksum(conn, data); err != nil {
		return errors.Wrap(err, "err writing data")
	}
	return errors.Wrap(e.readAckOrNack(conn), "err ack after write data")
}

// readMemory reads n bytes, at most 256, starting at addr
func (e *STM32Entry) readMemory(conn *Connection, addr uint32, n int) ([]byte, error) {
	if err := e.exec(conn, CommandCodeReadMemory); err != nil {
		return nil, errors.Wrap(err, "err exec read mem")
	}
	if err := e.writeAddress(conn, addr); err != nil {
		return nil, err
	}

	nb := byte(n - 1)
	if err := conn.Write([]byte{nb, 0xff ^ nb}); err != nil {
		return nil, errors.Wrap(err, "err writing length")
	}
	if err := e.readAckOrNack(conn); err != nil {
		return nil, errors.Wrap(err, "length ack fail")
	}
	return conn.ReadN(n, e.timeout())
}

func (e *STM32Entry) verifyMemory(conn *Connection, addr uint32, want []byte) error {
	got, err := e.readMemory(conn, addr, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return ErrSTMVerify
	}
	return nil
}

// writeUnprotect will set flash to be unprotected so that we can write it
func (e *STM32Entry) writeUnprotect(conn *Connection) error {
	if err := e.exec(conn, CommandCodeWriteUnprotect); err != nil {
		return err
	}
	// this does ACK twice, once for the command and once for the unprotect
	if err := e.readAckOrNack(conn); err != nil {
		return err
	}

	// the chip resets after this, so sync again
	return e.exec(conn, CommandCodeSync)
}
