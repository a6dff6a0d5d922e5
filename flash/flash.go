package flash

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type imageTransfer interface {
	Transfer(ctx context.Context, img FirmwareImage, onChunk func(float64)) error
}

// Flasher writes a FlashPlan to the device behind a connection
type Flasher struct {
	conn  *Connection
	entry Entry
	xfer  imageTransfer
}

// NewFlasher will create a flasher for an open connection. A nil entry sends
// the reset frame, waiting the configured settle delay. An entry that is also a
// ChunkWriter writes the chunks itself; otherwise they are sent raw.
func NewFlasher(conn *Connection, entry Entry) *Flasher {
	if entry == nil {
		entry = ResetFrameEntry{Settle: conn.config.SettleDelay}
	}
	xfer := NewChunkTransfer(conn)
	if w, ok := entry.(ChunkWriter); ok {
		xfer.WithWriter(w)
	}
	return &Flasher{
		conn:  conn,
		entry: entry,
		xfer:  xfer,
	}
}

// Flash enters the bootloader once and then writes every image of the plan in
// order, reporting overall progress to onProgress. The first failure stops
// the operation and later images are not attempted. Only one Flash may run on
// a connection at a time; a concurrent call returns ErrBusy.
func (f *Flasher) Flash(ctx context.Context, plan FlashPlan, onProgress ProgressFunc) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if !f.conn.IsOpen() {
		return &FlashError{Kind: ProtocolFailure, Err: ErrClosed}
	}
	if !f.conn.tryAcquire() {
		return ErrBusy
	}
	defer f.conn.release()

	if err := f.entry.Enter(ctx, f.conn); err != nil {
		return &FlashError{Kind: ProtocolFailure, Err: err}
	}

	tracker := newProgressTracker(plan.TotalSize(), onProgress)
	for i, img := range plan {
		logrus.Debugf("flashing %s (%d/%d): %d bytes @ %x", img.Name, i+1, len(plan), img.Size(), img.Offset)

		if err := f.xfer.Transfer(ctx, img, tracker.image(img)); err != nil {
			offset := img.Offset
			var terr *TransferError
			if errors.As(err, &terr) {
				offset = terr.Addr
			}
			return &FlashError{Kind: TransferFailure, Image: img.Name, Offset: offset, Err: err}
		}
		tracker.done(img)
	}
	tracker.complete()

	logrus.Debugf("flashed %d images, %d bytes", len(plan), plan.TotalSize())

	return nil
}

// FlashPayload will flash the payload provided at the provided address
func (f *Flasher) FlashPayload(ctx context.Context, bs []byte, addr uint32, onProgress ProgressFunc) error {
	return f.Flash(ctx, FlashPlan{{Name: "payload", Offset: addr, Data: bs}}, onProgress)
}

// FlashPayloadFromFile will flash the requested file at the provided address
func (f *Flasher) FlashPayloadFromFile(ctx context.Context, filePath string, addr uint32, onProgress ProgressFunc) error {
	img, err := ImageFromFile(filePath, addr)
	if err != nil {
		return err
	}
	return f.Flash(ctx, FlashPlan{img}, onProgress)
}
