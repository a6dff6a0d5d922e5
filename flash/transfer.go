package flash

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Chunk is a contiguous slice of an image sent in one write
type Chunk struct {
	Index int
	Addr  uint32
	Data  []byte
}

// Chunks splits the image into pieces of at most size bytes, in address order
// starting at the image offset. The chunks share the image's backing array.
// A non-positive size selects DefaultChunkSize.
func Chunks(img FirmwareImage, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	nseg := ceilDiv(img.Size(), size)
	chunks := make([]Chunk, 0, nseg)

	for i := 0; i < nseg; i++ {
		offset := i * size
		endIndex := min(img.Size(), offset+size)
		chunks = append(chunks, Chunk{
			Index: i,
			Addr:  img.Offset + uint32(offset),
			Data:  img.Data[offset:endIndex],
		})
	}

	return chunks
}

// ChunkWriter puts one chunk on the wire. Entries whose bootloader speaks a
// write protocol implement it, and NewFlasher picks it up from the entry.
type ChunkWriter interface {
	WriteChunk(conn *Connection, ch Chunk) error
}

// rawWriter sends the chunk bytes as they are, with no framing or address
type rawWriter struct{}

func (rawWriter) WriteChunk(conn *Connection, ch Chunk) error {
	return conn.Write(ch.Data)
}

// ChunkTransfer writes images to a connection one chunk at a time
type ChunkTransfer struct {
	conn   *Connection
	writer ChunkWriter

	size        int
	delay       time.Duration
	retries     int
	interval    time.Duration
	maxInterval time.Duration
}

// NewChunkTransfer uses the chunking, pacing and retry settings of the
// connection's config
func NewChunkTransfer(conn *Connection) *ChunkTransfer {
	return &ChunkTransfer{
		conn:        conn,
		writer:      rawWriter{},
		size:        conn.config.ChunkSize,
		delay:       conn.config.ChunkDelay,
		retries:     conn.config.ChunkRetries,
		interval:    conn.config.RetryInterval,
		maxInterval: conn.config.RetryMaxInterval,
	}
}

// WithWriter sends every chunk through w instead of as raw bytes
func (t *ChunkTransfer) WithWriter(w ChunkWriter) *ChunkTransfer {
	t.writer = w
	return t
}

// Transfer writes every chunk of img in order, pausing after each one, and
// calls onChunk with the fraction of chunks written so far. It stops at the
// first chunk that cannot be written.
func (t *ChunkTransfer) Transfer(ctx context.Context, img FirmwareImage, onChunk func(float64)) error {
	chunks := Chunks(img, t.size)

	for _, ch := range chunks {
		logrus.Debugf("wm: %s[%d] @ %x [l=%d]", img.Name, ch.Index, ch.Addr, len(ch.Data))

		if err := t.write(ctx, ch); err != nil {
			return &TransferError{Image: img.Name, Chunk: ch.Index, Addr: ch.Addr, Err: err}
		}
		if err := pause(ctx, t.delay); err != nil {
			return &TransferError{Image: img.Name, Chunk: ch.Index, Addr: ch.Addr, Err: err}
		}

		if onChunk != nil {
			onChunk(float64(ch.Index+1) / float64(len(chunks)))
		}
	}

	return nil
}

func (t *ChunkTransfer) write(ctx context.Context, ch Chunk) error {
	if t.retries <= 0 {
		return t.writer.WriteChunk(t.conn, ch)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.interval
	bo.MaxInterval = t.maxInterval
	bo.MaxElapsedTime = 0

	operation := func() error {
		err := t.writer.WriteChunk(t.conn, ch)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.retries)), ctx),
		func(err error, d time.Duration) {
			logrus.Warnf("chunk %d @ %x: retrying in %s: %v", ch.Index, ch.Addr, d, err)
		})
}
