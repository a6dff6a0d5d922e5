package flash

import (
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/sync/semaphore"
)

// rxPollInterval is the read timeout of the rx loop, which bounds how long a
// Close waits on a read that has nothing to return
var rxPollInterval = 10 * time.Millisecond
var rxStopTimeout = 250 * time.Millisecond

var listPorts = serial.GetPortsList

// Port is the part of serial.Port a Connection uses
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Opener opens the transport for the given TTY and mode
type Opener func(tty string, mode *serial.Mode) (Port, error)

func openSerial(tty string, mode *serial.Mode) (Port, error) {
	return serial.Open(tty, mode)
}

// Ports will list the serial ports present on the system
func Ports() ([]string, error) {
	return listPorts()
}

// Connection owns a serial port and its read and write sides. All traffic to
// the device goes through it.
type Connection struct {
	config *Config
	tty    string

	mu     sync.Mutex
	port   Port
	rx     chan byte
	stop   chan struct{}
	rxDone chan struct{}

	// only one flash operation may use the connection at a time
	busy *semaphore.Weighted
}

// NewConnection creates a closed connection for the given config
func NewConnection(c *Config) *Connection {
	return &Connection{
		config: c.withDefaults(),
		busy:   semaphore.NewWeighted(1),
	}
}

// Open creates a connection and opens it
func Open(c *Config) (*Connection, error) {
	conn := NewConnection(c)
	if err := conn.Open(); err != nil {
		return nil, err
	}
	return conn, nil
}

// Open will open the serial port and start reading from it. Opening an open
// connection does nothing.
func (c *Connection) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}

	tty, err := c.selectTTY()
	if err != nil {
		return err
	}

	port, err := c.config.Opener(tty, &serial.Mode{
		BaudRate: c.config.Baud,
		DataBits: 8,
		Parity:   c.config.Parity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return &PortError{TTY: tty, Err: err}
	}
	if err := port.SetReadTimeout(rxPollInterval); err != nil {
		port.Close()
		return &PortError{TTY: tty, Err: errors.Wrap(err, "could not set read timeout")}
	}

	c.tty = tty
	c.port = port
	c.rx = make(chan byte, 64)
	c.stop = make(chan struct{})
	c.rxDone = make(chan struct{})
	go c.readLoop(port, c.rx, c.stop, c.rxDone)

	logrus.Debugf("conn open: %s @ %d", tty, c.config.Baud)

	return nil
}

func (c *Connection) selectTTY() (string, error) {
	if c.config.TTY != "" {
		return c.config.TTY, nil
	}

	ports, err := listPorts()
	if err != nil {
		return "", &PortError{Err: errors.Wrap(err, "could not list serial ports")}
	}
	if len(ports) == 0 {
		return "", &PortError{Err: errors.New("no serial ports found")}
	}
	return ports[0], nil
}

// Close will stop reading, flush pending writes and close the port, in that
// order. Closing a closed or never opened connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		select {
		case <-c.rxDone:
		case <-time.After(rxStopTimeout):
			logrus.Warn("rx loop did not stop, closing port anyway")
		}
		c.stop = nil
		c.rxDone = nil
	}

	if c.port == nil {
		return nil
	}
	port := c.port
	c.port = nil

	var err error
	if derr := port.Drain(); derr != nil && !isPortClosed(derr) {
		err = errors.Wrap(derr, "could not drain serial")
	}
	if cerr := port.Close(); cerr != nil && !isPortClosed(cerr) && err == nil {
		err = errors.Wrap(cerr, "could not close serial")
	}

	logrus.Debug("conn close")

	return err
}

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// TTY will return the TTY that is (or will be) used
func (c *Connection) TTY() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tty != "" {
		return c.tty
	}
	return c.config.TTY
}

// BaudRate will return the baud rate used to connect to the TTY
func (c *Connection) BaudRate() int {
	return c.config.Baud
}

// readLoop reads from the port and writes the incoming bytes to rx until stop
// is closed or the port fails
func (c *Connection) readLoop(port Port, rx chan<- byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 64)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			// don't write out if we're just complaining about it being closed
			if isPortClosed(err) {
				return
			}

			logrus.Error("rx err: ", err.Error())
			return
		}

		if n > 0 {
			logrus.Debugf("rx: %x", buf[:n])
		}
		for _, b := range buf[:n] {
			select {
			case rx <- b:
			case <-stop:
				return
			}
		}
	}
}

// Write will write the bytes to the microcontroller
func (c *Connection) Write(bs []byte) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	if port == nil {
		return ErrClosed
	}

	// a port write may return early, keep going until every byte is out
	for rest := bs; len(rest) > 0; {
		n, err := port.Write(rest)
		if err != nil {
			if isPortClosed(err) {
				return errors.Wrap(ErrClosed, err.Error())
			}
			return errors.Wrap(err, "serial write")
		}
		if n <= 0 {
			return errors.Wrapf(io.ErrShortWrite, "serial write: %d of %d bytes", len(bs)-len(rest), len(bs))
		}
		rest = rest[n:]
	}
	logrus.Tracef("tx: %x", bs)

	return nil
}

// ReadN will read exactly n bytes, waiting at most to for each one
func (c *Connection) ReadN(n int, to time.Duration) ([]byte, error) {
	c.mu.Lock()
	rx, stop := c.rx, c.stop
	c.mu.Unlock()

	if stop == nil {
		return nil, ErrClosed
	}

	bs := make([]byte, n)
	for i := 0; i < n; i++ {
		select {
		case <-time.After(to):
			return nil, ErrTimeout
		case <-stop:
			return nil, ErrClosed
		case b := <-rx:
			bs[i] = b
		}
	}

	return bs, nil
}

func (c *Connection) tryAcquire() bool { return c.busy.TryAcquire(1) }
func (c *Connection) release()         { c.busy.Release(1) }

func isPortClosed(err error) bool {
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return true
	}
	return errors.Is(err, syscall.EBADF)
}
