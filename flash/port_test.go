package flash

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

var errPortGone = errors.New("fake port is closed")

// fakePort is an in-memory device. Writes are recorded and may be answered
// through respond; failAt fails the write attempt with the given index.
type fakePort struct {
	mu sync.Mutex

	writes   [][]byte
	attempts int
	failAt   map[int]error
	// maxWrite caps how many bytes one Write accepts, like a full driver
	// buffer; stall makes every Write accept nothing
	maxWrite int
	stall    bool
	onWrite  func(attempt int)
	respond  func(written []byte) []byte

	rxBuf       []byte
	notify      chan struct{}
	readTimeout time.Duration

	closed bool
	events []string
}

func newFakePort() *fakePort {
	return &fakePort{
		failAt: map[int]error{},
		notify: make(chan struct{}, 1),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortGone
	}
	if len(p.rxBuf) > 0 {
		n := copy(b, p.rxBuf)
		p.rxBuf = p.rxBuf[n:]
		p.mu.Unlock()
		return n, nil
	}
	to := p.readTimeout
	p.mu.Unlock()

	select {
	case <-p.notify:
	case <-time.After(to):
	}
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	attempt := p.attempts
	p.attempts++
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errPortGone
	}
	if err, ok := p.failAt[attempt]; ok {
		return 0, err
	}
	if p.stall {
		return 0, nil
	}
	if p.maxWrite > 0 && len(b) > p.maxWrite {
		b = b[:p.maxWrite]
	}

	p.writes = append(p.writes, append([]byte(nil), b...))
	p.events = append(p.events, "write")

	if p.respond != nil {
		if r := p.respond(b); len(r) > 0 {
			p.rxBuf = append(p.rxBuf, r...)
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
	}
	return len(b), nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "drain")
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.events = append(p.events, "close")
	}
	p.closed = true
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePort) eventLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePort) setFailAt(attempt int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAt[attempt] = err
}

// testConfig returns a config that opens port with no pacing delays
func testConfig(port *fakePort) *Config {
	return &Config{
		TTY:         "/dev/ttyTEST0",
		ChunkDelay:  NoDelay,
		SettleDelay: NoDelay,
		Opener: func(string, *serial.Mode) (Port, error) {
			return port, nil
		},
	}
}

func openTestConn(t *testing.T, port *fakePort, cfg *Config) *Connection {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(port)
	}
	conn, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
