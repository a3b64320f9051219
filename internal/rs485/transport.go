package rs485

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrTimeout is returned by ReadFrame when no complete line arrived
	// within the port's read timeout.
	ErrTimeout = errors.New("rs485: read timeout")
	// ErrBusBusy is returned by WriteFrame when another writer holds the
	// bus. Callers retry on their own cadence.
	ErrBusBusy = errors.New("rs485: bus busy")
	// ErrPortLost wraps unrecoverable port failures. The orchestrator
	// reopens with backoff.
	ErrPortLost = errors.New("rs485: port lost")
)

// writeSettle is how long the DE/RE line stays up after the last byte so the
// transceiver finishes shifting it out before the bus is released.
const writeSettle = 10 * time.Millisecond

// maxLineLen bounds a single frame. Anything longer is garbage on the bus.
const maxLineLen = 256

// Port is the subset of a serial port the transport needs. *serial.Port
// satisfies it; tests use in-memory pipes.
type Port interface {
	io.ReadWriteCloser
}

// rtsPort is implemented by ports that expose the RTS line, which drives
// DE/RE on common RS-485 adapters. Adapters with automatic direction control
// simply don't implement it.
type rtsPort interface {
	SetRTS(level bool) error
}

// Transport frames line I/O over a half-duplex serial port. One goroutine
// reads; writes are exclusive and fail fast on contention.
type Transport struct {
	port    Port
	settle  time.Duration
	writeMu sync.Mutex

	pending bytes.Buffer // partial line carried across reads
	lines   [][]byte     // complete lines not yet returned
	readBuf []byte
}

// Open opens the serial device at 8-N-1 with the given baud rate and read
// timeout and wraps it in a Transport.
func Open(device string, baud int, readTimeout time.Duration) (*Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return New(port), nil
}

// New wraps an already-open port.
func New(port Port) *Transport {
	return &Transport{
		port:    port,
		settle:  writeSettle,
		readBuf: make([]byte, 512),
	}
}

// ReadFrame reads one complete line and parses it. It returns ErrTimeout
// when the deadline passes without a full line, a *ParseError for malformed
// lines, and ErrPortLost when the port fails. Partial input survives
// timeouts; the next call continues where this one stopped.
func (t *Transport) ReadFrame() (Frame, error) {
	for {
		if line, ok := t.nextLine(); ok {
			return ParseFrame(string(line))
		}

		n, err := t.port.Read(t.readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: %v", ErrPortLost, err)
			}
			return Frame{}, fmt.Errorf("%w: %v", ErrPortLost, err)
		}
		if n == 0 {
			// go.bug.st/serial signals an expired read timeout as (0, nil).
			return Frame{}, ErrTimeout
		}
		t.split(t.readBuf[:n])
	}
}

// split appends chunk to the pending buffer and peels off complete lines.
func (t *Transport) split(chunk []byte) {
	t.pending.Write(chunk)
	for {
		raw := t.pending.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			if t.pending.Len() > maxLineLen {
				t.pending.Reset()
			}
			return
		}
		line := make([]byte, i)
		copy(line, raw[:i])
		t.pending.Next(i + 1)
		if len(line) > 0 {
			t.lines = append(t.lines, line)
		}
	}
}

func (t *Transport) nextLine() ([]byte, bool) {
	if len(t.lines) == 0 {
		return nil, false
	}
	line := t.lines[0]
	t.lines = t.lines[1:]
	return line, true
}

// WriteFrame raises the direction line, writes text plus a newline, holds the
// line through the settle delay, and releases the bus. A concurrent writer
// gets ErrBusBusy immediately.
func (t *Transport) WriteFrame(text string) error {
	if !t.writeMu.TryLock() {
		return ErrBusBusy
	}
	defer t.writeMu.Unlock()

	if rts, ok := t.port.(rtsPort); ok {
		if err := rts.SetRTS(true); err != nil {
			return fmt.Errorf("%w: raise DE/RE: %v", ErrPortLost, err)
		}
		defer func() { _ = rts.SetRTS(false) }()
	}

	if _, err := io.WriteString(t.port, text+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrPortLost, err)
	}
	time.Sleep(t.settle)
	return nil
}

// Close releases the port.
func (t *Transport) Close() error {
	return t.port.Close()
}
