package rs485

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// fakePort scripts reads: each entry is returned by one Read call, a nil
// entry plays a timeout (0, nil), and exhaustion plays EOF.
type fakePort struct {
	reads  [][]byte
	writes bytes.Buffer
	rts    []bool
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	chunk := p.reads[0]
	p.reads = p.reads[1:]
	if chunk == nil {
		return 0, nil
	}
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) { return p.writes.Write(b) }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) SetRTS(level bool) error {
	p.rts = append(p.rts, level)
	return nil
}

func TestReadFrameReassemblesSplitLines(t *testing.T) {
	port := &fakePort{reads: [][]byte{
		[]byte("EST01:CO"),
		[]byte("NT:5\nEST01:TOT"),
		[]byte("AL:9\n"),
	}}
	tr := New(port)

	f, err := tr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f != (Frame{"EST01", TagCont, 5}) {
		t.Errorf("first frame = %+v", f)
	}

	f, err = tr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f != (Frame{"EST01", TagTotal, 9}) {
		t.Errorf("second frame = %+v", f)
	}
}

func TestReadFrameTimeoutKeepsPartialLine(t *testing.T) {
	port := &fakePort{reads: [][]byte{
		[]byte("EST01:CON"),
		nil, // timeout
		[]byte("T:7\n"),
	}}
	tr := New(port)

	if _, err := tr.ReadFrame(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	f, err := tr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f != (Frame{"EST01", TagCont, 7}) {
		t.Errorf("frame after timeout = %+v", f)
	}
}

func TestReadFrameMalformedLineDoesNotKillSession(t *testing.T) {
	port := &fakePort{reads: [][]byte{
		[]byte("garbage-line\nEST01:CONT:1\n"),
	}}
	tr := New(port)

	var pe *ParseError
	if _, err := tr.ReadFrame(); !errors.As(err, &pe) {
		t.Fatalf("want *ParseError, got %v", err)
	}
	f, err := tr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Tag != TagCont {
		t.Errorf("frame after parse error = %+v", f)
	}
}

func TestReadFramePortLost(t *testing.T) {
	tr := New(&fakePort{})
	if _, err := tr.ReadFrame(); !errors.Is(err, ErrPortLost) {
		t.Fatalf("want ErrPortLost, got %v", err)
	}
}

func TestWriteFrameTogglesDirectionLine(t *testing.T) {
	port := &fakePort{}
	tr := New(port)
	tr.settle = 0

	if err := tr.WriteFrame(CmdActivate("EST01", "PT-500")); err != nil {
		t.Fatal(err)
	}
	if got := port.writes.String(); got != "EST01:ACTIVAR:PT-500\n" {
		t.Errorf("wrote %q", got)
	}
	if len(port.rts) != 2 || !port.rts[0] || port.rts[1] {
		t.Errorf("DE/RE sequence = %v, want [true false]", port.rts)
	}
}

func TestWriteFrameBusBusy(t *testing.T) {
	tr := New(&fakePort{})
	tr.settle = 0

	tr.writeMu.Lock()
	err := tr.WriteFrame("EST01:META:5")
	tr.writeMu.Unlock()

	if !errors.Is(err, ErrBusBusy) {
		t.Fatalf("want ErrBusBusy, got %v", err)
	}
	// Bus released: the write goes through now.
	if err := tr.WriteFrame("EST01:META:5"); err != nil {
		t.Fatal(err)
	}
}

func TestOversizedGarbageIsDiscarded(t *testing.T) {
	junk := strings.Repeat("x", maxLineLen+10)
	port := &fakePort{reads: [][]byte{
		[]byte(junk),
		[]byte("EST01:CONT:3\n"),
	}}
	tr := New(port)

	// First read buffers junk with no newline; second delivers a valid frame.
	// The junk must not glue itself onto the valid line.
	f, err := tr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f != (Frame{"EST01", TagCont, 3}) {
		t.Errorf("frame = %+v", f)
	}
}
