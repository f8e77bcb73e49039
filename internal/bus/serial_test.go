package bus

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory adapter: writes from the transceiver are
// captured, reads come from an injected byte stream.
type fakePort struct {
	readR *io.PipeReader
	readW *io.PipeWriter

	mu    sync.Mutex
	wrote bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{readR: r, readW: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.readR.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.readW.Close()
	return p.readR.Close()
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.wrote.Bytes()...)
}

// inject feeds adapter->host bytes into the read loop.
func (p *fakePort) inject(b []byte) {
	go p.readW.Write(b)
}

func adapterFrame(ftype byte, payload ...byte) []byte {
	f := append([]byte{sofByte, ftype}, payload...)
	return append(f, checksum(ftype, payload))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendFraming(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	if err := tr.Send(0x07A0); err != nil {
		t.Fatal(err)
	}
	want := []byte{sofByte, ftForward16, 0x07, 0xA0, ftForward16 ^ 0x07 ^ 0xA0}
	if !bytes.Equal(port.written(), want) {
		t.Errorf("wrote % X, want % X", port.written(), want)
	}
}

func TestSend24Framing(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	if err := tr.Send24(0xC10300); err != nil {
		t.Fatal(err)
	}
	want := []byte{sofByte, ftForward24, 0xC1, 0x03, 0x00, ftForward24 ^ 0xC1 ^ 0x03}
	if !bytes.Equal(port.written(), want) {
		t.Errorf("wrote % X, want % X", port.written(), want)
	}
}

func TestRecvBackwardFrame(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	port.inject(adapterFrame(ftBackward, 0xFF))
	v, err := tr.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xFF {
		t.Errorf("recv = 0x%02X, want 0xFF", v)
	}
}

func TestRecvNoReplyIsTimeout(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	port.inject(adapterFrame(ftNoReply))
	if _, err := tr.Recv(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
}

func TestRecvSilenceIsTimeout(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	start := time.Now()
	if _, err := tr.Recv(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
	if time.Since(start) < recvTimeout/2 {
		t.Error("timed out before the reply window elapsed")
	}
}

func TestEventRouting(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	got := make(chan uint32, 1)
	tr.Subscribe(func(word uint32) { got <- word })

	port.inject(adapterFrame(ftEvent, 0x12, 0x34, 0x56))
	select {
	case word := <-got:
		if word != 0x123456 {
			t.Errorf("event word = 0x%06X, want 0x123456", word)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}

	tr.Unsubscribe()
}

func TestCorruptFrameSkipped(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())
	defer tr.Close()

	// Noise, then a frame with a bad checksum, then a good one.
	bad := adapterFrame(ftBackward, 0x42)
	bad[len(bad)-1] ^= 0xFF
	stream := append([]byte{0x00, 0x13}, bad...)
	stream = append(stream, adapterFrame(ftBackward, 0x99)...)
	port.inject(stream)

	v, err := tr.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x99 {
		t.Errorf("recv = 0x%02X, want 0x99 (corrupt frame should be dropped)", v)
	}
}

func TestClosedTransceiver(t *testing.T) {
	port := newFakePort()
	tr := newSerial(port, testLogger())

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(0x0000); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: got %v, want ErrClosed", err)
	}
	if _, err := tr.Recv(); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv after Close: got %v, want ErrClosed", err)
	}
}
