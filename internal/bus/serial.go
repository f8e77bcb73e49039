package bus

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Adapter wire protocol. The serial DALI interface handles Manchester
// encoding and bit timing; we exchange small framed packets with it:
//
//	host -> adapter:  SOF  type  payload...  cksum
//	  ftForward16   payload = 2 bytes, a 16-bit forward frame
//	  ftForward24   payload = 3 bytes, a 24-bit forward frame
//	adapter -> host:
//	  ftBackward    payload = 1 byte, a backward (reply) frame
//	  ftNoReply     payload empty, reply window elapsed with silence
//	  ftEvent       payload = 3 bytes, an unsolicited event frame
//
// cksum is the XOR of type and payload.
const (
	sofByte = 0x7E

	ftForward16 = 0x01
	ftForward24 = 0x02
	ftBackward  = 0x11
	ftNoReply   = 0x10
	ftEvent     = 0x12
)

// recvTimeout bounds Recv even when the adapter never reports ftNoReply.
// A DALI backward frame must start within ~10 ms of the forward frame, so
// anything this late is silence.
const recvTimeout = 200 * time.Millisecond

type recvResult struct {
	data byte
	ok   bool // false: adapter reported no backward frame
}

// SerialTransceiver is a Transceiver over a serial DALI interface.
type SerialTransceiver struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex
	replyCh chan recvResult

	subMu sync.Mutex
	onEvt EventFunc

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the serial DALI interface and starts its read loop.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialTransceiver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("dali bus: open %s: %w", portName, err)
	}
	return newSerial(port, logger), nil
}

// newSerial wraps an already-open port. Split out so tests can supply a
// pipe instead of hardware.
func newSerial(port io.ReadWriteCloser, logger *slog.Logger) *SerialTransceiver {
	s := &SerialTransceiver{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "bus"),
		replyCh: make(chan recvResult, 4),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *SerialTransceiver) Send(word uint16) error {
	return s.write(ftForward16, []byte{byte(word >> 8), byte(word)})
}

func (s *SerialTransceiver) Send24(word uint32) error {
	return s.write(ftForward24, []byte{byte(word >> 16), byte(word >> 8), byte(word)})
}

func (s *SerialTransceiver) write(ftype byte, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	// Drain replies left over from a command whose reply was never read.
	for {
		select {
		case <-s.replyCh:
			continue
		default:
		}
		break
	}

	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, sofByte, ftype)
	frame = append(frame, payload...)
	frame = append(frame, checksum(ftype, payload))

	s.writeMu.Lock()
	_, err := s.port.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("dali bus: write: %w", err)
	}
	s.logger.Debug("forward frame sent", "type", ftype, "payload", fmt.Sprintf("%X", payload))
	return nil
}

// Recv blocks for one backward frame. Silence on the bus, whether reported
// by the adapter or inferred from the local timer, is ErrTimeout.
func (s *SerialTransceiver) Recv() (byte, error) {
	deadline := time.NewTimer(recvTimeout)
	defer deadline.Stop()

	select {
	case r := <-s.replyCh:
		if !r.ok {
			return 0, ErrTimeout
		}
		return r.data, nil
	case <-deadline.C:
		return 0, ErrTimeout
	case <-s.done:
		return 0, ErrClosed
	}
}

func (s *SerialTransceiver) Subscribe(fn EventFunc) {
	s.subMu.Lock()
	s.onEvt = fn
	s.subMu.Unlock()
}

func (s *SerialTransceiver) Unsubscribe() {
	s.subMu.Lock()
	s.onEvt = nil
	s.subMu.Unlock()
}

func (s *SerialTransceiver) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Close the port first to unblock the read loop's blocking read.
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}

func (s *SerialTransceiver) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		ftype, payload, err := s.readFrame()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err == io.EOF || strings.Contains(err.Error(), "closed") {
				return
			}
			s.logger.Warn("adapter frame error", "err", err)
			continue
		}

		switch ftype {
		case ftBackward:
			select {
			case s.replyCh <- recvResult{data: payload[0], ok: true}:
			default:
				s.logger.Warn("backward frame dropped, no reader", "data", payload[0])
			}
		case ftNoReply:
			select {
			case s.replyCh <- recvResult{ok: false}:
			default:
			}
		case ftEvent:
			word := uint32(payload[0])<<16 | uint32(payload[1])<<8 | uint32(payload[2])
			s.subMu.Lock()
			fn := s.onEvt
			s.subMu.Unlock()
			if fn != nil {
				fn(word)
			} else {
				s.logger.Debug("event frame dropped, no subscriber", "word", fmt.Sprintf("0x%06X", word))
			}
		default:
			s.logger.Warn("unknown adapter frame type", "type", ftype)
		}
	}
}

// readFrame scans to the next SOF and reads one adapter frame, verifying
// the checksum. Bytes between frames are discarded.
func (s *SerialTransceiver) readFrame() (byte, []byte, error) {
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == sofByte {
			break
		}
	}

	ftype, err := s.reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	var plen int
	switch ftype {
	case ftBackward:
		plen = 1
	case ftNoReply:
		plen = 0
	case ftEvent:
		plen = 3
	default:
		return 0, nil, fmt.Errorf("frame type 0x%02X", ftype)
	}

	payload := make([]byte, plen)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return 0, nil, err
	}
	ck, err := s.reader.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if ck != checksum(ftype, payload) {
		return 0, nil, fmt.Errorf("checksum mismatch on type 0x%02X", ftype)
	}
	return ftype, payload, nil
}

func checksum(ftype byte, payload []byte) byte {
	ck := ftype
	for _, b := range payload {
		ck ^= b
	}
	return ck
}
