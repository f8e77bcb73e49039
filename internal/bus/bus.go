// Package bus defines the interface to the DALI bus transceiver and its
// serial adapter backend. The transceiver owns the physical layer
// (Manchester encoding, bit timing); this package only moves whole forward
// frames out and backward frames or event frames back in.
package bus

import "errors"

var (
	// ErrTimeout is returned by Recv when no backward frame arrived within
	// the reply window. On the DALI bus silence is an answer: discovery
	// reads it as "no such device" and queries read it as failure.
	ErrTimeout = errors.New("bus: no response")

	// ErrClosed is returned once the transceiver has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// EventFunc receives asynchronous 24-bit event frames from input devices.
// It is called from the transceiver's read loop and must not send commands
// on the bus.
type EventFunc func(word uint32)

// Transceiver is the physical-layer interface the driver talks through.
//
// Send and Recv are synchronous and half-duplex: a command that expects a
// reply is a Send followed by a single blocking Recv. Callers serialize all
// access; the transceiver does not queue commands.
type Transceiver interface {
	// Send transmits a 16-bit forward frame.
	Send(word uint16) error

	// Send24 transmits a 24-bit forward frame (input-device commands).
	Send24(word uint32) error

	// Recv blocks for one backward frame. ErrTimeout means no device
	// answered; any other error means the transceiver itself failed.
	Recv() (byte, error)

	// Subscribe arms the asynchronous event callback. Only one subscriber
	// is supported; subscribing replaces the previous callback.
	Subscribe(fn EventFunc)

	// Unsubscribe disarms the event callback.
	Unsubscribe()

	Close() error
}
