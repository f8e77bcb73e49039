// Package store persists what the controller is allowed to remember:
// a journal of recent input-device events and friendly-name labels for
// the bridge and web surfaces. Short addresses are deliberately not
// stored; discovery re-derives them from the bus.
package store

import (
	"errors"
	"time"

	"dali-go-home/internal/dali"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// EventRecord is one journalled input-device event.
type EventRecord struct {
	At             time.Time `json:"at"`
	Scheme         string    `json:"scheme"`
	ShortAddr      uint8     `json:"short_addr,omitempty"`
	DeviceGroup    uint8     `json:"device_group,omitempty"`
	InstanceGroup  uint8     `json:"instance_group,omitempty"`
	InstanceType   string    `json:"instance_type,omitempty"`
	InstanceNumber uint8     `json:"instance_number,omitempty"`
	Info           uint16    `json:"info"`
	Raw            uint32    `json:"raw"`
}

// NewEventRecord builds the journal form of a decoded bus event,
// timestamped now.
func NewEventRecord(ev dali.Event) *EventRecord {
	return &EventRecord{
		At:             time.Now(),
		Scheme:         ev.Scheme.String(),
		ShortAddr:      ev.ShortAddr,
		DeviceGroup:    ev.DeviceGroup,
		InstanceGroup:  ev.InstanceGroup,
		InstanceType:   ev.InstanceType.String(),
		InstanceNumber: ev.InstanceNumber,
		Info:           ev.Info,
		Raw:            ev.Raw,
	}
}

// Store defines the persistence interface.
type Store interface {
	// AppendEvent journals an event, pruning the oldest entries once the
	// journal exceeds its cap.
	AppendEvent(rec *EventRecord) error

	// RecentEvents returns up to n journalled events, newest first.
	RecentEvents(n int) ([]*EventRecord, error)

	// Labels: friendly names keyed by short address.
	SetLabel(addr uint8, name string) error
	Label(addr uint8) (string, error)
	Labels() (map[uint8]string, error)
	DeleteLabel(addr uint8) error

	Close() error
}
