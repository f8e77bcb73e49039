package dali

import (
	"errors"
	"fmt"
)

// Scheme selects how an input device identifies itself in event messages
// (IEC 62386-103 event addressing).
type Scheme uint8

const (
	// SchemeInstance: instance type and instance number.
	SchemeInstance Scheme = 0
	// SchemeDevice: short address and instance type.
	SchemeDevice Scheme = 1
	// SchemeDeviceInstance: short address and instance number.
	SchemeDeviceInstance Scheme = 2
	// SchemeDeviceGroup: device group and instance type.
	SchemeDeviceGroup Scheme = 3
	// SchemeInstanceGroup: instance group and instance type.
	SchemeInstanceGroup Scheme = 4
)

func (s Scheme) String() string {
	switch s {
	case SchemeInstance:
		return "instance"
	case SchemeDevice:
		return "device"
	case SchemeDeviceInstance:
		return "device+instance"
	case SchemeDeviceGroup:
		return "device-group"
	case SchemeInstanceGroup:
		return "instance-group"
	}
	return "invalid"
}

// ErrMalformedEvent reports an event word whose marker bits match no
// addressing scheme. The word is dropped; bus traffic is unaffected.
var ErrMalformedEvent = errors.New("dali: malformed event word")

// Event is a decoded input-device event message. Which identity fields are
// meaningful depends on Scheme; Info is always the 10-bit event payload.
type Event struct {
	Scheme         Scheme       `json:"scheme"`
	ShortAddr      uint8        `json:"short_addr,omitempty"`
	DeviceGroup    uint8        `json:"device_group,omitempty"`
	InstanceGroup  uint8        `json:"instance_group,omitempty"`
	InstanceType   InstanceType `json:"instance_type,omitempty"`
	InstanceNumber uint8        `json:"instance_number,omitempty"`
	Info           uint16       `json:"info"`
	Raw            uint32       `json:"raw"`
}

// Event frame layout (24 bits). Bits 9..0 carry the event information in
// every scheme; bits 23, 22 and 15 discriminate the source identity:
//
//	bit23 bit22 bit15   scheme            bits 22..17 / 21..17   bits 14..10
//	  0     -     0     device            short address (6)      instance type
//	  0     -     1     device+instance   short address (6)      instance number
//	  1     0     0     device-group      device group (5)       instance type
//	  1     0     1     instance          instance type (5)      instance number
//	  1     1     0     instance-group    instance group (5)     instance type
//
// The remaining marker combination (1,1,1) is reserved.

// ParseEvent decodes a 24-bit event word (in the low bits of msg) into its
// source identity and payload. The scheme is recovered from the marker
// bits, so a controller can dissect traffic from instances configured with
// any of the five schemes.
func ParseEvent(msg uint32) (Event, error) {
	word := msg & 0xFFFFFF
	ev := Event{
		Info: uint16(word & 0x3FF),
		Raw:  word,
	}
	mid := uint8(word >> 10 & 0x1F) // bits 14..10

	switch {
	case word&(1<<23) == 0:
		ev.ShortAddr = uint8(word >> 17 & 0x3F)
		if word&(1<<15) == 0 {
			ev.Scheme = SchemeDevice
			ev.InstanceType = InstanceType(mid)
		} else {
			ev.Scheme = SchemeDeviceInstance
			ev.InstanceNumber = mid
		}
	case word&(1<<22) == 0:
		if word&(1<<15) == 0 {
			ev.Scheme = SchemeDeviceGroup
			ev.DeviceGroup = uint8(word >> 17 & 0x1F)
			ev.InstanceType = InstanceType(mid)
		} else {
			ev.Scheme = SchemeInstance
			ev.InstanceType = InstanceType(word >> 17 & 0x1F)
			ev.InstanceNumber = mid
		}
	default:
		if word&(1<<15) != 0 {
			return Event{}, fmt.Errorf("%w: 0x%06X", ErrMalformedEvent, word)
		}
		ev.Scheme = SchemeInstanceGroup
		ev.InstanceGroup = uint8(word >> 17 & 0x1F)
		ev.InstanceType = InstanceType(mid)
	}
	return ev, nil
}

// encodeEvent builds the event word for an identity and payload. It is the
// inverse of ParseEvent and exists for tests and simulators.
func encodeEvent(ev Event) uint32 {
	word := uint32(ev.Info & 0x3FF)
	mid := func(v uint8) uint32 { return uint32(v&0x1F) << 10 }
	switch ev.Scheme {
	case SchemeDevice:
		word |= uint32(ev.ShortAddr&0x3F)<<17 | mid(uint8(ev.InstanceType))
	case SchemeDeviceInstance:
		word |= uint32(ev.ShortAddr&0x3F)<<17 | 1<<15 | mid(ev.InstanceNumber)
	case SchemeDeviceGroup:
		word |= 1<<23 | uint32(ev.DeviceGroup&0x1F)<<17 | mid(uint8(ev.InstanceType))
	case SchemeInstance:
		word |= 1<<23 | uint32(uint8(ev.InstanceType)&0x1F)<<17 | 1<<15 | mid(ev.InstanceNumber)
	case SchemeInstanceGroup:
		word |= 1<<23 | 1<<22 | uint32(ev.InstanceGroup&0x1F)<<17 | mid(uint8(ev.InstanceType))
	}
	return word
}

// --- Subscription lifecycle ---

// Attach arms the asynchronous event path: raw words from the transceiver
// are queued, decoded off the bus callback, and fanned out to OnEvent
// handlers. Handlers run on the driver's dispatch goroutine and must go
// through the public API (which re-acquires the bus mutex) if they want to
// send commands.
func (d *Driver) Attach() {
	d.evtOnce.Do(func() {
		go d.dispatchLoop()
	})
	d.evtMu.Lock()
	d.attached = true
	d.evtMu.Unlock()
	d.tr.Subscribe(d.enqueueEvent)
}

// Detach disarms the event path. Queued events still drain to handlers.
func (d *Driver) Detach() {
	d.tr.Unsubscribe()
	d.evtMu.Lock()
	d.attached = false
	d.evtMu.Unlock()
}

// Reattach re-arms the event path after a Detach.
func (d *Driver) Reattach() {
	d.Attach()
}

// Attached reports whether the event subscription is armed.
func (d *Driver) Attached() bool {
	d.evtMu.RLock()
	defer d.evtMu.RUnlock()
	return d.attached
}

// OnEvent registers a handler for decoded events and returns its
// unsubscribe function.
func (d *Driver) OnEvent(fn func(Event)) func() {
	d.evtMu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	d.evtMu.Unlock()
	return func() {
		d.evtMu.Lock()
		delete(d.handlers, id)
		d.evtMu.Unlock()
	}
}

// enqueueEvent runs on the transceiver read loop; it must not block.
func (d *Driver) enqueueEvent(word uint32) {
	select {
	case d.evtCh <- word:
	default:
		d.logger.Warn("event queue full, dropping event", "word", fmt.Sprintf("0x%06X", word))
	}
}

func (d *Driver) dispatchLoop() {
	for {
		select {
		case <-d.done:
			return
		case word := <-d.evtCh:
			ev, err := ParseEvent(word)
			if err != nil {
				d.logger.Warn("dropping event", "err", err)
				continue
			}
			d.evtMu.RLock()
			fns := make([]func(Event), 0, len(d.handlers))
			for _, fn := range d.handlers {
				fns = append(fns, fn)
			}
			d.evtMu.RUnlock()
			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}
