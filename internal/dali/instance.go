package dali

import "fmt"

// SetEventScheme configures how an instance identifies itself in event
// messages, one of the five addressing schemes. The scheme goes through
// DTR0, then the configuration command is sent twice.
func (d *Driver) SetEventScheme(addr, instance uint8, scheme Scheme) error {
	if scheme > SchemeInstanceGroup {
		return fmt.Errorf("dali: event scheme %d out of range", scheme)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecialInput(inDTR0, uint8(scheme)); err != nil {
		return err
	}
	return d.sendInputTwice(addr, instance, opSetEventScheme)
}

// SetEventFilter configures which events an instance reports. The filter
// byte goes through DTR0.
func (d *Driver) SetEventFilter(addr, instance, filter uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecialInput(inDTR0, filter); err != nil {
		return err
	}
	return d.sendInputTwice(addr, instance, opSetEventFilter)
}

// EnableInstance lets an instance generate events again.
func (d *Driver) EnableInstance(addr, instance uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendInputTwice(addr, instance, opEnableInstance)
}

// DisableInstance stops an instance from generating events.
func (d *Driver) DisableInstance(addr, instance uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendInputTwice(addr, instance, opDisableInstance)
}

// QueryInstanceType reports what kind of sub-unit the instance is.
func (d *Driver) QueryInstanceType(addr, instance uint8) (InstanceType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.queryInput(addr, instance, opQueryInstanceType)
	if err != nil {
		return 0, err
	}
	return InstanceType(v), nil
}

// InstanceEnabled reports whether the instance is generating events.
func (d *Driver) InstanceEnabled(addr, instance uint8) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.queryInput(addr, instance, opQueryInstanceEnabled)
	if err != nil {
		return false, err
	}
	return v == yes, nil
}

// QueryInstances reports how many instances an input device has [0,31].
func (d *Driver) QueryInstances(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryInput(addr, instanceDevice, opQueryInstances)
}

// InputValue reads an instance's 16-bit raw value: the first query returns
// the high byte and latches the rest, the latch query returns the low
// byte from the same sample.
func (d *Driver) InputValue(addr, instance uint8) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hi, err := d.queryInput(addr, instance, opQueryInputValue)
	if err != nil {
		return 0, err
	}
	lo, err := d.queryInput(addr, instance, opQueryInputValueLatch)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// Temperature reads a temperature instance and converts the raw value to
// degrees Celsius (SHT2x-family scaling).
func (d *Driver) Temperature(addr, instance uint8) (float64, error) {
	raw, err := d.InputValue(addr, instance)
	if err != nil {
		return 0, err
	}
	return -46.85 + 175.72*float64(raw)/65536, nil
}

// Humidity reads a humidity instance and converts the raw value to
// percent relative humidity (SHT2x-family scaling).
func (d *Driver) Humidity(addr, instance uint8) (float64, error) {
	raw, err := d.InputValue(addr, instance)
	if err != nil {
		return 0, err
	}
	return -6 + 125*float64(raw)/65536, nil
}

// QuiescentMode suppresses (on) or restores (off) event messages bus-wide.
func (d *Driver) QuiescentMode(on bool) error {
	op := uint8(opStopQuiescent)
	if on {
		op = opStartQuiescent
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendInputTwice(Broadcast, instanceDevice, op)
}
