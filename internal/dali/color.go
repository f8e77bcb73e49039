package dali

import "fmt"

// ColorType classifies what a DT8 gear can do.
type ColorType int

const (
	ColorRGB ColorType = iota
	ColorTemperature
	ColorUnsupported
)

func (c ColorType) String() string {
	switch c {
	case ColorRGB:
		return "rgb"
	case ColorTemperature:
		return "temperature"
	}
	return "unsupported"
}

// Colour temperature limits in Kelvin.
const (
	MinKelvin = 2500
	MaxKelvin = 7042
)

// enableColor precedes every DT8 command. Caller holds d.mu.
func (d *Driver) enableColor() error {
	return d.sendSpecial(cmdEnableDeviceType, deviceTypeColor)
}

// loadTempRGB loads the temporary colour registers with an RGB triple and
// a dim level. Caller holds d.mu.
func (d *Driver) loadTempRGB(addr, r, g, b, dim uint8) error {
	if err := d.sendSpecial(cmdDTR0, r); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR1, g); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR2, b); err != nil {
		return err
	}
	if err := d.enableColor(); err != nil {
		return err
	}
	if err := d.sendStandard(addr, opSetTempRGBDim); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR0, dim); err != nil {
		return err
	}
	if err := d.enableColor(); err != nil {
		return err
	}
	return d.sendStandard(addr, opSetTempWAFDim)
}

// loadTempKelvin loads the temporary colour temperature register. The bus
// carries mirek (1e6/K), little end first in DTR0. Caller holds d.mu.
func (d *Driver) loadTempKelvin(addr uint8, kelvin uint16) error {
	if kelvin < MinKelvin || kelvin > MaxKelvin {
		return fmt.Errorf("dali: colour temperature %dK out of range [%d,%d]", kelvin, MinKelvin, MaxKelvin)
	}
	mirek := uint16(1000000 / uint32(kelvin))
	if err := d.sendSpecial(cmdDTR0, uint8(mirek)); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR1, uint8(mirek>>8)); err != nil {
		return err
	}
	if err := d.enableColor(); err != nil {
		return err
	}
	return d.sendStandard(addr, opSetTempColorTemp)
}

// activateColor applies the temporary colour registers. Caller holds d.mu.
func (d *Driver) activateColor(addr uint8) error {
	if err := d.enableColor(); err != nil {
		return err
	}
	return d.sendStandard(addr, opColorActivate)
}

// SetColorRGB sets an RGB colour with a dim level, channels in [0,254].
func (d *Driver) SetColorRGB(addr, r, g, b, dim uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTempRGB(addr, r, g, b, dim); err != nil {
		return err
	}
	return d.activateColor(addr)
}

// SetColorTemperature sets a white colour temperature in Kelvin
// [2500,7042].
func (d *Driver) SetColorTemperature(addr uint8, kelvin uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTempKelvin(addr, kelvin); err != nil {
		return err
	}
	return d.activateColor(addr)
}

// SetColorSceneRGB stores an RGB colour as scene [0,15]: the temporary
// colour registers are loaded first, then the scene number goes through
// DTR0 and the store command is sent twice.
func (d *Driver) SetColorSceneRGB(addr, scene, r, g, b, dim uint8) error {
	if scene > 15 {
		return fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTempRGB(addr, r, g, b, dim); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR0, scene); err != nil {
		return err
	}
	if err := d.enableColor(); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetScene+scene)
}

// SetColorSceneTemperature stores a colour temperature as scene [0,15].
func (d *Driver) SetColorSceneTemperature(addr, scene uint8, kelvin uint16) error {
	if scene > 15 {
		return fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTempKelvin(addr, kelvin); err != nil {
		return err
	}
	if err := d.sendSpecial(cmdDTR0, scene); err != nil {
		return err
	}
	if err := d.enableColor(); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetScene+scene)
}

// ColorTypeFeatures queries the DT8 feature byte: bit 0 xy-capable, bit 1
// colour-temperature capable, bits 2..4 primary count, bits 5..7 RGBWAF
// channel count.
func (d *Driver) ColorTypeFeatures(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enableColor(); err != nil {
		return 0, err
	}
	return d.query(addr, opQueryColorFeature)
}

// TemperatureCapable reports whether the gear supports colour temperature.
func (d *Driver) TemperatureCapable(addr uint8) (bool, error) {
	features, err := d.ColorTypeFeatures(addr)
	if err != nil {
		return false, err
	}
	return features&0x02 != 0, nil
}

// RGBWAFChannels reports how many RGBWAF channels the gear drives.
func (d *Driver) RGBWAFChannels(addr uint8) (uint8, error) {
	features, err := d.ColorTypeFeatures(addr)
	if err != nil {
		return 0, err
	}
	return features >> 5, nil
}

// GetColorType classifies the gear from its feature byte. Colour
// temperature wins over RGB when both are present, matching how mixed
// fixtures are driven.
func (d *Driver) GetColorType(addr uint8) (ColorType, error) {
	features, err := d.ColorTypeFeatures(addr)
	if err != nil {
		return ColorUnsupported, err
	}
	switch {
	case features&0x02 != 0:
		return ColorTemperature, nil
	case features>>5 >= 3:
		return ColorRGB, nil
	}
	return ColorUnsupported, nil
}
