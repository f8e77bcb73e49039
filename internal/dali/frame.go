package dali

// Broadcast addresses every device on the bus.
const Broadcast uint8 = 0xFF

// yes is the backward-frame value a device sends for an affirmative reply.
const yes byte = 0xFF

// mask is the backward-frame value meaning "no short address assigned".
const mask byte = 0xFF

// specialInputLead is the first byte of an input-device special command.
const specialInputLead = 0xC1

// standardAddr converts a short, group, or broadcast address into the
// address byte of a standard command: the group/broadcast high bit is kept
// and the LSB is forced to 1.
func standardAddr(addr uint8) uint8 {
	return (addr & 0x80) | (addr << 1) | 1
}

// directAddr is the same conversion for direct arc power commands, LSB 0.
func directAddr(addr uint8) uint8 {
	return (addr & 0x80) | (addr << 1)
}

// standardFrame builds a 16-bit standard command frame.
func standardFrame(addr, opcode uint8) uint16 {
	return uint16(standardAddr(addr))<<8 | uint16(opcode)
}

// directFrame builds a 16-bit direct arc power frame; the second byte is
// the level itself.
func directFrame(addr, level uint8) uint16 {
	return uint16(directAddr(addr))<<8 | uint16(level)
}

// specialFrame builds a 16-bit special command frame. cmd is one of the
// reserved special address bytes; data is carried verbatim.
func specialFrame(cmd, data uint8) uint16 {
	return uint16(cmd)<<8 | uint16(data)
}

// specialInputFrame builds a 24-bit input-device special command frame.
func specialInputFrame(selector, data uint8) uint32 {
	return uint32(specialInputLead)<<16 | uint32(selector)<<8 | uint32(data)
}

// inputFrame builds a 24-bit standard frame addressing an instance (or the
// device itself via instanceDevice) of an input device.
func inputFrame(addr, instance, opcode uint8) uint32 {
	return uint32(standardAddr(addr))<<16 | uint32(instance)<<8 | uint32(opcode)
}

// GroupAddr returns the bus address of a group. The high bit marks the
// address as reaching more than one device.
func GroupAddr(group uint8) uint8 {
	return 0x80 | group
}

// GroupNumber recovers the group number from a group address.
func GroupNumber(addr uint8) uint8 {
	return addr & 0x0F
}
