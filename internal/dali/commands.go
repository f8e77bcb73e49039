// Package dali implements the IEC 62386 application protocol for a bus
// master: frame encoding, device discovery and short-address assignment,
// and the control/query operations for control gear and input devices.
package dali

// Special command address bytes (IEC 62386-102). They occupy the address
// slot of a 16-bit forward frame and do not address a specific device.
const (
	cmdTerminate        = 0xA1
	cmdDTR0             = 0xA3
	cmdInitialise       = 0xA5
	cmdRandomise        = 0xA7
	cmdCompare          = 0xA9
	cmdWithdraw         = 0xAB
	cmdSearchAddrH      = 0xB1
	cmdSearchAddrM      = 0xB3
	cmdSearchAddrL      = 0xB5
	cmdProgramShortAddr = 0xB7
	cmdQueryShortAddr   = 0xBB
	cmdEnableDeviceType = 0xC1
	cmdDTR1             = 0xC3
	cmdDTR2             = 0xC5
)

// Control gear opcodes (IEC 62386-102).
const (
	opOff             = 0x00
	opOnAndStepUp     = 0x08
	opGoToScene       = 0x10 // + scene
	opQueryStatus     = 0x90
	opQueryPHM        = 0x9A
	opQueryActual     = 0xA0
	opQueryFade       = 0xA5
	opQuerySceneLevel = 0xB0 // + scene
	opQueryGroupsL    = 0xC0
	opQueryGroupsH    = 0xC1
	opReadMemLoc      = 0xC5

	// Configuration commands, send twice.
	opSetMaxLevel     = 0x2A
	opSetMinLevel     = 0x2B
	opSetFadeTime     = 0x2E
	opSetFadeRate     = 0x2F
	opSetScene        = 0x40 // + scene, level from DTR0
	opRemoveFromScene = 0x50 // + scene
	opAddToGroup      = 0x60 // + group
	opRemoveFromGroup = 0x70 // + group
)

// DT8 colour opcodes (IEC 62386-209), valid after ENABLE DEVICE TYPE 8.
const (
	opColorActivate     = 0xE2
	opSetTempColorTemp  = 0xE7
	opSetTempRGBDim     = 0xEB
	opSetTempWAFDim     = 0xEC
	opQueryColorFeature = 0xF9
)

const deviceTypeColor = 8

// Input-device special command selectors (IEC 62386-103). These travel in
// the middle byte of a 24-bit frame whose first byte is the special lead.
const (
	inTerminate        = 0x00
	inInitialise       = 0x01
	inRandomise        = 0x02
	inCompare          = 0x03
	inWithdraw         = 0x04
	inSearchAddrH      = 0x05
	inSearchAddrM      = 0x06
	inSearchAddrL      = 0x07
	inProgramShortAddr = 0x08
	inDTR0             = 0x30
	inDTR1             = 0x31
	inDTR2             = 0x32
)

// Input-device instance and device opcodes (IEC 62386-103).
const (
	// Device-level, addressed with the device instance byte.
	opStartQuiescent  = 0x1D
	opStopQuiescent   = 0x1E
	opQueryInstances  = 0x35

	// Instance-level configuration, send twice.
	opEnableInstance  = 0x62
	opDisableInstance = 0x63
	opSetEventScheme  = 0x67 // scheme from DTR0
	opSetEventFilter  = 0x68 // filter from DTR0

	// Instance-level queries.
	opQueryInstanceType    = 0x80
	opQueryInstanceEnabled = 0x86
	opQueryInputValue      = 0x8C
	opQueryInputValueLatch = 0x8D
)

// instanceDevice addresses the input device itself rather than one of its
// instances.
const instanceDevice = 0xFE

// InstanceType identifies what kind of sub-unit an input-device instance is.
type InstanceType uint8

const (
	InstanceGeneric   InstanceType = 0
	InstanceButton    InstanceType = 1
	InstanceOccupancy InstanceType = 3
	InstanceLight     InstanceType = 4
)

func (t InstanceType) String() string {
	switch t {
	case InstanceGeneric:
		return "generic"
	case InstanceButton:
		return "push-button"
	case InstanceOccupancy:
		return "occupancy sensor"
	case InstanceLight:
		return "light sensor"
	}
	return "unknown"
}
