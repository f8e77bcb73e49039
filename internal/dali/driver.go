package dali

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dali-go-home/internal/bus"
)

// ErrTimeout reports that a query received no backward frame. It wraps the
// transceiver's timeout so callers can test either sentinel.
var ErrTimeout = bus.ErrTimeout

// ErrBusFull reports that a discovery pass ran out of short addresses; the
// remaining devices stay unaddressed.
var ErrBusFull = errors.New("dali: short address space exhausted")

// Driver is the DALI bus master. All bus access goes through a single
// mutex: commands, queries, and whole discovery passes are serialized, and
// every operation that expects a reply blocks the calling goroutine for
// the bus round-trip.
type Driver struct {
	tr     bus.Transceiver
	logger *slog.Logger

	mu sync.Mutex // serializes bus transactions

	numLights  int
	numInputs  int
	inputStart int

	evtMu    sync.RWMutex
	handlers map[uint64]func(Event)
	nextID   uint64
	evtCh    chan uint32
	attached bool
	evtOnce  sync.Once
	done     chan struct{}
}

// New creates a Driver on top of a transceiver. Discovery has not run yet;
// call Init (or InitLights/InitInputs) before addressing devices.
func New(tr bus.Transceiver, logger *slog.Logger) *Driver {
	return &Driver{
		tr:       tr,
		logger:   logger.With("component", "dali"),
		handlers: make(map[uint64]func(Event)),
		evtCh:    make(chan uint32, 64),
		done:     make(chan struct{}),
	}
}

// Lights returns the number of control gear found by the last discovery.
// Like every bus operation it waits for an in-flight discovery pass.
func (d *Driver) Lights() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numLights
}

// Inputs returns the number of input devices found by the last discovery.
func (d *Driver) Inputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numInputs
}

// InputAddrStart returns the first short address of the input population
// when the input pass was chained after the lighting pass.
func (d *Driver) InputAddrStart() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputStart
}

// Close detaches the event subscription and shuts down the transceiver.
func (d *Driver) Close() error {
	d.Detach()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	return d.tr.Close()
}

// --- Low-level send/receive. Callers hold d.mu. ---

func (d *Driver) sendStandard(addr, opcode uint8) error {
	return d.tr.Send(standardFrame(addr, opcode))
}

func (d *Driver) sendDirect(addr, level uint8) error {
	return d.tr.Send(directFrame(addr, level))
}

func (d *Driver) sendSpecial(cmd, data uint8) error {
	return d.tr.Send(specialFrame(cmd, data))
}

func (d *Driver) sendSpecialInput(selector, data uint8) error {
	return d.tr.Send24(specialInputFrame(selector, data))
}

func (d *Driver) sendInput(addr, instance, opcode uint8) error {
	return d.tr.Send24(inputFrame(addr, instance, opcode))
}

// sendTwice transmits a configuration command twice, as the protocol
// requires for it to take effect. Not a retry.
func (d *Driver) sendTwice(addr, opcode uint8) error {
	if err := d.sendStandard(addr, opcode); err != nil {
		return err
	}
	return d.sendStandard(addr, opcode)
}

func (d *Driver) sendInputTwice(addr, instance, opcode uint8) error {
	if err := d.sendInput(addr, instance, opcode); err != nil {
		return err
	}
	return d.sendInput(addr, instance, opcode)
}

// checkResponse reads one backward frame and compares it to expected.
// Silence is an ordinary "no": it returns (false, nil). Only a transceiver
// failure is an error.
func (d *Driver) checkResponse(expected byte) (bool, error) {
	v, err := d.tr.Recv()
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return false, nil
		}
		return false, err
	}
	return v == expected, nil
}

// query sends a standard command and reads back exactly one byte. A
// timeout is a query failure, never a fabricated value.
func (d *Driver) query(addr, opcode uint8) (byte, error) {
	if err := d.sendStandard(addr, opcode); err != nil {
		return 0, err
	}
	v, err := d.tr.Recv()
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return 0, fmt.Errorf("query 0x%02X addr %d: %w", opcode, addr, ErrTimeout)
		}
		return 0, err
	}
	return v, nil
}

// queryInput is query for 24-bit input-device frames.
func (d *Driver) queryInput(addr, instance, opcode uint8) (byte, error) {
	if err := d.sendInput(addr, instance, opcode); err != nil {
		return 0, err
	}
	v, err := d.tr.Recv()
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return 0, fmt.Errorf("input query 0x%02X addr %d inst %d: %w", opcode, addr, instance, ErrTimeout)
		}
		return 0, err
	}
	return v, nil
}

// --- Device control API ---

// Off turns a device, group, or the whole bus off.
func (d *Driver) Off(addr uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendStandard(addr, opOff)
}

// On turns a device or group on by stepping up from off.
func (d *Driver) On(addr uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendStandard(addr, opOnAndStepUp)
}

// SetLevel sets the arc power level [0,254] immediately via a direct
// command.
func (d *Driver) SetLevel(addr, level uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendDirect(addr, level)
}

// Level queries the actual arc power level.
func (d *Driver) Level(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(addr, opQueryActual)
}

// Status queries the gear status byte.
func (d *Driver) Status(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(addr, opQueryStatus)
}

// PhysicalMinimum queries the lowest light output the gear can operate at.
func (d *Driver) PhysicalMinimum(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(addr, opQueryPHM)
}

// Fade queries the combined fade time/fade rate byte: the high nibble is
// the fade time, the low nibble the fade rate.
func (d *Driver) Fade(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(addr, opQueryFade)
}

// AddToGroup adds a device to a group [0,15] and verifies membership by
// reading back the gear groups status.
func (d *Driver) AddToGroup(addr, group uint8) (bool, error) {
	if group > 15 {
		return false, fmt.Errorf("dali: group %d out of range", group)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendTwice(addr, opAddToGroup+group); err != nil {
		return false, err
	}
	member, err := d.groupMember(addr, group)
	if err != nil {
		return false, err
	}
	return member, nil
}

// RemoveFromGroup removes a device from a group [0,15] and verifies the
// bit cleared.
func (d *Driver) RemoveFromGroup(addr, group uint8) (bool, error) {
	if group > 15 {
		return false, fmt.Errorf("dali: group %d out of range", group)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendTwice(addr, opRemoveFromGroup+group); err != nil {
		return false, err
	}
	member, err := d.groupMember(addr, group)
	if err != nil {
		return false, err
	}
	return !member, nil
}

// groupMember reads the low or high gear groups byte and tests the bit for
// group. Caller holds d.mu.
func (d *Driver) groupMember(addr, group uint8) (bool, error) {
	cmd := uint8(opQueryGroupsL)
	if group >= 8 {
		cmd = opQueryGroupsH
	}
	v, err := d.query(addr, cmd)
	if err != nil {
		return false, err
	}
	return v&(1<<(group%8)) != 0, nil
}

// SetScene stores level as the device's scene [0,15] level.
func (d *Driver) SetScene(addr, scene, level uint8) error {
	if scene > 15 {
		return fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR0, level); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetScene+scene)
}

// SceneLevel queries the stored level for a scene.
func (d *Driver) SceneLevel(addr, scene uint8) (uint8, error) {
	if scene > 15 {
		return 0, fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(addr, opQuerySceneLevel+scene)
}

// RemoveFromScene removes the device from a scene.
func (d *Driver) RemoveFromScene(addr, scene uint8) error {
	if scene > 15 {
		return fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendTwice(addr, opRemoveFromScene+scene)
}

// GoToScene recalls a stored scene.
func (d *Driver) GoToScene(addr, scene uint8) error {
	if scene > 15 {
		return fmt.Errorf("dali: scene %d out of range", scene)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendTwice(addr, opGoToScene+scene)
}

// SetFadeTime sets the fade time code [1,15].
func (d *Driver) SetFadeTime(addr, time uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR0, time); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetFadeTime)
}

// SetFadeRate sets the fade rate code [1,15].
func (d *Driver) SetFadeRate(addr, rate uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR0, rate); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetFadeRate)
}

// SetMinLevel sets the minimum arc power level.
func (d *Driver) SetMinLevel(addr, level uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR0, level); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetMinLevel)
}

// SetMaxLevel sets the maximum arc power level.
func (d *Driver) SetMaxLevel(addr, level uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR0, level); err != nil {
		return err
	}
	return d.sendTwice(addr, opSetMaxLevel)
}

// ReadMemory reads one byte from a memory bank location: DTR1 selects the
// bank, DTR0 the location, then READ MEMORY LOCATION returns the byte.
func (d *Driver) ReadMemory(addr, bank, location uint8) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendSpecial(cmdDTR1, bank); err != nil {
		return 0, err
	}
	if err := d.sendSpecial(cmdDTR0, location); err != nil {
		return 0, err
	}
	return d.query(addr, opReadMemLoc)
}

// LogicalUnitIndex reads memory bank 0 location 0x1A, the index of the
// logical unit inside a multi-unit device.
func (d *Driver) LogicalUnitIndex(addr uint8) (byte, error) {
	return d.ReadMemory(addr, 0, 0x1A)
}
