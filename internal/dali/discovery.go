package dali

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dali-go-home/internal/bus"
)

// settleTime is how long devices get to stabilize their random address
// after RANDOMISE.
const settleTime = 100 * time.Millisecond

// maxShortAddrs is the size of one short-address space.
const maxShortAddrs = 63

// searchAll is the search address every device answers to.
const searchAll uint32 = 0xFFFFFF

// addressBook is the explicit bookkeeping for one discovery pass: which
// short addresses are taken, and where sequential assignment continues.
// It is owned by the pass that uses it, never shared.
type addressBook struct {
	used [maxShortAddrs]bool
	next uint8
}

func (b *addressBook) markUsed(a uint8) bool {
	if int(a) >= maxShortAddrs || b.used[a] {
		return false
	}
	b.used[a] = true
	return true
}

// nextFree returns the lowest unused short address at or after next.
func (b *addressBook) nextFree() (uint8, bool) {
	for a := b.next; int(a) < maxShortAddrs; a++ {
		if !b.used[a] {
			return a, true
		}
	}
	return 0, false
}

// searchOps is the special-command set driving one address space search.
// Control gear and input devices run the identical algorithm through
// different opcode sets, so the engine is written once against this
// interface.
type searchOps interface {
	initialise(data uint8) error
	randomise() error
	setSearchAddr(v uint32) error
	compare() error
	withdraw() error
	programShortAddr(addrByte uint8) error
	terminate() error
	// queryShortAddr reads the selected device's current short address
	// byte, or returns false if this opcode set has no such query.
	queryShortAddr() (byte, bool, error)
}

// gearSearch drives the 16-bit special commands for control gear.
type gearSearch struct{ d *Driver }

func (g gearSearch) initialise(data uint8) error {
	if err := g.d.sendSpecial(cmdInitialise, data); err != nil {
		return err
	}
	return g.d.sendSpecial(cmdInitialise, data)
}

func (g gearSearch) randomise() error {
	if err := g.d.sendSpecial(cmdRandomise, 0x00); err != nil {
		return err
	}
	return g.d.sendSpecial(cmdRandomise, 0x00)
}

func (g gearSearch) setSearchAddr(v uint32) error {
	if err := g.d.sendSpecial(cmdSearchAddrH, uint8(v>>16)); err != nil {
		return err
	}
	if err := g.d.sendSpecial(cmdSearchAddrM, uint8(v>>8)); err != nil {
		return err
	}
	return g.d.sendSpecial(cmdSearchAddrL, uint8(v))
}

func (g gearSearch) compare() error  { return g.d.sendSpecial(cmdCompare, 0x00) }
func (g gearSearch) withdraw() error { return g.d.sendSpecial(cmdWithdraw, 0x00) }
func (g gearSearch) programShortAddr(addrByte uint8) error {
	return g.d.sendSpecial(cmdProgramShortAddr, addrByte)
}
func (g gearSearch) terminate() error { return g.d.sendSpecial(cmdTerminate, 0x00) }

func (g gearSearch) queryShortAddr() (byte, bool, error) {
	if err := g.d.sendSpecial(cmdQueryShortAddr, 0x00); err != nil {
		return 0, false, err
	}
	v, err := g.d.tr.Recv()
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return mask, true, nil // silence reads as MASK: no address
		}
		return 0, false, err
	}
	return v, true, nil
}

// inputSearch drives the 24-bit special commands for input devices.
type inputSearch struct{ d *Driver }

func (g inputSearch) initialise(data uint8) error {
	if err := g.d.sendSpecialInput(inInitialise, data); err != nil {
		return err
	}
	return g.d.sendSpecialInput(inInitialise, data)
}

func (g inputSearch) randomise() error {
	if err := g.d.sendSpecialInput(inRandomise, 0x00); err != nil {
		return err
	}
	return g.d.sendSpecialInput(inRandomise, 0x00)
}

func (g inputSearch) setSearchAddr(v uint32) error {
	if err := g.d.sendSpecialInput(inSearchAddrH, uint8(v>>16)); err != nil {
		return err
	}
	if err := g.d.sendSpecialInput(inSearchAddrM, uint8(v>>8)); err != nil {
		return err
	}
	return g.d.sendSpecialInput(inSearchAddrL, uint8(v))
}

func (g inputSearch) compare() error  { return g.d.sendSpecialInput(inCompare, 0x00) }
func (g inputSearch) withdraw() error { return g.d.sendSpecialInput(inWithdraw, 0x00) }
func (g inputSearch) programShortAddr(addrByte uint8) error {
	return g.d.sendSpecialInput(inProgramShortAddr, addrByte)
}
func (g inputSearch) terminate() error { return g.d.sendSpecialInput(inTerminate, 0x00) }

// The 103 opcode set here has no short-address query.
func (g inputSearch) queryShortAddr() (byte, bool, error) { return 0, false, nil }

// Init discovers and addresses both populations: the lighting pass first,
// then the input pass with its numbering continued after the last light.
// It returns the total number of logical units found. Init blocks for the
// whole discovery session and must not run concurrently with any other
// bus operation.
func (d *Driver) Init(ctx context.Context) (int, error) {
	lights, err := d.InitLights(ctx, false)
	if err != nil {
		return lights, err
	}
	inputs, err := d.InitInputs(ctx, true)
	if err != nil {
		return lights + inputs, err
	}
	return lights + inputs, nil
}

// InitLights runs the discovery pass over control gear. With reset the
// whole population is readdressed from zero; without it, devices that
// already hold a short address keep it and new devices continue numbering
// after the highest existing address. Returns the number of gear found.
func (d *Driver) InitLights(ctx context.Context, reset bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	book := &addressBook{}
	if !reset {
		highest, err := d.highestAssigned(ctx, gearSearch{d})
		if err != nil {
			return 0, fmt.Errorf("dali: highest-address sweep: %w", err)
		}
		for a := 0; a <= highest; a++ {
			book.markUsed(uint8(a))
		}
		if highest >= 0 {
			book.next = uint8(highest + 1)
		}
	}

	assigned, err := d.assignAddresses(ctx, gearSearch{d}, book, reset)
	found := int(book.next)
	if err != nil {
		return assigned, err
	}
	d.numLights = found
	d.inputStart = found
	d.logger.Info("lighting discovery complete", "found", found, "assigned", assigned)
	return found, nil
}

// InitInputs runs the discovery pass over input devices. Their short
// addresses continue numbering after the lighting population so the two
// spaces do not overlap on mixed buses that share one numbering plan.
// Returns the number of input devices found.
func (d *Driver) InitInputs(ctx context.Context, reset bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	book := &addressBook{}
	for a := 0; a < d.inputStart && a < maxShortAddrs; a++ {
		book.used[a] = true
	}
	book.next = uint8(min(d.inputStart, maxShortAddrs))

	assigned, err := d.assignAddresses(ctx, inputSearch{d}, book, reset)
	if err != nil {
		return assigned, err
	}
	d.numInputs = assigned
	d.logger.Info("input discovery complete", "found", assigned, "addrStart", d.inputStart)
	return assigned, nil
}

// assignAddresses is one discovery pass: a distributed binary search over
// the 24-bit random address space, assigning sequential short addresses
// until no device answers the full-range COMPARE. Caller holds d.mu.
func (d *Driver) assignAddresses(ctx context.Context, ops searchOps, book *addressBook, reset bool) (int, error) {
	// INITIALISE 0xFF opens the session for unaddressed devices only;
	// 0x00 pulls in the whole population for a full readdress.
	openData := uint8(0xFF)
	if reset {
		openData = 0x00
	}
	if err := ops.initialise(openData); err != nil {
		return 0, err
	}
	if err := ops.randomise(); err != nil {
		return 0, err
	}
	time.Sleep(settleTime)

	assigned := 0
	for {
		if err := ctx.Err(); err != nil {
			ops.terminate()
			return assigned, err
		}

		// Anybody left?
		found, err := d.compareAt(ops, searchAll)
		if err != nil {
			return assigned, err
		}
		if !found {
			break
		}

		next, ok := book.nextFree()
		if !ok {
			// Devices remain but the 6-bit space is spent. They stay
			// unaddressed until a later pass frees room.
			d.logger.Warn("short address space exhausted, devices left unaddressed")
			if err := ops.terminate(); err != nil {
				return assigned, err
			}
			return assigned, ErrBusFull
		}

		searchAddr, err := d.isolateLowest(ops)
		if err != nil {
			return assigned, err
		}

		// Confirm the resolved address still matches a device.
		found, err = d.compareAt(ops, searchAddr)
		if err != nil {
			return assigned, err
		}
		if found {
			if err := ops.programShortAddr(searchAddr2Byte(next)); err != nil {
				return assigned, err
			}
			if err := ops.withdraw(); err != nil {
				return assigned, err
			}
			book.markUsed(next)
			book.next = next + 1
			assigned++
			d.logger.Debug("device addressed",
				"shortAddr", next, "randomAddr", fmt.Sprintf("0x%06X", searchAddr))
		}

		// Refresh the session before hunting the next device.
		if err := ops.initialise(openData); err != nil {
			return assigned, err
		}
	}

	if err := ops.terminate(); err != nil {
		return assigned, err
	}
	return assigned, nil
}

// isolateLowest binary-searches from bit 23 down: a bit stays cleared only
// while some device still answers YES with it cleared. The result is the
// lowest random address among devices still in the session.
func (d *Driver) isolateLowest(ops searchOps) (uint32, error) {
	searchAddr := searchAll
	for bit := 23; bit >= 0; bit-- {
		probe := searchAddr &^ (1 << uint(bit))
		found, err := d.compareAt(ops, probe)
		if err != nil {
			return 0, err
		}
		if found {
			searchAddr = probe
		}
	}
	return searchAddr, nil
}

// compareAt sets the search address and issues COMPARE. Devices whose
// random address is numerically <= the search address answer YES; silence
// means none are left in that range.
func (d *Driver) compareAt(ops searchOps, addr uint32) (bool, error) {
	if err := ops.setSearchAddr(addr); err != nil {
		return false, err
	}
	if err := ops.compare(); err != nil {
		return false, err
	}
	return d.checkResponse(yes)
}

// highestAssigned sweeps the population without reprogramming anything,
// reading each device's current short address and withdrawing it. Returns
// the highest address seen, or -1 when every device reported MASK.
// Caller holds d.mu.
func (d *Driver) highestAssigned(ctx context.Context, ops searchOps) (int, error) {
	highest := -1
	seen := &addressBook{}

	if err := ops.initialise(0x00); err != nil {
		return highest, err
	}
	if err := ops.randomise(); err != nil {
		return highest, err
	}
	time.Sleep(settleTime)

	for {
		if err := ctx.Err(); err != nil {
			ops.terminate()
			return highest, err
		}

		found, err := d.compareAt(ops, searchAll)
		if err != nil {
			return highest, err
		}
		if !found {
			break
		}

		searchAddr, err := d.isolateLowest(ops)
		if err != nil {
			return highest, err
		}
		found, err = d.compareAt(ops, searchAddr)
		if err != nil {
			return highest, err
		}
		if found {
			addrByte, supported, err := ops.queryShortAddr()
			if err != nil {
				return highest, err
			}
			if supported && addrByte != mask {
				short := addrByte >> 1
				if !seen.markUsed(short) {
					// Two devices claiming one address is a bus anomaly,
					// not a reason to abort the sweep.
					d.logger.Warn("duplicate short address on bus", "shortAddr", short)
				}
				if int(short) > highest {
					highest = int(short)
				}
			}
			if err := ops.withdraw(); err != nil {
				return highest, err
			}
		}

		if err := ops.initialise(0x00); err != nil {
			return highest, err
		}
	}

	if err := ops.terminate(); err != nil {
		return highest, err
	}
	return highest, nil
}

// searchAddr2Byte encodes a short address the way PROGRAM SHORT ADDRESS
// expects it.
func searchAddr2Byte(a uint8) uint8 {
	return (a << 1) | 1
}
