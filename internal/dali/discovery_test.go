package dali

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"dali-go-home/internal/bus"
)

// simDevice is one simulated device on the bus.
type simDevice struct {
	random    uint32
	short     int // -1 = unaddressed
	inSession bool
	withdrawn bool
}

// simBus simulates a population of DALI devices behind the transceiver
// interface: it tracks the search address, answers COMPARE with the
// wired-or YES, and honours PROGRAM/WITHDRAW/QUERY SHORT ADDRESS against
// the selected device.
type simBus struct {
	gear   []*simDevice
	inputs []*simDevice

	searchGear  uint32
	searchInput uint32

	replies []byte

	gearTerminates  int
	inputTerminates int
	compares        int
}

func newSimBus(gearRandoms, inputRandoms []uint32) *simBus {
	s := &simBus{}
	for _, r := range gearRandoms {
		s.gear = append(s.gear, &simDevice{random: r, short: -1})
	}
	for _, r := range inputRandoms {
		s.inputs = append(s.inputs, &simDevice{random: r, short: -1})
	}
	return s
}

func (s *simBus) push(b byte) { s.replies = append(s.replies, b) }

func (s *simBus) Recv() (byte, error) {
	if len(s.replies) == 0 {
		return 0, bus.ErrTimeout
	}
	b := s.replies[0]
	s.replies = s.replies[1:]
	return b, nil
}

// selected returns the first non-withdrawn session device whose random
// address equals the search address. With colliding random addresses only
// one device reacts, modelling the race the protocol cannot resolve.
func selected(devs []*simDevice, search uint32) *simDevice {
	for _, dev := range devs {
		if dev.inSession && !dev.withdrawn && dev.random == search {
			return dev
		}
	}
	return nil
}

func (s *simBus) special(devs []*simDevice, search *uint32, cmd, data uint8, terminates *int) {
	switch cmd {
	case cmdInitialise:
		for _, dev := range devs {
			if data == 0x00 || dev.short < 0 {
				dev.inSession = true
			} else {
				dev.inSession = false
			}
		}
	case cmdRandomise:
		// Random addresses are preassigned for determinism.
	case cmdSearchAddrH:
		*search = *search&0x00FFFF | uint32(data)<<16
	case cmdSearchAddrM:
		*search = *search&0xFF00FF | uint32(data)<<8
	case cmdSearchAddrL:
		*search = *search&0xFFFF00 | uint32(data)
	case cmdCompare:
		s.compares++
		for _, dev := range devs {
			if dev.inSession && !dev.withdrawn && dev.random <= *search {
				s.push(0xFF)
				break
			}
		}
	case cmdProgramShortAddr:
		if dev := selected(devs, *search); dev != nil {
			dev.short = int(data >> 1)
		}
	case cmdWithdraw:
		if dev := selected(devs, *search); dev != nil {
			dev.withdrawn = true
		}
	case cmdQueryShortAddr:
		if dev := selected(devs, *search); dev != nil {
			if dev.short < 0 {
				s.push(0xFF)
			} else {
				s.push(uint8(dev.short)<<1 | 1)
			}
		}
	case cmdTerminate:
		*terminates++
		for _, dev := range devs {
			dev.inSession = false
			dev.withdrawn = false
		}
	}
}

func (s *simBus) Send(word uint16) error {
	hi, lo := uint8(word>>8), uint8(word)
	if hi >= cmdTerminate && hi&1 == 1 { // special command range
		s.special(s.gear, &s.searchGear, hi, lo, &s.gearTerminates)
	}
	return nil
}

func (s *simBus) Send24(word uint32) error {
	if uint8(word>>16) != specialInputLead {
		return nil
	}
	sel, data := uint8(word>>8), uint8(word)
	// Map the 103 selectors onto the 102 special handler.
	table := map[uint8]uint8{
		inTerminate:        cmdTerminate,
		inInitialise:       cmdInitialise,
		inRandomise:        cmdRandomise,
		inCompare:          cmdCompare,
		inWithdraw:         cmdWithdraw,
		inSearchAddrH:      cmdSearchAddrH,
		inSearchAddrM:      cmdSearchAddrM,
		inSearchAddrL:      cmdSearchAddrL,
		inProgramShortAddr: cmdProgramShortAddr,
	}
	if cmd, ok := table[sel]; ok {
		s.special(s.inputs, &s.searchInput, cmd, data, &s.inputTerminates)
	}
	return nil
}

func (s *simBus) Subscribe(fn bus.EventFunc) {}
func (s *simBus) Unsubscribe()               {}
func (s *simBus) Close() error               { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shortAddrs(devs []*simDevice) map[int]int {
	m := make(map[int]int)
	for _, dev := range devs {
		m[dev.short]++
	}
	return m
}

func TestDiscoveryAssignsUniqueAddresses(t *testing.T) {
	randoms := []uint32{0x000001, 0xFFFFFE, 0x812345, 0x3C0FFE, 0x000002,
		0x7FFFFF, 0x400000, 0x9A0001, 0x123456, 0xF00000}
	sim := newSimBus(randoms, nil)
	d := New(sim, testLogger())

	n, err := d.InitLights(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(randoms) {
		t.Fatalf("found %d devices, want %d", n, len(randoms))
	}
	addrs := shortAddrs(sim.gear)
	for a := 0; a < len(randoms); a++ {
		if addrs[a] != 1 {
			t.Errorf("short address %d assigned %d times, want once", a, addrs[a])
		}
	}
	if sim.gearTerminates != 1 {
		t.Errorf("TERMINATE issued %d times, want 1", sim.gearTerminates)
	}
	if d.Lights() != len(randoms) {
		t.Errorf("Lights() = %d, want %d", d.Lights(), len(randoms))
	}
}

func TestDiscoveryEmptyBus(t *testing.T) {
	sim := newSimBus(nil, nil)
	d := New(sim, testLogger())

	n, err := d.InitLights(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("found %d devices on empty bus", n)
	}
	if sim.compares != 1 {
		t.Errorf("issued %d COMPAREs, want exactly 1 before terminating", sim.compares)
	}
	if sim.gearTerminates != 1 {
		t.Errorf("TERMINATE issued %d times, want 1", sim.gearTerminates)
	}
}

func TestDiscoveryRandomAddressCollision(t *testing.T) {
	// Two devices drew the same random address. The search resolves to the
	// shared address, one device is withdrawn, and the other is found on
	// the next outer iteration.
	sim := newSimBus([]uint32{0x5A5A5A, 0x5A5A5A, 0x000010}, nil)
	d := New(sim, testLogger())

	n, err := d.InitLights(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("found %d devices, want 3", n)
	}
	addrs := shortAddrs(sim.gear)
	for a := 0; a < 3; a++ {
		if addrs[a] != 1 {
			t.Errorf("short address %d assigned %d times, want once", a, addrs[a])
		}
	}
}

func TestIncrementalDiscovery(t *testing.T) {
	sim := newSimBus([]uint32{0x111111, 0x222222, 0x333333, 0x444444, 0x555555}, nil)
	// Three devices already hold addresses from an earlier session.
	for i := 0; i < 3; i++ {
		sim.gear[i].short = i
	}

	d := New(sim, testLogger())
	n, err := d.InitLights(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("found %d devices, want 5", n)
	}
	for i := 0; i < 3; i++ {
		if sim.gear[i].short != i {
			t.Errorf("pre-addressed device %d reprogrammed to %d", i, sim.gear[i].short)
		}
	}
	// New devices continue numbering at 3.
	got := map[int]bool{sim.gear[3].short: true, sim.gear[4].short: true}
	if !got[3] || !got[4] {
		t.Errorf("new devices got addresses %d and %d, want {3,4}", sim.gear[3].short, sim.gear[4].short)
	}
	// One TERMINATE for the sweep, one for the assignment pass.
	if sim.gearTerminates != 2 {
		t.Errorf("TERMINATE issued %d times, want 2", sim.gearTerminates)
	}
}

func TestDiscoveryAddressExhaustion(t *testing.T) {
	var randoms []uint32
	for i := 0; i < 70; i++ {
		randoms = append(randoms, uint32(i+1)*0x1000)
	}
	sim := newSimBus(randoms, nil)
	d := New(sim, testLogger())

	n, err := d.InitLights(context.Background(), true)
	if !errors.Is(err, ErrBusFull) {
		t.Fatalf("got err %v, want ErrBusFull", err)
	}
	if n != maxShortAddrs {
		t.Fatalf("assigned %d addresses, want %d", n, maxShortAddrs)
	}
	unaddressed := 0
	for _, dev := range sim.gear {
		if dev.short < 0 {
			unaddressed++
		}
	}
	if unaddressed != 70-maxShortAddrs {
		t.Errorf("%d devices left unaddressed, want %d", unaddressed, 70-maxShortAddrs)
	}
	if sim.gearTerminates != 1 {
		t.Errorf("TERMINATE issued %d times, want 1", sim.gearTerminates)
	}
}

func TestInitChainsInputNumbering(t *testing.T) {
	sim := newSimBus(
		[]uint32{0x100000, 0x200000},
		[]uint32{0x010000, 0x020000, 0x030000},
	)
	d := New(sim, testLogger())

	total, err := d.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("found %d logical units, want 5", total)
	}
	if d.Lights() != 2 || d.Inputs() != 3 || d.InputAddrStart() != 2 {
		t.Fatalf("Lights=%d Inputs=%d InputAddrStart=%d, want 2/3/2",
			d.Lights(), d.Inputs(), d.InputAddrStart())
	}
	addrs := shortAddrs(sim.inputs)
	for a := 2; a < 5; a++ {
		if addrs[a] != 1 {
			t.Errorf("input short address %d assigned %d times, want once", a, addrs[a])
		}
	}
	if sim.inputTerminates != 1 {
		t.Errorf("input TERMINATE issued %d times, want 1", sim.inputTerminates)
	}
}

func TestPopulationCountersDuringDiscovery(t *testing.T) {
	sim := newSimBus(
		[]uint32{0x100000, 0x200000, 0x300000},
		[]uint32{0x010000, 0x020000},
	)
	d := New(sim, testLogger())

	// Poll the counters from another goroutine while discovery runs. The
	// getters take the bus lock, so the race detector stays quiet and each
	// read observes either the old or the new population.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = d.Lights()
			_ = d.Inputs()
			_ = d.InputAddrStart()
		}
	}()

	total, err := d.Init(context.Background())
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("found %d logical units, want 5", total)
	}
	if d.Lights() != 3 || d.Inputs() != 2 || d.InputAddrStart() != 3 {
		t.Fatalf("Lights=%d Inputs=%d InputAddrStart=%d, want 3/2/3",
			d.Lights(), d.Inputs(), d.InputAddrStart())
	}
}

func TestDiscoveryCancellation(t *testing.T) {
	sim := newSimBus([]uint32{0x123456, 0x654321}, nil)
	d := New(sim, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.InitLights(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}
	// The session is still closed on the way out.
	if sim.gearTerminates != 1 {
		t.Errorf("TERMINATE issued %d times, want 1", sim.gearTerminates)
	}
}
