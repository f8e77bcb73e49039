package automation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dali-go-home/internal/bus"
	"dali-go-home/internal/dali"
)

type fakeBus struct {
	mu       sync.Mutex
	frames16 []uint16
}

func (f *fakeBus) Send(frame uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames16 = append(f.frames16, frame)
	return nil
}

func (f *fakeBus) Send24(frame uint32) error { return nil }
func (f *fakeBus) Recv() (byte, error)       { return 0, bus.ErrTimeout }
func (f *fakeBus) Subscribe(bus.EventFunc)   {}
func (f *fakeBus) Unsubscribe()              {}
func (f *fakeBus) Close() error              { return nil }

func (f *fakeBus) sent() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, len(f.frames16))
	copy(out, f.frames16)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, fb *fakeBus, dir string) *Engine {
	t.Helper()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(dali.New(fb, testLogger()), mgr, testLogger())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e
}

// waitFrames polls until the fake bus has seen at least n frames.
func waitFrames(t *testing.T, fb *fakeBus, n int) []uint16 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := fb.sent(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %v", n, fb.sent())
	return nil
}

func TestScriptReactsToEvent(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hall.lua", `
		dali.on_event({scheme = "device+instance", short_addr = 2}, function(ev)
			dali.set_level(5, ev.info)
		end)
	`)

	fb := &fakeBus{}
	e := newTestEngine(t, fb, dir)

	e.dispatchEvent(dali.Event{
		Scheme:         dali.SchemeDeviceInstance,
		ShortAddr:      2,
		InstanceNumber: 0,
		Info:           200,
	})

	frames := waitFrames(t, fb, 1)
	// Direct arc power to short address 5: address byte 0x0A, level 200.
	if frames[0] != 0x0AC8 {
		t.Errorf("frame = %#04x, want 0x0ac8", frames[0])
	}
}

func TestFilterRejectsOtherDevices(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "door.lua", `
		dali.on_event({short_addr = 7}, function(ev)
			dali.off("all")
		end)
	`)

	fb := &fakeBus{}
	e := newTestEngine(t, fb, dir)

	// Wrong address: no reaction.
	e.dispatchEvent(dali.Event{Scheme: dali.SchemeDevice, ShortAddr: 3})
	// Scheme without a short address: address filter cannot match.
	e.dispatchEvent(dali.Event{Scheme: dali.SchemeInstanceGroup, InstanceGroup: 1})
	// Matching address fires.
	e.dispatchEvent(dali.Event{Scheme: dali.SchemeDevice, ShortAddr: 7})

	frames := waitFrames(t, fb, 1)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	// OFF broadcast: address byte 0xFF, opcode 0x00.
	if frames[0] != 0xFF00 {
		t.Errorf("frame = %#04x, want 0xff00", frames[0])
	}
}

func TestGroupTargetString(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "group.lua", `
		dali.on_event({}, function(ev)
			dali.on("g2")
		end)
	`)

	fb := &fakeBus{}
	e := newTestEngine(t, fb, dir)

	e.dispatchEvent(dali.Event{Scheme: dali.SchemeInstance, InstanceType: dali.InstanceButton})

	frames := waitFrames(t, fb, 1)
	// ON AND STEP UP to group 2: address byte 0x85, opcode 0x08.
	if frames[0] != 0x8508 {
		t.Errorf("frame = %#04x, want 0x8508", frames[0])
	}
}

func TestBrokenScriptDoesNotStopOthers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.lua", `this is not lua`)
	writeScript(t, dir, "ok.lua", `
		dali.on_event({}, function(ev) dali.off(1) end)
	`)

	fb := &fakeBus{}
	e := newTestEngine(t, fb, dir)

	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	if running != 1 {
		t.Fatalf("running VMs = %d, want 1", running)
	}

	e.dispatchEvent(dali.Event{Scheme: dali.SchemeDevice, ShortAddr: 0})
	waitFrames(t, fb, 1)
}

func TestReloadScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "swap.lua", `
		dali.on_event({}, function(ev) dali.off(1) end)
	`)

	fb := &fakeBus{}
	e := newTestEngine(t, fb, dir)

	writeScript(t, dir, "swap.lua", `
		dali.on_event({}, function(ev) dali.on(1) end)
	`)
	if err := e.ReloadScript("swap"); err != nil {
		t.Fatal(err)
	}

	e.dispatchEvent(dali.Event{Scheme: dali.SchemeDevice, ShortAddr: 0})

	frames := waitFrames(t, fb, 1)
	// ON AND STEP UP to short address 1: address byte 0x03, opcode 0x08.
	if frames[0] != 0x0308 {
		t.Errorf("frame = %#04x, want 0x0308", frames[0])
	}
}

func TestManagerRejectsBadID(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		if _, err := mgr.Get(id); err == nil {
			t.Errorf("Get(%q) accepted invalid id", id)
		}
	}
}
