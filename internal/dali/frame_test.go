package dali

import "testing"

func TestStandardVsDirectEncoding(t *testing.T) {
	// For every valid bus address the two modes differ only in the LSB of
	// the address byte, and the group/broadcast high bit survives
	// unchanged. Short addresses occupy [0,63]; addresses with bit 7 set
	// are the group/broadcast range.
	check := func(addr uint8) {
		std := standardAddr(addr)
		dir := directAddr(addr)

		if std&1 != 1 {
			t.Errorf("addr 0x%02X: standard LSB = 0, want 1", addr)
		}
		if dir&1 != 0 {
			t.Errorf("addr 0x%02X: direct LSB = 1, want 0", addr)
		}
		if std&^1 != dir&^1 {
			t.Errorf("addr 0x%02X: encodings differ beyond LSB: 0x%02X vs 0x%02X", addr, std, dir)
		}
		if std&0x80 != addr&0x80 || dir&0x80 != addr&0x80 {
			t.Errorf("addr 0x%02X: high bit not preserved", addr)
		}
	}

	for a := 0; a < 64; a++ {
		check(uint8(a))
	}
	for a := 0x80; a <= 0xFF; a++ {
		check(uint8(a))
	}
}

func TestGroupAddr(t *testing.T) {
	for g := uint8(0); g < 16; g++ {
		addr := GroupAddr(g)
		if addr&0x80 == 0 {
			t.Errorf("group %d: high bit not set in 0x%02X", g, addr)
		}
		if got := GroupNumber(addr); got != g {
			t.Errorf("group %d: recovered %d from 0x%02X", g, got, addr)
		}
	}
}

func TestFrameLayout(t *testing.T) {
	if got := standardFrame(3, 0xA0); got != 0x07A0 {
		t.Errorf("standardFrame(3, 0xA0) = 0x%04X, want 0x07A0", got)
	}
	if got := directFrame(3, 128); got != 0x0680 {
		t.Errorf("directFrame(3, 128) = 0x%04X, want 0x0680", got)
	}
	if got := standardFrame(Broadcast, 0x00); got != 0xFF00 {
		t.Errorf("broadcast standard frame = 0x%04X, want 0xFF00", got)
	}
	if got := directFrame(Broadcast, 0xFE); got != 0xFEFE {
		t.Errorf("broadcast direct frame = 0x%04X, want 0xFEFE", got)
	}
	if got := specialFrame(cmdInitialise, 0xFF); got != 0xA5FF {
		t.Errorf("INITIALISE frame = 0x%04X, want 0xA5FF", got)
	}
	if got := specialInputFrame(inCompare, 0x00); got != 0xC10300 {
		t.Errorf("input COMPARE frame = 0x%06X, want 0xC10300", got)
	}
	if got := inputFrame(5, 2, opQueryInstanceType); got != 0x0B0280 {
		t.Errorf("input frame = 0x%06X, want 0x0B0280", got)
	}
}
