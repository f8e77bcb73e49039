package bridge

import (
	"testing"

	"dali-go-home/internal/dali"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"0", 0, false},
		{"63", 63, false},
		{"64", 0, true},
		{"-1", 0, true},
		{"all", dali.Broadcast, false},
		{"ALL", dali.Broadcast, false},
		{"g0", dali.GroupAddr(0), false},
		{"g15", dali.GroupAddr(15), false},
		{"g16", 0, true},
		{"gx", 0, true},
		{"kitchen", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got 0x%02X, want 0x%02X", tc.in, got, tc.want)
		}
	}
}
