package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"dali-go-home/internal/dali"
)

// ParseTarget resolves an addressing segment from a topic or API path:
// "all" broadcasts, "g<N>" addresses group N [0,15], and a bare number
// addresses a short address [0,63].
func ParseTarget(s string) (uint8, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "all":
		return dali.Broadcast, nil
	case strings.HasPrefix(s, "g"):
		g, err := strconv.Atoi(s[1:])
		if err != nil || g < 0 || g > 15 {
			return 0, fmt.Errorf("bad group %q", s)
		}
		return dali.GroupAddr(uint8(g)), nil
	default:
		a, err := strconv.Atoi(s)
		if err != nil || a < 0 || a > 63 {
			return 0, fmt.Errorf("bad short address %q", s)
		}
		return uint8(a), nil
	}
}
