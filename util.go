package memchase

import (
	"fmt"
	"strconv"
	"time"
)

// ParseMemArg parses a byte count with an optional k/m/g suffix. The numeric
// part accepts decimal, octal, and hex the way strtoull(3) with base 0 does.
func ParseMemArg(s string) (int, error) {
	if s == "" {
		return 0, NewConfigError("ParseMemArg", "empty size")
	}
	mult := 1
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 63)
	if err != nil {
		return 0, NewConfigError("ParseMemArg", "bad size "+strconv.Quote(s))
	}
	r := int(n) * mult
	if r < 0 || (mult != 1 && r/mult != int(n)) {
		return 0, NewConfigError("ParseMemArg", "size overflows")
	}
	return r, nil
}

// nowNsec returns a monotonic nanosecond timestamp.
var startTime = time.Now()

func nowNsec() uint64 {
	return uint64(time.Since(startTime))
}

// timestamp prints the wall-clock prefix enabled by -y.
func timestamp(cfg *Config) {
	if !cfg.PrintTimestamp {
		return
	}
	now := time.Now()
	fmt.Printf("%.6f ", float64(now.UnixNano())/1e9)
}

// fillBytes backs a buffer with a nonzero pattern via doubling copies; the
// runner uses it to touch flush and load arenas before measuring.
func fillBytes(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	b[0] = v
	for i := 1; i < len(b); i *= 2 {
		copy(b[i:], b[:i])
	}
}

// fmtLatency renders a latency the way the sweep drivers expect: three
// decimals under 100 ns, one above.
func fmtLatency(ns float64) string {
	if ns < 100 {
		return fmt.Sprintf("%6.3f", ns)
	}
	return fmt.Sprintf("%6.1f", ns)
}
