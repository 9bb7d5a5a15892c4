package memchase

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// canPinCPUs reports whether the test environment allows affinity changes;
// the tools exit fatally when pinning fails, which would kill the test run.
func canPinCPUs() bool {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return false
	}
	if set.Count() < 2 {
		return false
	}
	return unix.SchedSetaffinity(0, &set) == nil
}

func TestPingPongSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("spins two threads per cpu pair")
	}
	if !canPinCPUs() {
		t.Skip("cannot pin cpus in this environment")
	}
	out := captureStdout(t, func() {
		err := PingPong(&PingPongOptions{
			Mode:          PingPongLocked,
			NrRelax:       10,
			NrTestedCores: 1,
			NrSamples:     1,
			SamplePeriod:  20 * time.Millisecond,
		})
		if err != nil {
			t.Error(err)
		}
	})
	if !strings.Contains(out, "avg latency to communicate a modified line") {
		t.Fatalf("missing banner: %q", out)
	}
	if len(strings.Split(strings.TrimSpace(out), "\n")) < 3 {
		t.Fatalf("no matrix rows: %q", out)
	}
}

func TestFairnessSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("spins one thread per cpu")
	}
	if !canPinCPUs() {
		t.Skip("cannot pin cpus in this environment")
	}
	out := captureStdout(t, func() {
		err := Fairness(&FairnessOptions{
			SweepMax:  1,
			TimeSlice: 20 * time.Millisecond,
			Sep:       ',',
		})
		if err != nil {
			t.Error(err)
		}
	})
	if !strings.Contains(out, "relaxed,sweep") {
		t.Fatalf("missing CSV header: %q", out)
	}
	// 2 phases x 5 retained samples, plus banner and header
	rows := strings.Split(strings.TrimSpace(out), "\n")
	if len(rows) != 2+2*5 {
		t.Fatalf("got %d output lines, want %d: %q", len(rows), 2+2*5, out)
	}
}
