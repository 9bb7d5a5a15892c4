package memchase

import (
	"testing"
	"time"
)

func TestComputeMiBps(t *testing.T) {
	// 1024 loops over 1 MiB in one second is 1 GiB/s
	got := computeMiBps(1024, 1<<20, 1e9)
	if got < 1023.9 || got > 1024.1 {
		t.Fatalf("computeMiBps = %f, want 1024", got)
	}
	if computeMiBps(1, 1, 0) != 0 {
		t.Fatal("zero elapsed must not divide")
	}
}

// The sampler handshake: the very first tick closes the warm-up interval
// (collected as the discarded first sample); after that a load thread
// publishes only when the runner bumps sampleNo and has drained count.
func TestLoadSamplerHandshake(t *testing.T) {
	w := &Worker{}
	s := newLoadSampler(w, 1<<30)
	time.Sleep(10 * time.Millisecond)

	s.tick()
	if w.count.Load() == 0 {
		t.Fatal("warm-up interval not published on first tick")
	}
	if s.loops != 0 {
		t.Fatalf("loops = %d after closing the interval, want 0", s.loops)
	}

	// runner collects the warm-up value; same sampleNo must not publish again
	w.count.Swap(0)
	s.tick()
	s.tick()
	if got := w.count.Load(); got != 0 {
		t.Fatalf("published %d MiB/s without a new sample request", got)
	}

	w.sampleNo.Store(1)
	time.Sleep(10 * time.Millisecond)
	s.tick()
	if w.count.Load() == 0 {
		t.Fatal("no MiB/s published after sample request")
	}

	// an undrained count blocks the next interval close
	w.sampleNo.Store(2)
	s.tick()
	if s.curSample != 1 {
		t.Fatalf("interval closed with an undrained count, curSample=%d", s.curSample)
	}
}

func TestFindMemLoad(t *testing.T) {
	for _, name := range []string{"memcpy-libc", "memset-libc", "memsetz-libc",
		"stream-copy", "stream-sum", "stream-triad"} {
		l, err := FindMemLoad(name)
		if err != nil {
			t.Errorf("FindMemLoad(%q): %v", name, err)
			continue
		}
		if l.Name != name {
			t.Errorf("FindMemLoad(%q) resolved %q", name, l.Name)
		}
	}
	if _, err := FindMemLoad("nonesuch"); err == nil {
		t.Error("unknown memload accepted")
	}
	if _, err := FindMemLoad("stream-sum:3"); err == nil {
		t.Error("memload argument accepted")
	}
}
