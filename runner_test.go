package memchase

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()
	defer func() {
		os.Stdout = old
	}()
	fn()
	w.Close()
	os.Stdout = old
	return <-done
}

func simpleChase(t *testing.T) *Chase {
	t.Helper()
	c, _, err := FindChase("simple")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNormalizeGeometry(t *testing.T) {
	chase := simpleChase(t)
	tests := []struct {
		name                          string
		total, stride, tlb, threads   int
		wantTotal, wantStride, wantTLB int
		wantErr                       bool
	}{
		{"defaults", 1 << 20, 256, 64 * 4096, 1, 1 << 20, 256, 64 * 4096, false},
		{"tlb below stride", 1 << 20, 256, 100, 1, 1 << 20, 256, 256, false},
		{"tlb rounds to stride", 1 << 20, 256, 1000, 1, 1048320, 256, 768, false},
		{"tiny total collapses tlb", 512, 256, 4096, 1, 512, 256, 512, false},
		{"total rounds to tlb", 1<<20 + 1234, 256, 1 << 18, 1, 1 << 20, 256, 1 << 18, false},
		{"stride too small", 1 << 20, 4, 4096, 1, 0, 0, 0, true},
		{"too many threads for stride", 1 << 20, 8, 4096, 2, 0, 0, 0, true},
	}
	for _, tt := range tests {
		p := &Params{
			Cfg:         DefaultConfig(),
			RunType:     RunChase,
			Chase:       chase,
			TotalMemory: tt.total,
			Stride:      tt.stride,
			TLBLocality: tt.tlb,
			NrThreads:   tt.threads,
		}
		err := NormalizeGeometry(p)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if p.TotalMemory != tt.wantTotal || p.Stride != tt.wantStride || p.TLBLocality != tt.wantTLB {
			t.Errorf("%s: got (%d, %d, %d), want (%d, %d, %d)", tt.name,
				p.TotalMemory, p.Stride, p.TLBLocality,
				tt.wantTotal, tt.wantStride, tt.wantTLB)
		}
	}
}

func TestFindChase(t *testing.T) {
	c, arg, err := FindChase("work:17")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "work" || arg != "17" {
		t.Fatalf("FindChase(work:17) = %q, %q", c.Name, arg)
	}
	if _, _, err := FindChase("work"); err == nil {
		t.Error("work without an argument accepted")
	}
	if _, _, err := FindChase("simple:3"); err == nil {
		t.Error("simple with an argument accepted")
	}
	if _, _, err := FindChase("nonesuch"); err == nil {
		t.Error("unknown chase accepted")
	}
	if Chases()[0].Name != "simple" {
		t.Errorf("default chase is %q, want simple", Chases()[0].Name)
	}
}

// A short single-thread chase reports a finite positive latency.
func TestRunSimpleChase(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a spinning worker")
	}
	cfg := DefaultConfig()
	cfg.SetAffinity = false
	p := &Params{
		Cfg:          cfg,
		RunType:      RunChase,
		Chase:        simpleChase(t),
		TotalMemory:  1 << 20,
		Stride:       256,
		TLBLocality:  16 * 4096,
		NrThreads:    1,
		NrSamples:    2,
		SamplePeriod: 50 * time.Millisecond,
		WarmupDelay:  time.Millisecond,
	}
	out := captureStdout(t, func() {
		if err := Run(p); err != nil {
			t.Error(err)
		}
	})
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		t.Fatalf("no output: %q", out)
	}
	ns, err := strconv.ParseFloat(lines[len(lines)-1], 64)
	if err != nil {
		t.Fatalf("last output %q is not a number: %v", lines[len(lines)-1], err)
	}
	if ns <= 0 {
		t.Fatalf("latency %f not positive", ns)
	}
}

// Loaded latency: one chase thread and one load thread report a latency
// column and an aggregated bandwidth column.
func TestRunLoadedLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns spinning workers")
	}
	cfg := DefaultConfig()
	cfg.SetAffinity = false
	chase, _, err := FindChase("chaseload")
	if err != nil {
		t.Fatal(err)
	}
	load, err := FindMemLoad("memcpy-libc")
	if err != nil {
		t.Fatal(err)
	}
	p := &Params{
		Cfg:          cfg,
		RunType:      RunChaseLoaded,
		Chase:        chase,
		MemLoad:      load,
		TotalMemory:  1 << 20,
		Stride:       256,
		TLBLocality:  16 * 4096,
		NrThreads:    2,
		NrSamples:    2,
		SamplePeriod: 50 * time.Millisecond,
		WarmupDelay:  10 * time.Millisecond,
		PollDelay:    2 * time.Millisecond,
	}
	out := captureStdout(t, func() {
		if err := Run(p); err != nil {
			t.Error(err)
		}
	})
	if !strings.Contains(out, "ChaseNS") || !strings.Contains(out, "LdAvgMibs") {
		t.Fatalf("report header missing: %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "chaseload") || !strings.Contains(last, "memcpy-libc") {
		t.Fatalf("report row missing workload names: %q", last)
	}
	cols := strings.Split(last, ",")
	if len(cols) != 12 {
		t.Fatalf("report row has %d columns, want 12: %q", len(cols), last)
	}
	// the first sample is discarded; the report carries the retained count
	if got := strings.TrimSpace(cols[0]); got != "2" {
		t.Fatalf("samples column = %q, want 2", got)
	}
	chaseNS, err := strconv.ParseFloat(strings.TrimSpace(cols[3]), 64)
	if err != nil || chaseNS <= 0 {
		t.Fatalf("chase latency column %q invalid", cols[3])
	}
	ldAvg, err := strconv.ParseFloat(strings.TrimSpace(cols[8]), 64)
	if err != nil || ldAvg <= 0 {
		t.Fatalf("bandwidth column %q invalid", cols[8])
	}
}
