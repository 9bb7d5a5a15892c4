package memchase

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// The ping-pong tool bounces ownership of one cache line between two pinned
// cores and reports the average latency to communicate a modified line. A
// fresh line is allocated by the sampling goroutine for each pair, so its
// NUMA placement is not tied to either core; the even thread resets it once
// pinned, and it is padded so nothing else shares it.

// PingPongMode selects how the two threads take turns on the shared line.
type PingPongMode int

const (
	// PingPongLocked hands the line over with a compare-and-swap.
	PingPongLocked PingPongMode = iota
	// PingPongUnlocked hands the line over with a separate load and store
	// instead of a compare-and-swap.
	PingPongUnlocked
	// PingPongXadd sequences both threads through one fetch-add word.
	PingPongXadd
)

// PingPongOptions configures a ping-pong run.
type PingPongOptions struct {
	Mode          PingPongMode
	NrRelax       int // cpu_relax iterations between attempts
	NrArrayElts   int // optional dirty data passed along with the line
	NrTestedCores int // limit the rows of the matrix; 0 tests all
	NrSamples     int
	SamplePeriod  time.Duration
}

type pingpongShared struct {
	word  atomic.Uint64
	_     [AvoidFalseSharing]byte
	total atomic.Uint64 // pingpong count, published every 10000 round trips
	_     [AvoidFalseSharing]byte
	stop  atomic.Bool
	comm  []uint64 // optional communication array dirtied on each handover
}

type pingpongThread struct {
	cpu   int
	me    uint64
	buddy uint64
}

func pingpongSetup(t *pingpongThread, sh *pingpongShared, ready *sync.WaitGroup) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(t.cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		workerFatal(NewOSError("pingpong", fmt.Sprintf("sched_setaffinity cpu %d", t.cpu), err))
	}
	if t.me == 0 {
		sh.word.Store(0)
	}
	ready.Done()
	ready.Wait()
}

// publish batches the round-trip count; doing the shared add every time
// costs too much.
const pingpongBatch = 10000

func pingpongLockedLoop(t *pingpongThread, sh *pingpongShared, nrRelax int, ready *sync.WaitGroup) {
	pingpongSetup(t, sh, ready)
	var nr uint64
	for !sh.stop.Load() {
		if sh.word.CompareAndSwap(t.me, t.buddy) {
			for i := range sh.comm {
				sh.comm[i]++
			}
			nr++
			if nr == pingpongBatch && t.me == 0 {
				sh.total.Add(2 * nr)
				nr = 0
			}
		}
		for i := 0; i < nrRelax; i++ {
			cpuRelax()
		}
	}
}

func pingpongUnlockedLoop(t *pingpongThread, sh *pingpongShared, nrRelax int, ready *sync.WaitGroup) {
	pingpongSetup(t, sh, ready)
	var nr uint64
	for !sh.stop.Load() {
		// unlocked handover: a load and a separate store, with no
		// read-modify-write between them; both are sync/atomic operations,
		// so the store is still sequentially consistent (XCHG on amd64)
		if sh.word.Load() == t.me {
			sh.word.Store(t.buddy)
			for i := range sh.comm {
				sh.comm[i]++
			}
			nr++
			if nr == pingpongBatch && t.me == 0 {
				sh.total.Add(2 * nr)
				nr = 0
			}
		}
		for i := 0; i < nrRelax; i++ {
			cpuRelax()
		}
	}
}

func pingpongXaddLoop(t *pingpongThread, sh *pingpongShared, nrRelax int, ready *sync.WaitGroup) {
	pingpongSetup(t, sh, ready)
	addAmt := uint64(1)
	if t.me != 0 {
		addAmt = 1 << 32
	}
	var lastLo uint32
	var nr uint64
	for !sh.stop.Load() {
		swap := sh.word.Add(addAmt) - addAmt
		if t.me == 1 && lastLo != uint32(swap) {
			lastLo = uint32(swap)
			nr++
			if nr == pingpongBatch {
				sh.total.Add(2 * nr)
				nr = 0
			}
		}
		for i := 0; i < nrRelax; i++ {
			cpuRelax()
		}
	}
}

func pingpongLoopFn(mode PingPongMode) func(*pingpongThread, *pingpongShared, int, *sync.WaitGroup) {
	switch mode {
	case PingPongUnlocked:
		return pingpongUnlockedLoop
	case PingPongXadd:
		return pingpongXaddLoop
	default:
		return pingpongLockedLoop
	}
}

// PingPong measures the pairwise cache-line transfer latency matrix over the
// CPUs in the process affinity mask and prints one row per origin core.
func PingPong(opts *PingPongOptions) error {
	if opts.NrSamples == 0 {
		opts.NrSamples = 5
	}
	if opts.SamplePeriod == 0 {
		opts.SamplePeriod = 250 * time.Millisecond
	}

	var cpus unix.CPUSet
	if err := unix.SchedGetaffinity(0, &cpus); err != nil {
		return NewOSError("PingPong", "sched_getaffinity", err)
	}
	var active []int
	for i := 0; i < len(cpus)*64; i++ {
		if cpus.IsSet(i) {
			active = append(active, i)
		}
	}
	if len(active) < 2 {
		return NewConfigError("PingPong", "need at least two cpus")
	}

	fmt.Println("avg latency to communicate a modified line from one core to another")
	fmt.Println("times are in ns")
	fmt.Println()

	const colWidth = 8
	fmt.Print("   ")
	for _, c := range active[1:] {
		fmt.Printf("%*d", colWidth, c)
	}
	fmt.Println()

	loop := pingpongLoopFn(opts.Mode)
	nrTested := opts.NrTestedCores
	if nrTested == 0 {
		nrTested = len(active)
	}

	for ii, i := range active {
		if ii >= nrTested || i == active[len(active)-1] {
			break
		}
		fmt.Printf("%2d:", i)
		for _, c := range active[1:] {
			if c <= i {
				fmt.Printf("%*s", colWidth, "")
			}
		}
		for _, j := range active[ii+1:] {
			sh := &pingpongShared{}
			if opts.NrArrayElts > 0 {
				sh.comm = make([]uint64, opts.NrArrayElts)
			}
			var ready sync.WaitGroup
			ready.Add(2)
			even := &pingpongThread{cpu: i, me: 0, buddy: 1}
			odd := &pingpongThread{cpu: j, me: 1, buddy: 0}
			done := make(chan struct{}, 2)
			go func() { loop(odd, sh, opts.NrRelax, &ready); done <- struct{}{} }()
			go func() { loop(even, sh, opts.NrRelax, &ready); done <- struct{}{} }()

			lastStamp := nowNsec()
			best := math.Inf(1)
			for s := 0; s < opts.NrSamples; s++ {
				time.Sleep(opts.SamplePeriod)
				n := sh.total.Swap(0)
				stamp := nowNsec()
				sample := float64(stamp-lastStamp) / float64(n)
				lastStamp = stamp
				if sample < best {
					best = sample
				}
			}
			fmt.Printf("%*.1f", colWidth, best)

			sh.stop.Store(true)
			<-done
			<-done
		}
		fmt.Println()
	}
	fmt.Println()
	return nil
}
