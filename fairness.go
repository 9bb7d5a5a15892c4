package memchase

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// The fairness tool runs one thread per CPU, all hammering a single shared
// counter with atomic increments, and reports the per-thread grant latency.
// A fair memory system gives every core a similar number; an unfair one
// starves the far cores. The run repeats with cpu_relax backoff between
// increments, and can sweep the counter across distinct cache lines to
// expose address-dependent behaviour.

// FairnessOptions configures a fairness run.
type FairnessOptions struct {
	DelayMask uint64 // cpus whose threads sleep 1s at phase boundaries
	SweepMax  int    // number of distinct counter cells to test
	TimeSlice time.Duration
	Sep       byte // ',' selects CSV output
}

type sweepCell struct {
	count atomic.Uint64
	_     [CacheLineSize - 8]byte
}

type fairnessState struct {
	cells   [SweepMax]sweepCell
	sweepID atomic.Int64
	relaxed atomic.Bool
}

type fairnessWorker struct {
	count atomic.Uint64
	cpu   int
	_     [AvoidFalseSharing]byte
}

func fairnessMain(w *fairnessWorker, st *fairnessState, delayMask uint64, bar *barrier) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(w.cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		workerFatal(NewOSError("fairness", fmt.Sprintf("sched_setaffinity cpu %d", w.cpu), err))
	}

	bar.arrive()

	delayed := w.cpu < 64 && delayMask&(1<<uint(w.cpu)) != 0
	if delayed {
		time.Sleep(time.Second)
	}
	for !st.relaxed.Load() {
		target := &st.cells[st.sweepID.Load()].count
		for i := 0; i < 50; i++ {
			target.Add(1)
		}
		w.count.Add(50)
	}
	if delayed {
		time.Sleep(time.Second)
	}
	for st.relaxed.Load() {
		target := &st.cells[st.sweepID.Load()].count
		for i := 0; i < 50; i++ {
			target.Add(1)
			cpuRelax()
		}
		w.count.Add(50)
	}
}

// Fairness runs the contended-increment experiment over every CPU in the
// process affinity mask and prints per-thread latencies with avg, stdev,
// min, and max, once unrelaxed and once with cpu_relax backoff.
func Fairness(opts *FairnessOptions) error {
	if opts.SweepMax <= 0 {
		opts.SweepMax = 1
	}
	if opts.SweepMax > SweepMax {
		return NewConfigError("Fairness", fmt.Sprintf("sweep_max is limited to %d", SweepMax))
	}
	if opts.TimeSlice == 0 {
		opts.TimeSlice = 500 * time.Millisecond
	}

	var cpus unix.CPUSet
	if err := unix.SchedGetaffinity(0, &cpus); err != nil {
		return NewOSError("Fairness", "sched_getaffinity", err)
	}
	var active []int
	for i := 0; i < len(cpus)*64; i++ {
		if cpus.IsSet(i) {
			active = append(active, i)
		}
	}
	nrThreads := len(active)

	st := &fairnessState{}
	workers := make([]fairnessWorker, nrThreads)
	bar := newBarrier(nrThreads + 1)
	for i := range workers {
		workers[i].cpu = active[i]
		go fairnessMain(&workers[i], st, opts.DelayMask, bar)
	}
	bar.arrive()

	fmt.Println("results are avg latency per locked increment in ns, one column per thread")
	csv := opts.Sep == ','
	if csv {
		fmt.Print("relaxed,sweep")
		for i := range workers {
			fmt.Printf(",cpu-%d", workers[i].cpu)
		}
		fmt.Println(",avg,stdev,min,max")
	} else {
		fmt.Print("cpu:")
		for i := range workers {
			fmt.Printf("%6d  ", workers[i].cpu)
		}
		fmt.Println()
	}

	samples := make([]uint64, nrThreads)
	for relaxed := 0; relaxed < 2; relaxed++ {
		if !csv {
			if relaxed == 1 {
				fmt.Println("relaxed:")
			} else {
				fmt.Println("unrelaxed:")
			}
		}
		for sweep := 0; sweep < opts.SweepMax; sweep++ {
			st.sweepID.Store(int64(sweep))
			lastStamp := nowNsec()
			for sampleNr := 0; sampleNr < 6; sampleNr++ {
				time.Sleep(opts.TimeSlice)
				for i := range workers {
					samples[i] = workers[i].count.Swap(0)
				}
				stamp := nowNsec()
				timeDelta := stamp - lastStamp
				lastStamp = stamp

				// throw away the first sample to avoid races at startup and
				// at the mode switch
				if sampleNr == 0 {
					continue
				}
				if csv {
					fmt.Printf("%d,%d", relaxed, sweep)
				} else {
					fmt.Print("  ")
				}
				minS, maxS := math.Inf(1), 0.0
				sum, sumSq := 0.0, 0.0
				for i := range workers {
					s := float64(timeDelta) / float64(samples[i])
					if csv {
						fmt.Printf(",%.1f", s)
					} else {
						fmt.Printf("  %6.1f", s)
					}
					minS = math.Min(minS, s)
					maxS = math.Max(maxS, s)
					sum += s
					sumSq += s * s
				}
				n := float64(nrThreads)
				stdev := math.Sqrt((sumSq - sum*sum/n) / (n - 1))
				if csv {
					fmt.Printf(",%.1f,%.1f,%.1f,%.1f\n", sum/n, stdev, minS, maxS)
				} else {
					fmt.Printf(" : avg %6.1f  sdev %6.1f  min %6.1f  max %6.1f\n", sum/n, stdev, minS, maxS)
				}
			}
		}
		st.relaxed.Store(relaxed == 0)
	}
	return nil
}
