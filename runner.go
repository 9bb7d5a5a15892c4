package memchase

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Params describes one benchmark run. Geometry fields are normalized by
// NormalizeGeometry before use.
type Params struct {
	Cfg *Config

	RunType  RunType
	Chase    *Chase
	ChaseArg string
	MemLoad  *MemLoad

	TotalMemory    int
	Stride         int
	TLBLocality    int
	Offset         int
	CacheFlushSize int

	NrThreads int
	NrSamples int // retained samples; 0 samples forever

	Ordered      bool
	PrintAverage bool

	SamplePeriod time.Duration // zero picks the mode's default
	WarmupDelay  time.Duration
	PollDelay    time.Duration
}

const (
	defChaseSamplePeriod  = 500 * time.Millisecond
	defLoadedSamplePeriod = 2 * time.Second
	defLoadedWarmup       = 4 * time.Second
	defLoadedPoll         = 10 * time.Millisecond
)

func (p *Params) fillDefaults() {
	if p.SamplePeriod == 0 {
		if p.RunType == RunChase {
			p.SamplePeriod = defChaseSamplePeriod
		} else {
			p.SamplePeriod = defLoadedSamplePeriod
		}
	}
	if p.WarmupDelay == 0 && p.RunType != RunChase {
		p.WarmupDelay = defLoadedWarmup
	}
	if p.PollDelay == 0 {
		p.PollDelay = defLoadedPoll
	}
}

// NormalizeGeometry clamps and rounds the run geometry the way the sweep
// drivers rely on: TLB locality becomes a stride multiple no smaller than
// the stride, and total memory a multiple of the TLB locality (or collapses
// to a single TLB group for tiny runs).
func NormalizeGeometry(p *Params) error {
	if p.Stride < ptrSize {
		return NewConfigError("NormalizeGeometry",
			fmt.Sprintf("stride must be at least %d", ptrSize))
	}
	if p.TLBLocality < p.Stride {
		p.TLBLocality = p.Stride
	} else {
		p.TLBLocality -= p.TLBLocality % p.Stride
	}
	if p.TotalMemory < p.TLBLocality {
		if p.TotalMemory < p.Stride {
			p.TotalMemory = p.Stride
		} else {
			p.TotalMemory -= p.TotalMemory % p.Stride
		}
		p.TLBLocality = p.TotalMemory
	} else {
		p.TotalMemory -= p.TotalMemory % p.TLBLocality
	}

	nrMixerIndices := p.Stride / p.Chase.BaseObjectSize
	if p.RunType == RunChase && nrMixerIndices < p.NrThreads*p.Chase.Parallelism {
		return NewConfigError("NormalizeGeometry",
			fmt.Sprintf("the stride is too small to interleave that many threads, need at least %d bytes",
				p.NrThreads*p.Chase.Parallelism*p.Chase.BaseObjectSize))
	}
	return nil
}

func workerFatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// bindToCPU pins the calling thread to the n-th CPU of the process affinity
// mask.
func bindToCPU(n int) error {
	var all unix.CPUSet
	if err := unix.SchedGetaffinity(0, &all); err != nil {
		return NewOSError("bindToCPU", "sched_getaffinity", err)
	}
	cpu := -1
	for i := 0; i < len(all)*64; i++ {
		if !all.IsSet(i) {
			continue
		}
		if n == 0 {
			cpu = i
			break
		}
		n--
	}
	if cpu < 0 {
		return NewConfigError("bindToCPU", "more threads than cpus available")
	}
	var one unix.CPUSet
	one.Zero()
	one.Set(cpu)
	if err := unix.SchedSetaffinity(0, &one); err != nil {
		return NewOSError("bindToCPU", fmt.Sprintf("sched_setaffinity cpu %d", cpu), err)
	}
	return nil
}

// workerMain runs one worker thread: pin, seed, build, synchronize, chase.
// Workers never return; the process exits when the sampler is done.
func workerMain(w *Worker, bar *barrier) {
	runtime.LockOSThread()
	w.rng = NewRNG(uint32(w.threadNum))

	if w.cfg.SetAffinity {
		if err := bindToCPU(w.threadNum); err != nil {
			workerFatal(err)
		}
	}

	if w.runType == RunChase {
		// a different mixer row for every thread and for every parallel
		// chase within a thread keeps the cycles' writes disjoint
		par := w.chase.Parallelism
		if w.chase.Name == "longchase" {
			head, err := GenerateChaseLong(w.spec, w.rng, w.threadNum, w.nrThreads*par)
			if err != nil {
				workerFatal(err)
			}
			w.cycle[0] = head
		} else {
			for i := 0; i < par; i++ {
				head, err := GenerateChase(w.spec, w.rng, par*w.threadNum+i)
				if err != nil {
					workerFatal(err)
				}
				w.cycle[i] = head
			}
		}
		switch w.chase.Name {
		case "critword":
			setupCritword(w)
		case "critword2":
			setupCritword2(w)
		case "branch":
			chunk, err := ConvertPointersToBranches(w.cycle[0], parseExtraArg(w.extraArg))
			if err != nil {
				workerFatal(err)
			}
			w.branchChunk = chunk
		}
	} else {
		arena, err := AllocArena(w.cfg, w.loadTotalMemory+w.loadOffset, false)
		if err != nil {
			workerFatal(err)
		}
		w.loadData = arena.Data()[w.loadOffset:]
		fillBytes(w.loadData[:w.loadTotalMemory], 1)
	}

	if len(w.flushArena) > 0 {
		var sum uintptr
		for _, b := range w.flushArena {
			sum += uintptr(b)
		}
		w.dummy += sum
	}

	bar.arrive()

	if w.runType == RunChase {
		w.chase.fn(w)
	} else {
		w.memload.fn(w)
	}
}

// Run executes one benchmark described by p: build the mixer, allocate the
// arenas, spawn and pin the workers, sample their progress, and print the
// report. Any setup failure is returned; worker-side OS failures are fatal.
func Run(p *Params) error {
	cfg := p.Cfg
	if err := NormalizeGeometry(p); err != nil {
		return err
	}
	p.fillDefaults()

	spec := &ChaseSpec{
		TotalMemory:    p.TotalMemory,
		Stride:         p.Stride,
		TLBLocality:    p.TLBLocality,
		GenPerm:        GenRandomPermutation,
		NrMixerIndices: p.Stride / p.Chase.BaseObjectSize,
	}
	if p.Ordered {
		spec.GenPerm = GenOrderedPermutation
	}

	if cfg.Verbosity > 0 {
		fmt.Println(HostBanner())
		fmt.Printf("nr_threads = %d\n", p.NrThreads)
		fmt.Println(PrintPageSize(cfg.PageSize, cfg.UseTHP))
		fmt.Printf("total_memory = %d (%.1f MiB)\n", p.TotalMemory, float64(p.TotalMemory)/(1024*1024))
		fmt.Printf("stride = %d\n", p.Stride)
		fmt.Printf("tlb_locality = %d\n", p.TLBLocality)
		fmt.Printf("chase = %s\n", p.Chase.Name)
		if p.MemLoad != nil {
			fmt.Printf("memload = %s\n", p.MemLoad.Name)
		}
		fmt.Printf("run_test_type = %s\n", p.RunType)
		if PageSizeIsHuge(cfg.PageSize) {
			if def, err := DefaultHugePageSize(); err == nil && def != cfg.PageSize {
				fmt.Printf("note: kernel default huge page size is %d\n", def)
			}
		}
	}
	if warn := checkAvailableMemory(runFootprint(p)); warn != "" {
		fmt.Fprintln(os.Stderr, warn)
	}

	if p.RunType != RunBandwidth {
		GenerateChaseMixer(spec, NewRNG(1), p.NrThreads*p.Chase.Parallelism)
		executable := p.Chase.Name == "branch"
		arena, err := AllocArena(cfg, p.TotalMemory+p.Offset, executable)
		if err != nil {
			return err
		}
		spec.Data = arena.Data()[p.Offset : p.Offset+p.TotalMemory]
	}

	var flushArena []byte
	if p.CacheFlushSize > 0 {
		arena, err := AllocArena(cfg, p.CacheFlushSize, false)
		if err != nil {
			return err
		}
		flushArena = arena.Data()
		fillBytes(flushArena, 1) // ensure pages are mapped
	}

	workers := make([]Worker, p.NrThreads)
	nrChaseThreads, nrLoadThreads := 0, 0
	bar := newBarrier(p.NrThreads + 1)
	for i := range workers {
		w := &workers[i]
		w.threadNum = i
		w.spec = spec
		w.nrThreads = p.NrThreads
		w.extraArg = p.ChaseArg
		w.chase = p.Chase
		w.memload = p.MemLoad
		w.flushArena = flushArena
		w.loadTotalMemory = p.TotalMemory
		w.loadOffset = p.Offset
		w.cfg = cfg

		switch p.RunType {
		case RunChaseLoaded:
			if i == 0 {
				w.runType = RunChase
				nrChaseThreads++
			} else {
				w.runType = RunBandwidth
				nrLoadThreads++
			}
		case RunChase:
			w.runType = RunChase
			nrChaseThreads++
		default:
			w.runType = RunBandwidth
			nrLoadThreads++
		}
		go workerMain(w, bar)
	}

	bar.arrive()
	// give scheduler thread migrations time to settle before sampling
	time.Sleep(p.WarmupDelay)

	if p.RunType == RunChase {
		return sampleChase(p, workers)
	}
	return sampleLoaded(p, workers, nrChaseThreads, nrLoadThreads)
}

func runFootprint(p *Params) int {
	n := p.CacheFlushSize
	switch p.RunType {
	case RunChase:
		n += p.TotalMemory + p.Offset
	case RunBandwidth:
		n += p.NrThreads * (p.TotalMemory + p.Offset)
	default:
		n += p.NrThreads * (p.TotalMemory + p.Offset) // chase arena plus one load buffer each
	}
	return n
}

// sampleChase is the latency-only sampler: swap out every worker's step
// count each period and convert the sum into ns per step. The first sample
// is dropped; it is fairly likely one thread still has portions of the chase
// in a cache.
func sampleChase(p *Params, workers []Worker) error {
	cfg := p.Cfg
	nrSamples := p.NrSamples + 1
	cur := make([]uint64, len(workers))
	last := nowNsec()
	best := math.Inf(1)
	runningSum := 0.0
	if cfg.Verbosity > 0 {
		fmt.Println("samples (one column per thread, one row per sample):")
	}
	for sampleNo := 0; p.NrSamples == 0 || sampleNo < nrSamples; sampleNo++ {
		time.Sleep(p.SamplePeriod)

		var sum uint64
		for i := range workers {
			cur[i] = workers[i].count.Swap(0)
			sum += cur[i]
		}
		now := nowNsec()
		delta := now - last
		last = now

		if sampleNo == 0 {
			continue
		}

		if cfg.Verbosity > 0 {
			timestamp(cfg)
			for i := range workers {
				fmt.Printf(" %s", fmtLatency(float64(delta)/float64(cur[i])))
			}
		}
		t := float64(delta) / float64(sum)
		runningSum += t
		if t < best {
			best = t
		}
		if cfg.Verbosity > 0 {
			fmt.Printf("  avg=%s\n", fmtLatency(t*float64(len(workers))))
		}
	}
	timestamp(cfg)
	var res float64
	if p.PrintAverage {
		res = runningSum * float64(len(workers)) / float64(p.NrSamples)
	} else {
		res = best * float64(len(workers))
	}
	fmt.Printf("%s\n", fmtLatency(res))
	return nil
}

// sampleLoaded is the bandwidth / loaded-latency sampler. Chase threads
// publish step counts continuously; load threads publish a MiB/s figure only
// after the sampler bumps their sample number, so each is polled until its
// value lands.
func sampleLoaded(p *Params, workers []Worker, nrChaseThreads, nrLoadThreads int) error {
	cfg := p.Cfg
	nrSamples := p.NrSamples + 1
	cur := make([]float64, len(workers))

	chaseMin, chaseMax := math.Inf(1), 0.0
	chaseRunningSum, chaseGeoSum := 0.0, 0.0
	loadRunningSum := 0.0
	loadMaxMibps, loadMinMibps := 0.0, math.Inf(1)
	var timeDelta uint64

	last := nowNsec()
	for sampleNo := 0; p.NrSamples == 0 || sampleNo < nrSamples; sampleNo++ {
		time.Sleep(p.SamplePeriod)
		for i := range workers {
			workers[i].sampleNo.Store(uint64(sampleNo))
		}
		time.Sleep(p.PollDelay) // give load threads time to close the interval

		for i := range workers {
			for {
				v := workers[i].count.Swap(0)
				if v != 0 {
					cur[i] = float64(v)
					// chase threads occupy the low indices and are always
					// counting; stamp the interval as soon as the last one
					// is read
					if i+1 == nrChaseThreads {
						now := nowNsec()
						timeDelta = now - last
						last = now
					}
					break
				}
				time.Sleep(p.PollDelay)
			}
		}

		chaseSum, loadSum := 0.0, 0.0
		for i := range workers {
			if workers[i].runType == RunChase {
				chaseSum += cur[i]
			} else {
				loadSum += cur[i]
			}
		}

		if sampleNo == 0 {
			continue
		}

		if chaseSum != 0 {
			t := float64(timeDelta) / chaseSum
			chaseRunningSum += t
			chaseGeoSum += math.Log(t)
			chaseMin = math.Min(chaseMin, t)
			chaseMax = math.Max(chaseMax, t)
			if cfg.Verbosity > 0 {
				timestamp(cfg)
				fmt.Printf("sample %d: latency avg=%s\n", sampleNo,
					fmtLatency(t*float64(nrChaseThreads)))
			}
		}
		if loadSum != 0 {
			loadMaxMibps = math.Max(loadMaxMibps, loadSum)
			loadMinMibps = math.Min(loadMinMibps, loadSum)
			loadRunningSum += loadSum
			if cfg.Verbosity > 0 {
				timestamp(cfg)
				fmt.Printf("sample %d: threads=%d Total(MiB/s)=%.1f PerThread=%.f\n",
					sampleNo, nrLoadThreads, loadSum, loadSum/float64(nrLoadThreads))
			}
		}
	}

	retained := float64(p.NrSamples)
	var chasNS, chasMibs, chasDev float64
	if nrChaseThreads != 0 {
		avg := chaseRunningSum * float64(nrChaseThreads) / retained
		geo := float64(nrChaseThreads) * math.Exp(chaseGeoSum/retained)
		bestNS := chaseMin * float64(nrChaseThreads)
		worstNS := chaseMax * float64(nrChaseThreads)
		chasDev = (worstNS - bestNS) / avg
		if cfg.Verbosity > 0 {
			fmt.Printf("ChasAVG=%-8f, ChasGEO=%-8f, ChasBEST=%-8f, ChasWORST=%-8f, ChasDEV=%-8.3f\n",
				avg, geo, bestNS, worstNS, chasDev)
		}
		if p.PrintAverage {
			chasNS = geo
		} else {
			chasNS = bestNS
		}
		chasMibs = float64(nrChaseThreads) * (float64(ptrSize) / (chasNS / 1e9) / (1 << 20))
	}

	var ldAvgMibs, ldMibsDev float64
	if nrLoadThreads != 0 {
		ldAvgMibs = loadRunningSum / retained
		ldMibsDev = (loadMaxMibps - loadMinMibps) / ldAvgMibs
		if cfg.Verbosity > 0 {
			fmt.Printf("LdAvgMibs=%-8f, LdMaxMibs=%-8f, LdMinMibs=%-8f, LdDevMibs=%-8.3f\n",
				ldAvgMibs, loadMaxMibps, loadMinMibps, ldMibsDev)
		}
	}

	const notUsed = "--------"
	chaseCol, loadCol := notUsed, notUsed
	if p.RunType != RunBandwidth {
		chaseCol = p.Chase.Name
	}
	if p.MemLoad != nil && p.RunType != RunChase {
		loadCol = p.MemLoad.Name
	}
	fmt.Printf("Samples\t, Byte/thd\t, ChaseThds\t, ChaseNS\t, ChaseMibs\t, " +
		"ChDeviate\t, LoadThds\t, LdMaxMibs\t, LdAvgMibs\t, LdDeviate\t, " +
		"ChaseArg\t, MemLdArg\n")
	fmt.Printf("%-6d\t, %-11d\t, %-8d\t, %-8.3f\t, %-8.f\t, %-8.3f\t, %-8.f\t, %-8.f\t, %-8.f\t, %-8.3f\t, %s\t, %s\n",
		p.NrSamples, p.TotalMemory, nrChaseThreads, chasNS, chasMibs, chasDev,
		float64(nrLoadThreads), loadMaxMibps, ldAvgMibs, ldMibsDev, chaseCol, loadCol)
	timestamp(cfg)
	return nil
}
