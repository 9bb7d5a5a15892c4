package memchase

import (
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"
)

// RunType selects between the three measurement modes.
type RunType int

const (
	// RunChase measures dependent-load latency only.
	RunChase RunType = iota
	// RunBandwidth measures streaming bandwidth only.
	RunBandwidth
	// RunChaseLoaded runs one chase thread against bandwidth threads.
	RunChaseLoaded
)

func (t RunType) String() string {
	switch t {
	case RunChase:
		return "chase"
	case RunBandwidth:
		return "bandwidth"
	case RunChaseLoaded:
		return "loaded-latency"
	default:
		return "unknown"
	}
}

// Worker is the per-thread record shared between a worker and the sampler.
// The worker has exclusive mutable access to its own record; the sampler
// touches only count (swap-with-zero) and sampleNo (store). The trailing pad
// keeps neighbouring records out of each other's cache lines when the
// records sit in one slice.
type Worker struct {
	threadNum int
	count     atomic.Uint64 // steps for chases, MiB/s for bandwidth loads
	sampleNo  atomic.Uint64 // sampler -> load worker: close the current interval

	cycle    [MaxParallel]uintptr // initial address for the chases
	extraArg string
	dummy    uintptr // sink that keeps the compiler honest

	spec        *ChaseSpec
	nrThreads   int
	chase       *Chase
	memload     *MemLoad
	flushArena  []byte
	runType     RunType
	branchChunk int

	loadData        []byte // bandwidth buffer owned by this thread
	loadTotalMemory int
	loadOffset      int

	cfg *Config
	rng *RNG

	_ [AvoidFalseSharing]byte
}

// Chase describes one pointer-chase workload.
type Chase struct {
	fn             func(*Worker)
	BaseObjectSize int
	Name           string
	Usage          string
	Help           string
	RequiresArg    bool
	Parallelism    int
}

// chases is the workload registry; the default must be first.
// Architecture-specific entries are appended by init functions in
// kernels_amd64.go and branch.go.
var chases = []Chase{
	{
		fn:             chaseSimple,
		BaseObjectSize: ptrSize,
		Name:           "simple",
		Usage:          "simple",
		Help:           "no frills pointer dereferencing",
		Parallelism:    1,
	},
	{
		fn:             chaseSimple,
		BaseObjectSize: ptrSize,
		Name:           "chaseload",
		Usage:          "chaseload",
		Help:           "runs simple chase against concurrent memory loads",
		Parallelism:    1,
	},
	{
		fn:             chaseWork,
		BaseObjectSize: ptrSize,
		Name:           "work",
		Usage:          "work:N",
		Help:           "loop simple computation N times in between derefs",
		RequiresArg:    true,
		Parallelism:    1,
	},
	{
		fn:             chaseIncr,
		BaseObjectSize: incrObjectSize,
		Name:           "incr",
		Usage:          "incr",
		Help:           "modify the cache line after each deref",
		Parallelism:    1,
	},
	{
		fn:             chaseSimple,
		BaseObjectSize: ptrSize,
		Name:           "longchase",
		Usage:          "longchase",
		Help:           "simple chase over a multi-lap cycle that defeats per-entry prefetchers",
		Parallelism:    1,
	},
	{fn: chaseParallel2, BaseObjectSize: ptrSize, Name: "parallel2", Usage: "parallel2", Help: "alternate 2 non-dependent chases in each thread", Parallelism: 2},
	{fn: chaseParallel3, BaseObjectSize: ptrSize, Name: "parallel3", Usage: "parallel3", Help: "alternate 3 non-dependent chases in each thread", Parallelism: 3},
	{fn: chaseParallel4, BaseObjectSize: ptrSize, Name: "parallel4", Usage: "parallel4", Help: "alternate 4 non-dependent chases in each thread", Parallelism: 4},
	{fn: chaseParallel5, BaseObjectSize: ptrSize, Name: "parallel5", Usage: "parallel5", Help: "alternate 5 non-dependent chases in each thread", Parallelism: 5},
	{fn: chaseParallel6, BaseObjectSize: ptrSize, Name: "parallel6", Usage: "parallel6", Help: "alternate 6 non-dependent chases in each thread", Parallelism: 6},
	{fn: chaseParallel7, BaseObjectSize: ptrSize, Name: "parallel7", Usage: "parallel7", Help: "alternate 7 non-dependent chases in each thread", Parallelism: 7},
	{fn: chaseParallel8, BaseObjectSize: ptrSize, Name: "parallel8", Usage: "parallel8", Help: "alternate 8 non-dependent chases in each thread", Parallelism: 8},
	{fn: chaseParallel9, BaseObjectSize: ptrSize, Name: "parallel9", Usage: "parallel9", Help: "alternate 9 non-dependent chases in each thread", Parallelism: 9},
	{fn: chaseParallel10, BaseObjectSize: ptrSize, Name: "parallel10", Usage: "parallel10", Help: "alternate 10 non-dependent chases in each thread", Parallelism: 10},
	{
		fn:             chaseCritword2,
		BaseObjectSize: CacheLineSize,
		Name:           "critword2",
		Usage:          "critword2:N",
		Help:           "a two-parallel chase which reads at X and X+N",
		RequiresArg:    true,
		Parallelism:    1,
	},
	{
		fn:             chaseSimple,
		BaseObjectSize: CacheLineSize,
		Name:           "critword",
		Usage:          "critword:N",
		Help:           "a non-parallel chase which reads at X and X+N",
		RequiresArg:    true,
		Parallelism:    1,
	},
}

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// incr elements are {next, counter} with the counter padded out to the next
// pointer slot.
const incrObjectSize = 2 * ptrSize

// Chases returns the workload registry in presentation order.
func Chases() []Chase {
	return chases
}

// FindChase resolves a -c argument of the form name or name:arg.
func FindChase(optarg string) (*Chase, string, error) {
	name, arg, hasArg := strings.Cut(optarg, ":")
	for i := range chases {
		c := &chases[i]
		if c.Name != name {
			continue
		}
		if c.RequiresArg {
			if !hasArg || arg == "" {
				return nil, "", NewConfigError("FindChase",
					"that chase requires an argument: -c "+c.Usage+"\t"+c.Help)
			}
			return c, arg, nil
		}
		if hasArg {
			return nil, "", NewConfigError("FindChase",
				"that chase does not take an argument: -c "+c.Usage+"\t"+c.Help)
		}
		return c, "", nil
	}
	return nil, "", NewConfigError("FindChase", "not a recognized chase name: "+optarg)
}

func parseExtraArg(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Every kernel below runs an unbounded loop of dependent loads, adding its
// unroll factor to count after each block. The sampler terminates the
// process; workers never return. Between count updates nothing but the
// load-to-use chain sits on the hot path.

func chaseSimple(w *Worker) {
	p := w.cycle[0]
	for {
		for i := 0; i < 20; i++ {
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
			p = deref(p)
		}
		w.count.Add(200)
	}
}

func chaseWork(w *Worker) {
	p := w.cycle[0]
	extraWork := parseExtraArg(w.extraArg)
	var work uintptr

	// the extra work is intended to be overlapped with a dereference, but
	// must not skip past the next one: fold in the pointer value, launch
	// the deref, then spin on the arithmetic while the miss is in flight.
	for {
		for i := 0; i < 25; i++ {
			work += p
			p = deref(p)
			for j := 0; j < extraWork; j++ {
				work ^= uintptr(j)
			}
		}
		w.count.Add(25)
		w.dummy = work
	}
}

func chaseIncr(w *Worker) {
	p := w.cycle[0]
	for {
		for i := 0; i < 50; i++ {
			counter := (*uint32)(unsafe.Pointer(p + uintptr(ptrSize)))
			*counter++
			p = deref(p)
		}
		w.count.Add(50)
	}
}

// setupCritword plants a secondary pointer at offset N of every element and
// redirects the main pointer through it, so each step reads both X and X+N.
func setupCritword(w *Worker) {
	offset := uintptr(parseExtraArg(w.extraArg))
	p := w.cycle[0]
	start := p
	for {
		next := deref(p)
		storePtr(p+offset, next)
		storePtr(p, p+offset)
		p = next
		if p == start {
			return
		}
	}
}

// setupCritword2 shadows the cycle at offset N so a second head can follow a
// parallel cycle N bytes away from the first.
func setupCritword2(w *Worker) {
	offset := uintptr(parseExtraArg(w.extraArg))
	p := w.cycle[0]
	start := p
	for {
		next := deref(p)
		storePtr(p+offset, next+offset)
		p = next
		if p == start {
			return
		}
	}
}

func chaseCritword2(w *Worker) {
	p := w.cycle[0]
	q := p + uintptr(parseExtraArg(w.extraArg))
	for {
		for i := 0; i < 10; i++ {
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
			p = deref(p)
			q = deref(q)
		}
		w.count.Add(100)
		w.dummy = p + q
	}
}

func chaseParallel2(w *Worker) {
	p0, p1 := w.cycle[0], w.cycle[1]
	for {
		for i := 0; i < 100; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
		}
		w.count.Add(200)
	}
}

func chaseParallel3(w *Worker) {
	p0, p1, p2 := w.cycle[0], w.cycle[1], w.cycle[2]
	for {
		for i := 0; i < 66; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
		}
		w.count.Add(3 * 66)
	}
}

func chaseParallel4(w *Worker) {
	p0, p1, p2, p3 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3]
	for {
		for i := 0; i < 50; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
		}
		w.count.Add(4 * 50)
	}
}

func chaseParallel5(w *Worker) {
	p0, p1, p2, p3, p4 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3], w.cycle[4]
	for {
		for i := 0; i < 40; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
		}
		w.count.Add(5 * 40)
	}
}

func chaseParallel6(w *Worker) {
	p0, p1, p2 := w.cycle[0], w.cycle[1], w.cycle[2]
	p3, p4, p5 := w.cycle[3], w.cycle[4], w.cycle[5]
	for {
		for i := 0; i < 32; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
			p5 = deref(p5)
		}
		w.count.Add(6 * 32)
	}
}

func chaseParallel7(w *Worker) {
	p0, p1, p2, p3 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3]
	p4, p5, p6 := w.cycle[4], w.cycle[5], w.cycle[6]
	for {
		for i := 0; i < 28; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
			p5 = deref(p5)
			p6 = deref(p6)
		}
		w.count.Add(7 * 28)
	}
}

func chaseParallel8(w *Worker) {
	p0, p1, p2, p3 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3]
	p4, p5, p6, p7 := w.cycle[4], w.cycle[5], w.cycle[6], w.cycle[7]
	for {
		for i := 0; i < 24; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
			p5 = deref(p5)
			p6 = deref(p6)
			p7 = deref(p7)
		}
		w.count.Add(8 * 24)
	}
}

func chaseParallel9(w *Worker) {
	p0, p1, p2, p3 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3]
	p4, p5, p6, p7 := w.cycle[4], w.cycle[5], w.cycle[6], w.cycle[7]
	p8 := w.cycle[8]
	for {
		for i := 0; i < 22; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
			p5 = deref(p5)
			p6 = deref(p6)
			p7 = deref(p7)
			p8 = deref(p8)
		}
		w.count.Add(9 * 22)
	}
}

func chaseParallel10(w *Worker) {
	p0, p1, p2, p3 := w.cycle[0], w.cycle[1], w.cycle[2], w.cycle[3]
	p4, p5, p6, p7 := w.cycle[4], w.cycle[5], w.cycle[6], w.cycle[7]
	p8, p9 := w.cycle[8], w.cycle[9]
	for {
		for i := 0; i < 20; i++ {
			p0 = deref(p0)
			p1 = deref(p1)
			p2 = deref(p2)
			p3 = deref(p3)
			p4 = deref(p4)
			p5 = deref(p5)
			p6 = deref(p6)
			p7 = deref(p7)
			p8 = deref(p8)
			p9 = deref(p9)
		}
		w.count.Add(10 * 20)
	}
}
