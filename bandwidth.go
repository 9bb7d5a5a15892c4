package memchase

import (
	"strings"
	"unsafe"
)

// MemLoad describes one bandwidth-generating workload. Each load thread owns
// a private buffer and streams over it forever; unlike the chase kernels it
// reports only when the sampler asks, publishing a precomputed MiB/s figure
// through the same atomic count the chases use for step counts.
type MemLoad struct {
	fn    func(*Worker)
	Name  string
	Usage string
	Help  string
}

// memLoads is the bandwidth registry; the default must be first.
var memLoads = []MemLoad{
	{fn: loadMemcpy, Name: "memcpy-libc", Usage: "memcpy-libc", Help: "1:1 rd:wr - block copy between buffer halves"},
	{fn: loadMemset, Name: "memset-libc", Usage: "memset-libc", Help: "0:1 rd:wr - block write non-zero data"},
	{fn: loadMemsetz, Name: "memsetz-libc", Usage: "memsetz-libc", Help: "0:1 rd:wr - block write zero data"},
	{fn: loadStreamCopy, Name: "stream-copy", Usage: "stream-copy", Help: "1:1 rd:wr - lmbench stream copy"},
	{fn: loadStreamSum, Name: "stream-sum", Usage: "stream-sum", Help: "1:0 rd:wr - lmbench stream sum"},
	{fn: loadStreamTriad, Name: "stream-triad", Usage: "stream-triad", Help: "2:1 rd:wr - lmbench stream triad a[i]=b[i]+(scalar*c[i])"},
}

// MemLoads returns the bandwidth registry in presentation order.
func MemLoads() []MemLoad {
	return memLoads
}

// FindMemLoad resolves a -l argument.
func FindMemLoad(optarg string) (*MemLoad, error) {
	name, _, hasArg := strings.Cut(optarg, ":")
	for i := range memLoads {
		if memLoads[i].Name != name {
			continue
		}
		if hasArg {
			return nil, NewConfigError("FindMemLoad",
				"that memload does not take an argument: -l "+memLoads[i].Usage)
		}
		return &memLoads[i], nil
	}
	return nil, NewConfigError("FindMemLoad", "not a recognized memload name: "+optarg)
}

// computeMiBps converts an interval of streaming loops into MiB/s.
func computeMiBps(loops, loadBites, elapsedNs uint64) float64 {
	if elapsedNs == 0 {
		return 0
	}
	return float64(loops) * float64(loadBites) * 1e9 / (float64(elapsedNs) * (1 << 20))
}

// loadSampler closes measurement intervals on the sampler's request. The
// runner bumps sampleNo and swaps count to zero; the next tick after both
// computes the interval's MiB/s and publishes it with an atomic add, which
// the runner's following swap collects.
type loadSampler struct {
	w         *Worker
	loadBites uint64
	loops     uint64
	curSample uint64
	startNs   uint64
}

func newLoadSampler(w *Worker, loadBites uint64) *loadSampler {
	return &loadSampler{
		w:         w,
		loadBites: loadBites,
		curSample: ^uint64(0),
		startNs:   nowNsec(),
	}
}

func (s *loadSampler) tick() {
	s.loops++
	next := s.w.sampleNo.Load()
	if next == s.curSample || s.w.count.Load() != 0 {
		return
	}
	now := nowNsec()
	mibps := computeMiBps(s.loops, s.loadBites, now-s.startNs)
	s.w.count.Add(uint64(mibps))
	s.curSample = next
	s.loops = 0
	s.startNs = nowNsec()
}

func loadMemcpy(w *Worker) {
	half := w.loadTotalMemory / 2
	a := w.loadData[:half]
	b := w.loadData[half : 2*half]
	s := newLoadSampler(w, uint64(2*half))
	for {
		a, b = b, a
		copy(a, b)
		s.tick()
	}
}

func loadMemset(w *Worker) {
	// word stores only; memset-libc advertises a 0:1 read:write ratio
	const pattern = 0xdededededededede
	n := w.loadTotalMemory / 8
	a := unsafe.Slice((*uint64)(unsafe.Pointer(&w.loadData[0])), n)
	s := newLoadSampler(w, uint64(n*8))
	for {
		for i := range a {
			a[i] = pattern
		}
		s.tick()
	}
}

func loadMemsetz(w *Worker) {
	a := w.loadData[:w.loadTotalMemory]
	s := newLoadSampler(w, uint64(len(a)))
	for {
		clear(a)
		s.tick()
	}
}

func float64Slice(b []byte, n int) []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), n)
}

func loadStreamCopy(w *Worker) {
	half := w.loadTotalMemory / 2
	n := half / 8
	a := float64Slice(w.loadData, n)
	b := float64Slice(w.loadData[half:], n)
	s := newLoadSampler(w, uint64(2*n*8))
	for {
		a, b = b, a
		for i := 0; i < n; i++ {
			b[i] = a[i]
		}
		s.tick()
	}
}

func loadStreamSum(w *Worker) {
	n := w.loadTotalMemory / 8
	a := unsafe.Slice((*uint64)(unsafe.Pointer(&w.loadData[0])), n)
	s := newLoadSampler(w, uint64(n*8))
	var sum uint64
	for {
		for i := 0; i < n; i++ {
			sum += a[i]
		}
		s.tick()
		w.dummy = uintptr(sum)
	}
}

const triadScalar = 3.0

func loadStreamTriad(w *Worker) {
	const align = 16
	// carve three equal, 16-byte-aligned buffers out of the load arena
	loadLoop := (w.loadTotalMemory - 3*align) / 3 &^ (align - 1)
	n := loadLoop / 8
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&w.loadData[0])) % align); rem != 0 {
		off = align - rem
	}
	a := float64Slice(w.loadData[off:], n)
	b := float64Slice(w.loadData[off+loadLoop:], n)
	c := float64Slice(w.loadData[off+2*loadLoop:], n)
	s := newLoadSampler(w, uint64(3*n*8))
	for {
		a, b, c = b, c, a
		for i := 0; i < n; i++ {
			a[i] = b[i] + triadScalar*c[i]
		}
		s.tick()
	}
}
