//go:build amd64

package memchase

import (
	"golang.org/x/sys/cpu"
)

// Assembly chase blocks: each advances the head through 100 dependent steps
// and returns the new head. Keeping the block in assembly pins the exact
// prefetch/SIMD encodings the experiment depends on.

//go:noescape
func chasePrefetchT0Block(p uintptr) uintptr

//go:noescape
func chasePrefetchT1Block(p uintptr) uintptr

//go:noescape
func chasePrefetchT2Block(p uintptr) uintptr

//go:noescape
func chasePrefetchNTABlock(p uintptr) uintptr

//go:noescape
func chaseMovdqaBlock(p uintptr) uintptr

//go:noescape
func chaseMovntdqaBlock(p uintptr) uintptr

func chasePrefetchT0(w *Worker) {
	p := w.cycle[0]
	for {
		p = chasePrefetchT0Block(p)
		w.count.Add(100)
	}
}

func chasePrefetchT1(w *Worker) {
	p := w.cycle[0]
	for {
		p = chasePrefetchT1Block(p)
		w.count.Add(100)
	}
}

func chasePrefetchT2(w *Worker) {
	p := w.cycle[0]
	for {
		p = chasePrefetchT2Block(p)
		w.count.Add(100)
	}
}

func chasePrefetchNTA(w *Worker) {
	p := w.cycle[0]
	for {
		p = chasePrefetchNTABlock(p)
		w.count.Add(100)
	}
}

// movdqa/movntdqa chases use 64-byte elements: four 16-byte SIMD loads per
// step, folded together so the last quadword yields the next address.
func chaseMovdqa(w *Worker) {
	p := w.cycle[0]
	for {
		p = chaseMovdqaBlock(p)
		w.count.Add(100)
	}
}

func chaseMovntdqa(w *Worker) {
	p := w.cycle[0]
	for {
		p = chaseMovntdqaBlock(p)
		w.count.Add(100)
	}
}

func init() {
	prefetch := func(name string, fn func(*Worker)) Chase {
		return Chase{
			fn:             fn,
			BaseObjectSize: ptrSize,
			Name:           name,
			Usage:          name,
			Help:           "perform prefetch" + name + " before each deref",
			Parallelism:    1,
		}
	}
	arch := []Chase{
		prefetch("t0", chasePrefetchT0),
		prefetch("t1", chasePrefetchT1),
		prefetch("t2", chasePrefetchT2),
		prefetch("nta", chasePrefetchNTA),
		{
			fn:             chaseMovdqa,
			BaseObjectSize: CacheLineSize,
			Name:           "movdqa",
			Usage:          "movdqa",
			Help:           "use movdqa to read from memory",
			Parallelism:    1,
		},
	}
	// movntdqa is SSE4.1; every amd64 chip has movdqa and the prefetches.
	if cpu.X86.HasSSE41 {
		arch = append(arch, Chase{
			fn:             chaseMovntdqa,
			BaseObjectSize: CacheLineSize,
			Name:           "movntdqa",
			Usage:          "movntdqa",
			Help:           "use movntdqa to read from memory",
			Parallelism:    1,
		})
	}
	chases = append(chases, arch...)
}
