package memchase

import (
	"math"
	"unsafe"
)

// The branch chase rewrites a pointer cycle, in place, into machine code:
// each element begins with an immediate-load of the next element's address
// followed by an indirect branch to it. Every chunkSize elements the branch
// is a return instead, handing the next chunk's entry address back to the
// caller, so the measurement loop regains control often enough to count.
// The immediate-load overwrites the pointer word with its own value as part
// of the instruction stream; pointer and code share the element's first
// brCodeLen bytes.

// fitChunkSize snaps the requested chunk size to the power-of-two divisor of
// the cycle length closest to it.
func fitChunkSize(cycleLen, req int) int {
	if cycleLen < req {
		return cycleLen
	}
	return cycleLen / (1 << int(math.Round(math.Log2(float64(cycleLen)/float64(req)))))
}

// ConvertPointersToBranches rewrites the cycle at head into a branch chase
// and returns the effective chunk size. Bytes [ptrSize, brCodeLen) of every
// element must still be zero; anything else means the element has no slack
// for the emitted sequence.
func ConvertPointersToBranches(head uintptr, chunkSize int) (int, error) {
	if !branchSupported {
		return 0, NewNotImplementedError("ConvertPointersToBranches")
	}
	remain := CycleLen(head)
	chunkSize = fitChunkSize(remain, chunkSize)
	baseChunkSize := chunkSize
	chunksRemaining := remain / chunkSize
	chunkCount := 0

	p := head
	for {
		if chunkCount == 0 {
			chunkCount = remain / chunksRemaining
		}
		next := deref(p)
		slack := unsafe.Slice((*byte)(unsafe.Pointer(p)), brCodeLen)
		for _, b := range slack[ptrSize:] {
			if b != 0 {
				return 0, NewLayoutError("ConvertPointersToBranches",
					"not enough space to convert a pointer to branches")
			}
		}
		remain--
		chunkCount--
		emitBranchElement(p, next, chunkCount == 0)
		if chunkCount == 0 {
			chunksRemaining--
		}
		p = next
		if p == head {
			break
		}
	}
	if remain != 0 || chunksRemaining > 0 {
		return 0, NewInvariantError("ConvertPointersToBranches", "cycle accounting mismatch")
	}
	return baseChunkSize, nil
}

// chaseBranch executes the rewritten cycle: each trampoline call runs one
// chunk of emitted branches and returns the next chunk's entry point.
func chaseBranch(w *Worker) {
	p := w.cycle[0]
	n := uint64(w.branchChunk)
	for {
		p = callChunk(p)
		w.count.Add(n)
	}
}

// brObjectSize spaces mixer slots far enough apart that every chase slot in
// an element can hold the emitted sequence.
const brObjectSize = 16

func init() {
	if !branchSupported {
		return
	}
	chases = append(chases, Chase{
		fn:             chaseBranch,
		BaseObjectSize: brObjectSize,
		Name:           "branch",
		Usage:          "branch:N",
		Help:           "rewrite the cycle into branch-to-immediate code chunked every N elements",
		RequiresArg:    true,
		Parallelism:    1,
	})
}
