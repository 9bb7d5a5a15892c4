package memchase

import (
	"testing"
)

// mustArena maps an arena with native pages and fails the test otherwise.
func mustArena(t testing.TB, size int) *Arena {
	t.Helper()
	arena, err := AllocArena(DefaultConfig(), size, false)
	if err != nil {
		t.Fatalf("failed to allocate %d byte arena: %v", size, err)
	}
	return arena
}

// buildSpec maps an arena and builds the mixer for a chase with the given
// geometry.
func buildSpec(t testing.TB, totalMemory, stride, tlbLocality, baseObjectSize, nrChases int, ordered bool) *ChaseSpec {
	t.Helper()
	arena := mustArena(t, totalMemory)
	spec := &ChaseSpec{
		Data:           arena.Data()[:totalMemory],
		TotalMemory:    totalMemory,
		Stride:         stride,
		TLBLocality:    tlbLocality,
		GenPerm:        GenRandomPermutation,
		NrMixerIndices: stride / baseObjectSize,
	}
	if ordered {
		spec.GenPerm = GenOrderedPermutation
	}
	GenerateChaseMixer(spec, NewRNG(1), nrChases)
	return spec
}

// walkChase follows the cycle from head for n steps and returns the visited
// addresses, head first.
func walkChase(head uintptr, n int) []uintptr {
	seq := make([]uintptr, n)
	p := head
	for i := 0; i < n; i++ {
		seq[i] = p
		p = deref(p)
	}
	return seq
}
