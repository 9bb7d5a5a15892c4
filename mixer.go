package memchase

import "math/bits"

// Suppose the stride is 256: what we want to avoid is having an entire chase
// sit at offset 0 into every 256-byte element, which would favour one
// bank/branch/set of the memory system. Likewise, when several chases run in
// parallel (within one thread or across threads) none of them should favour a
// fixed offset into the stride. The mixer is a table of permutations on the
// low bits of the element number that makes the intra-element offset a
// function of (element index, chase index) — unpredictable per element, and
// provably disjoint across chase indices.

// nrMixersFor returns the mixer table width for a run with the given number
// of concurrent chases: the smallest power of two that is at least n, floored
// at MinMixers.
func nrMixersFor(n int) int {
	if n < MinMixers {
		n = MinMixers
	}
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len(uint(n))
}

// GenerateChaseMixer builds the mixer table for spec. For each of the
// NrMixers slots it draws a fresh permutation of [0, NrMixerIndices) and
// stores it in transposed layout: Mixer[j*NrMixers+i] is the j-th mixer index
// of slot i. The transpose packs every slot's j-th value into one contiguous
// region so that indexing by the element's low bits inside the chase builder
// streams through the table.
func GenerateChaseMixer(spec *ChaseSpec, r *RNG, nrChases int) {
	spec.NrMixers = nrMixersFor(nrChases)
	t := make([]int, spec.NrMixerIndices)
	spec.Mixer = make([]int, spec.NrMixerIndices*spec.NrMixers)
	for i := 0; i < spec.NrMixers; i++ {
		spec.GenPerm(r, t, 0)
		for j, v := range t {
			spec.Mixer[j*spec.NrMixers+i] = v
		}
	}
}
