package memchase

import (
	"unsafe"
)

// ChaseSpec is the common recipe shared by the mixer and every cycle threaded
// into the arena. Data is the chase region of the arena (starting at the
// user-requested offset); TotalMemory, Stride and TLBLocality obey the
// geometry invariants established by NormalizeGeometry.
type ChaseSpec struct {
	Data        []byte // chase region; pointers are threaded in here
	TotalMemory int    // size of the chase region
	Stride      int    // size of each element
	TLBLocality int    // group accesses within this range to amortize TLB fills

	GenPerm        PermGen // permutation generator, normally GenRandomPermutation
	NrMixerIndices int     // stride / base object size of the workload
	NrMixers       int     // power-of-two mixer table width
	Mixer          []int   // transposed mixer table, see GenerateChaseMixer
}

// NrElts returns the number of stride-sized elements in the chase region.
func (s *ChaseSpec) NrElts() int {
	return s.TotalMemory / s.Stride
}

func (s *ChaseSpec) base() uintptr {
	return uintptr(unsafe.Pointer(&s.Data[0]))
}

// mixerRow returns the mixer values used by chase number idx.
func (s *ChaseSpec) mixerRow(idx int) []int {
	return s.Mixer[idx*s.NrMixers : (idx+1)*s.NrMixers]
}

// mixed returns the byte offset of the pointer slot for element x as seen by
// the chase using mixer row mixerRow: always inside element x, at an
// intra-element offset that varies with the element's low index bits.
func (s *ChaseSpec) mixed(mixerRow []int, x int) int {
	scale := s.Stride / s.NrMixerIndices
	return x*s.Stride + mixerRow[x&(s.NrMixers-1)]*scale
}

func deref(p uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(p))
}

func storePtr(p uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(p)) = v
}

// buildTLBGroupedPerm draws the visiting order for one cycle: a permutation
// of the TLB groups, then within each group a permutation of its elements
// biased to the group's base. The result visits every element exactly once
// and stays nrEltsPerTLB consecutive steps inside each TLB-locality window.
func (s *ChaseSpec) buildTLBGroupedPerm(r *RNG) ([]int, error) {
	nrTLBGroups := s.TotalMemory / s.TLBLocality
	nrEltsPerTLB := s.TLBLocality / s.Stride
	nrElts := s.NrElts()

	tlbPerm := make([]int, nrTLBGroups)
	s.GenPerm(r, tlbPerm, 0)
	perm := make([]int, nrElts)
	for i := 0; i < nrTLBGroups; i++ {
		s.GenPerm(r, perm[i*nrEltsPerTLB:(i+1)*nrEltsPerTLB], tlbPerm[i]*nrEltsPerTLB)
	}
	if !IsAPermutation(perm, nrElts) {
		return nil, NewInvariantError("GenerateChase", "element order is not a permutation")
	}
	return perm, nil
}

// GenerateChase threads one cycle through the arena for the given mixer row
// and returns the address of element 0's pointer slot in that row, which is
// not necessarily where perm[0] sits. Visiting successors in
// pointer order visits elements in the order perm[0], perm[1], ...,
// perm[nrElts-1], perm[0]; the pointers are linked forward directly, no
// inverse permutation is materialized. Different mixerIdx values use disjoint
// byte offsets inside every element, so multiple cycles coexist in one arena
// without overlapping writes.
func GenerateChase(s *ChaseSpec, r *RNG, mixerIdx int) (uintptr, error) {
	perm, err := s.buildTLBGroupedPerm(r)
	if err != nil {
		return 0, err
	}

	row := s.mixerRow(mixerIdx)
	base := s.base()
	nrElts := len(perm)
	for i := 0; i < nrElts; i++ {
		next := i + 1
		if next == nrElts {
			next = 0
		}
		storePtr(base+uintptr(s.mixed(row, perm[i])), base+uintptr(s.mixed(row, perm[next])))
	}
	return base + uintptr(s.mixed(row, 0)), nil
}

// GenerateChaseLong threads NrMixerIndices/totalPar full-arena permutations
// into one super-cycle that crosses from each permutation into the next once
// per lap. Per-entry prefetchers that learn a single cycle's successor
// pattern are defeated because each element is revisited at a different
// intra-element offset on every lap.
func GenerateChaseLong(s *ChaseSpec, r *RNG, mixerIdx, totalPar int) (uintptr, error) {
	nrElts := s.NrElts()
	nrIteration := s.NrMixerIndices / totalPar
	if nrIteration == 0 {
		return 0, NewConfigError("GenerateChaseLong",
			"stride too small for that many concurrent chases")
	}

	perm := make([]int, nrIteration*nrElts)
	for j := 0; j < nrIteration; j++ {
		lap, err := s.buildTLBGroupedPerm(r)
		if err != nil {
			return 0, err
		}
		base := j * nrElts
		for i, v := range lap {
			perm[base+i] = base + v
		}
	}
	if !IsAPermutation(perm, nrIteration*nrElts) {
		return 0, NewInvariantError("GenerateChaseLong", "super-cycle order is not a permutation")
	}

	rowAt := func(i int) []int {
		j := mixerIdx*nrIteration + i
		return s.Mixer[j*s.NrMixers : (j+1)*s.NrMixers]
	}
	base := s.base()
	cur := 0
	for i := 0; i < nrIteration; i++ {
		for j := 0; j < nrElts; j++ {
			next := cur + 1
			if next == nrIteration*nrElts {
				next = 0
			}
			iNext := i
			if j+1 == nrElts {
				if next == 0 {
					iNext = 0
				} else {
					iNext = i + 1
				}
			}
			storePtr(
				base+uintptr(s.mixed(rowAt(i), perm[cur]%nrElts)),
				base+uintptr(s.mixed(rowAt(iNext), perm[next]%nrElts)))
			cur++
		}
	}
	return base + uintptr(s.mixed(rowAt(0), 0)), nil
}

// CycleLen walks the pointer cycle starting at head and returns its length.
func CycleLen(head uintptr) int {
	count := 0
	p := head
	for {
		count++
		p = deref(p)
		if p == head {
			return count
		}
	}
}
