//go:build arm64

package memchase

import (
	"testing"
	"unsafe"
)

func buildExecOrderedCycle(t *testing.T, nrElts int) (*ChaseSpec, uintptr) {
	t.Helper()
	size := nrElts * brObjectSize
	arena, err := AllocArena(DefaultConfig(), size, true)
	if err != nil {
		t.Fatalf("failed to allocate executable arena: %v", err)
	}
	spec := &ChaseSpec{
		Data:           arena.Data()[:size],
		TotalMemory:    size,
		Stride:         brObjectSize,
		TLBLocality:    size,
		GenPerm:        GenOrderedPermutation,
		NrMixerIndices: 1,
	}
	GenerateChaseMixer(spec, NewRNG(1), 1)
	head, err := GenerateChase(spec, NewRNG(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	return spec, head
}

// Each element is movz/movk/movk building the next address in x0, then br x0
// inside a chunk or ret at its end.
func TestConvertPointersToBranchesEncoding(t *testing.T) {
	spec, head := buildExecOrderedCycle(t, 4)
	base := spec.base()

	chunk, err := ConvertPointersToBranches(head, 2)
	if err != nil {
		t.Fatal(err)
	}
	if chunk != 2 {
		t.Fatalf("effective chunk size = %d, want 2", chunk)
	}

	const (
		brX0  = 0xd61f0000
		retOp = 0xd65f03c0
	)
	for elt := 0; elt < 4; elt++ {
		p := base + uintptr(elt*brObjectSize)
		insn := unsafe.Slice((*uint32)(unsafe.Pointer(p)), 4)
		next := uint64(base) + uint64(((elt+1)%4)*brObjectSize)
		if insn[0]>>23 != 0b110100101 {
			t.Fatalf("element %d: first insn %#x is not movz", elt, insn[0])
		}
		if imm := uint64(insn[0]>>5) & 0xffff; imm != next&0xffff {
			t.Fatalf("element %d: movz imm %#x, want %#x", elt, imm, next&0xffff)
		}
		if imm := uint64(insn[1]>>5) & 0xffff; imm != (next>>16)&0xffff {
			t.Fatalf("element %d: movk lsl16 imm %#x, want %#x", elt, imm, (next>>16)&0xffff)
		}
		if imm := uint64(insn[2]>>5) & 0xffff; imm != (next>>32)&0xffff {
			t.Fatalf("element %d: movk lsl32 imm %#x, want %#x", elt, imm, (next>>32)&0xffff)
		}
		if elt%2 == 0 {
			if insn[3] != brX0 {
				t.Fatalf("element %d: want br x0, got %#x", elt, insn[3])
			}
		} else if insn[3] != retOp {
			t.Fatalf("element %d: want ret at chunk end, got %#x", elt, insn[3])
		}
	}
}
