//go:build amd64

package memchase

import (
	"testing"
	"unsafe"
)

// buildExecOrderedCycle threads an ordered cycle of 16-byte elements through
// an executable arena and returns its spec and head.
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

// A 4-element cycle rewritten with chunk size 2: each element starts with
// movabs rax, <next>; chunk interiors jump, chunk ends return.
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

	for elt := 0; elt < 4; elt++ {
		p := base + uintptr(elt*brObjectSize)
		code := unsafe.Slice((*byte)(unsafe.Pointer(p)), brCodeLen)
		if code[0] != 0x48 || code[1] != 0xb8 {
			t.Fatalf("element %d: no movabs rax prefix, got % x", elt, code[:2])
		}
		next := uint64(base) + uint64(((elt+1)%4)*brObjectSize)
		var imm uint64
		for i := 0; i < 8; i++ {
			imm |= uint64(code[2+i]) << (8 * i)
		}
		if imm != next {
			t.Fatalf("element %d: immediate %#x, want %#x", elt, imm, next)
		}
		if elt%2 == 0 {
			if code[10] != 0xff || code[11] != 0xe0 {
				t.Fatalf("element %d: want jmp rax, got % x", elt, code[10:12])
			}
		} else if code[10] != 0xc3 {
			t.Fatalf("element %d: want ret at chunk end, got %#x", elt, code[10])
		}
	}
}

// Roundtrip: invoking the rewritten cycle as code visits every element and
// hands back the next chunk entry until the cycle closes.
func TestBranchChaseRoundtrip(t *testing.T) {
	const nrElts = 8
	spec, head := buildExecOrderedCycle(t, nrElts)
	base := spec.base()

	chunk, err := ConvertPointersToBranches(head, 2)
	if err != nil {
		t.Fatal(err)
	}
	p := head
	for call := 1; call <= nrElts/chunk; call++ {
		p = callChunk(p)
		want := base + uintptr((call*chunk%nrElts)*brObjectSize)
		if p != want {
			t.Fatalf("call %d returned %#x, want %#x", call, p, want)
		}
	}
	if p != head {
		t.Fatalf("cycle did not close: at %#x, head %#x", p, head)
	}
}

func TestConvertPointersToBranchesDirtySlack(t *testing.T) {
	_, head := buildExecOrderedCycle(t, 4)
	// dirty one slack byte of the second element
	*(*byte)(unsafe.Pointer(head + brObjectSize + uintptr(ptrSize))) = 1
	if _, err := ConvertPointersToBranches(head, 2); err == nil {
		t.Fatal("dirty slack byte was not rejected")
	}
}
