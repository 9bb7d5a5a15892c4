package memchase

import (
	"testing"
	"time"
	"unsafe"
)

// Counter monotonicity: a spinning chase worker's count only grows, in
// multiples of the kernel's unroll factor.
func TestChaseCountMonotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a spinning worker")
	}
	spec := buildSpec(t, 1<<16, 64, 1<<16, ptrSize, 1, false)
	head, err := GenerateChase(spec, NewRNG(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	w := &Worker{}
	w.cycle[0] = head
	go chaseSimple(w)

	var prev uint64
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		v := w.count.Load()
		if v < prev {
			t.Fatalf("count went backwards: %d -> %d", prev, v)
		}
		prev = v
	}
	got := w.count.Swap(0)
	if got == 0 {
		t.Fatal("worker made no progress")
	}
	if got%200 != 0 {
		t.Fatalf("count %d is not a multiple of the unroll factor 200", got)
	}
}

// The incr chase stores into each element's counter slot; after a full lap
// every counter is exactly one.
func TestIncrChaseWrites(t *testing.T) {
	spec := buildSpec(t, 1<<14, 64, 1<<14, incrObjectSize, 1, false)
	head, err := GenerateChase(spec, NewRNG(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	p := head
	for i := 0; i < spec.NrElts(); i++ {
		counter := (*uint32)(unsafe.Pointer(p + uintptr(ptrSize)))
		*counter++
		p = deref(p)
	}
	if p != head {
		t.Fatal("lap did not close")
	}
	p = head
	for i := 0; i < spec.NrElts(); i++ {
		counter := (*uint32)(unsafe.Pointer(p + uintptr(ptrSize)))
		if *counter != 1 {
			t.Fatalf("element %d counter = %d after one lap", i, *counter)
		}
		p = deref(p)
	}
}

// critword planting: after setup each step reads X then X+N and still walks
// the original cycle.
func TestSetupCritword(t *testing.T) {
	const offset = 32
	spec := buildSpec(t, 1<<14, 64, 1<<14, CacheLineSize, 1, false)
	head, err := GenerateChase(spec, NewRNG(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	orig := walkChase(head, spec.NrElts())

	w := &Worker{extraArg: "32"}
	w.cycle[0] = head
	setupCritword(w)

	// the rewritten cycle alternates element start and element start+N
	p := head
	for i := 0; i < spec.NrElts(); i++ {
		mid := deref(p)
		if mid != orig[i]+offset {
			t.Fatalf("step %d: critical word at %#x, want %#x", i, mid, orig[i]+offset)
		}
		p = deref(mid)
		if want := orig[(i+1)%spec.NrElts()]; p != want {
			t.Fatalf("step %d: next element %#x, want %#x", i, p, want)
		}
	}
}

func TestSetupCritword2(t *testing.T) {
	const offset = 32
	spec := buildSpec(t, 1<<14, 64, 1<<14, CacheLineSize, 1, false)
	head, err := GenerateChase(spec, NewRNG(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	w := &Worker{extraArg: "32"}
	w.cycle[0] = head
	setupCritword2(w)

	// the shadow cycle at +N mirrors the primary cycle
	p, q := head, head+offset
	for i := 0; i < spec.NrElts(); i++ {
		p, q = deref(p), deref(q)
		if q != p+offset {
			t.Fatalf("step %d: shadow cycle at %#x, want %#x", i, q, p+offset)
		}
	}
	if p != head {
		t.Fatal("primary cycle did not close")
	}
}
