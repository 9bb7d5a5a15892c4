package memchase

import "testing"

func TestRNGDeterminism(t *testing.T) {
	for _, seed := range []uint32{0, 1, 7, 1234567} {
		a := NewRNG(seed)
		b := NewRNG(seed)
		for i := 0; i < 1000; i++ {
			if av, bv := a.Uint64(), b.Uint64(); av != bv {
				t.Fatalf("seed %d diverged at draw %d: %#x != %#x", seed, i, av, bv)
			}
		}
	}
}

func TestRNGSeedsDiffer(t *testing.T) {
	a := NewRNG(0)
	b := NewRNG(1)
	same := 0
	for i := 0; i < 100; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same == 100 {
		t.Fatal("seeds 0 and 1 produced identical streams")
	}
}

func TestRNGBounds(t *testing.T) {
	r := NewRNG(3)
	for _, limit := range []uint64{0, 1, 2, 100, 1 << 29} {
		for i := 0; i < 200; i++ {
			if v := r.Uint64n(limit); v > limit {
				t.Fatalf("Uint64n(%d) = %d out of range", limit, v)
			}
		}
	}
}

func TestRNGCoversRange(t *testing.T) {
	// a draw on [0, 3] should hit all four values quickly
	r := NewRNG(0)
	var seen [4]bool
	for i := 0; i < 1000; i++ {
		seen[r.Intn(3)] = true
	}
	for v, ok := range seen {
		if !ok {
			t.Errorf("value %d never drawn", v)
		}
	}
}
