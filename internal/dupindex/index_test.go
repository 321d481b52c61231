package dupindex

import (
	"fmt"
	"sync"
	"testing"

	"horse.fit/sieve/internal/fingerprint"
)

func fp(nearDup uint64, tag byte) fingerprint.Fingerprint {
	var exact [32]byte
	exact[0] = tag
	exact[1] = byte(nearDup)
	exact[2] = byte(nearDup >> 32)
	return fingerprint.Fingerprint{ExactHash: exact, NearDup: nearDup}
}

func newIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(Options{MaxDistance: fingerprint.DefaultMaxDistance})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return ix
}

const base = uint64(0xA5A5_5A5A_0F0F_F0F0)

func TestAdmitNewFingerprint(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	got := ix.Admit("a1", fp(base, 1))
	if !got.Admitted {
		t.Fatalf("expected first fingerprint to be admitted: %+v", got)
	}
	if ix.Len() != 1 {
		t.Fatalf("unexpected index size: %d", ix.Len())
	}
}

func TestExactDuplicateWinsOverNearMatch(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	ix.Admit("near", fp(base^1, 9))
	ix.Admit("exact", fp(base^0xFFFF_0000, 1))

	// Same exact hash as "exact" even though the fingerprint matches "near".
	probe := fp(base^1, 1)
	probe.ExactHash = fp(base^0xFFFF_0000, 1).ExactHash
	got := ix.Admit("probe", probe)
	if got.Admitted || !got.Exact || got.DuplicateOf != "exact" || got.Distance != 0 {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestRejectsWithinThresholdInEveryBitPattern(t *testing.T) {
	t.Parallel()

	// Flip up to three bits spread across different blocks; every variant must
	// be found through at least one untouched block.
	flips := [][]uint{
		{0},
		{5, 21},
		{3, 19, 35},
		{15, 31, 63},
		{16, 40, 50},
	}
	for i, bitsToFlip := range flips {
		ix := newIndex(t)
		ix.Admit("original", fp(base, 1))

		mutated := base
		for _, b := range bitsToFlip {
			mutated ^= uint64(1) << b
		}
		got := ix.Admit(fmt.Sprintf("variant-%d", i), fp(mutated, 2))
		if got.Admitted {
			t.Fatalf("variant %d with %d flipped bits was admitted", i, len(bitsToFlip))
		}
		if got.DuplicateOf != "original" || got.Distance != len(bitsToFlip) {
			t.Fatalf("unexpected decision for variant %d: %+v", i, got)
		}
		if got.Exact {
			t.Fatalf("variant %d unexpectedly flagged as exact", i)
		}
	}
}

func TestAdmitsBeyondThreshold(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	ix.Admit("original", fp(base, 1))

	// Four flipped bits inside one block: shares the other three buckets but
	// fails the distance check.
	got := ix.Admit("far", fp(base^0xF, 2))
	if !got.Admitted {
		t.Fatalf("expected distance-4 fingerprint to be admitted: %+v", got)
	}
}

func TestReturnsLowestDistanceCandidate(t *testing.T) {
	t.Parallel()

	ix, err := New(Options{MaxDistance: 3})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	// Admit two entries that are 4 bits apart from each other.
	if d := ix.Admit("two-away", fp(base^0b0011, 1)); !d.Admitted {
		t.Fatalf("expected admit: %+v", d)
	}
	if d := ix.Admit("one-away", fp(base^0b1100_0000_0000_0000_0000, 2)); !d.Admitted {
		t.Fatalf("expected admit: %+v", d)
	}

	got := ix.Admit("probe", fp(base^0b0100_0000_0000_0000_0000, 3))
	if got.Admitted || got.DuplicateOf != "one-away" || got.Distance != 1 {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestRemoveAllowsReadmission(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	ix.Admit("a1", fp(base, 1))
	ix.Remove("a1")
	if ix.Len() != 0 {
		t.Fatalf("expected empty index after remove, got %d", ix.Len())
	}
	if got := ix.Admit("a2", fp(base, 1)); !got.Admitted {
		t.Fatalf("expected readmission after remove: %+v", got)
	}
	ix.Remove("missing")
}

func TestConcurrentNearDuplicatesAdmitExactlyOne(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	const workers = 64

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []string
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Every variant is within distance 2 of every other variant.
			variant := base ^ (uint64(1) << uint(i%64))
			id := fmt.Sprintf("w%02d", i)
			if ix.Admit(id, fp(variant, byte(i))).Admitted {
				mu.Lock()
				admitted = append(admitted, id)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(admitted) != 1 {
		t.Fatalf("expected exactly one admission, got %d: %v", len(admitted), admitted)
	}
}

func TestConcurrentDistinctFingerprintsAllAdmitted(t *testing.T) {
	t.Parallel()

	ix := newIndex(t)
	const workers = 15

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every nibble equals i+1, so any two differ by at least 16 bits.
			v := uint64(i+1) * 0x1111_1111_1111_1111
			ix.Admit(fmt.Sprintf("d%02d", i), fp(v, byte(i)))
		}(i)
	}
	wg.Wait()

	if ix.Len() != workers {
		t.Fatalf("expected %d entries, got %d", workers, ix.Len())
	}
}

func TestNewRejectsUnsoundDistance(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{MaxDistance: 4}); err == nil {
		t.Fatalf("expected error for distance above sound range")
	}
	if _, err := New(Options{MaxDistance: -1}); err == nil {
		t.Fatalf("expected error for negative distance")
	}
}

func TestBlockValues(t *testing.T) {
	t.Parallel()

	got := BlockValues(0x1111_2222_3333_4444)
	want := [4]uint16{0x4444, 0x3333, 0x2222, 0x1111}
	if got != want {
		t.Fatalf("unexpected block values: %#v", got)
	}
}
