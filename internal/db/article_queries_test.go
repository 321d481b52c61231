package db

import (
	"slices"
	"testing"
)

func TestBucketLockKeysAreSortedAndDistinct(t *testing.T) {
	t.Parallel()

	blocks := [4]uint16{0xffff, 0x0001, 0x0001, 0x8000}
	keys := bucketLockKeys(blocks)
	if len(keys) != 4 {
		t.Fatalf("expected one key per block, got %d", len(keys))
	}
	if !slices.IsSorted(keys) {
		t.Fatalf("expected ascending lock order, got %v", keys)
	}
	if keys[1] == keys[2] {
		t.Fatalf("equal values in different blocks must lock different keys: %v", keys)
	}
	for _, key := range keys {
		if key>>32 != bucketLockSpace>>32 {
			t.Fatalf("key %x outside the bucket lock space", key)
		}
	}

	// Same buckets in any admission produce the same keys.
	if again := bucketLockKeys(blocks); !slices.Equal(again, keys) {
		t.Fatalf("lock keys are not deterministic: %v vs %v", again, keys)
	}
}
