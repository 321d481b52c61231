// Package dupindex answers "has a near-duplicate of this fingerprint been
// admitted already?" and admits the fingerprint atomically when not.
//
// Each 64-bit fingerprint is split into four 16-bit blocks. Two fingerprints
// within Hamming distance 3 differ in at most three blocks, so they always
// share at least one (block, value) bucket key. Buckets only pre-filter; the
// full distance check decides.
package dupindex

import (
	"fmt"
	"sort"
	"sync"

	"horse.fit/sieve/internal/fingerprint"
)

const (
	blockCount = 4
	blockBits  = 16

	// MaxSoundDistance is the largest threshold for which bucket lookup has
	// no false negatives.
	MaxSoundDistance = blockCount - 1

	stripeCount = 1024
)

type Options struct {
	MaxDistance int
}

// Decision is the result of an admission attempt.
type Decision struct {
	Admitted    bool
	DuplicateOf string
	Distance    int
	Exact       bool
}

type bucketKey struct {
	block uint8
	value uint16
}

type entry struct {
	nearDup uint64
	exact   [32]byte
}

// Index is safe for concurrent use. Admissions whose bucket keys overlap are
// serialized through striped locks, acquired in ascending stripe order.
type Index struct {
	maxDistance int
	stripes     [stripeCount]sync.Mutex

	mu      sync.RWMutex
	buckets map[bucketKey]map[string]struct{}
	entries map[string]entry
	exact   map[[32]byte]string
}

func New(opts Options) (*Index, error) {
	if opts.MaxDistance < 0 || opts.MaxDistance > MaxSoundDistance {
		return nil, fmt.Errorf("near-duplicate max distance must be within [0, %d], got %d", MaxSoundDistance, opts.MaxDistance)
	}
	return &Index{
		maxDistance: opts.MaxDistance,
		buckets:     make(map[bucketKey]map[string]struct{}),
		entries:     make(map[string]entry),
		exact:       make(map[[32]byte]string),
	}, nil
}

func (ix *Index) MaxDistance() int {
	return ix.maxDistance
}

// Admit rejects fp when an exact or near duplicate is already indexed,
// otherwise records it under articleID. The exact hash is checked first and
// wins over any near match.
func (ix *Index) Admit(articleID string, fp fingerprint.Fingerprint) Decision {
	keys := bucketKeys(fp.NearDup)
	unlock := ix.lockStripes(keys)
	defer unlock()

	ix.mu.RLock()
	if existing, ok := ix.exact[fp.ExactHash]; ok {
		ix.mu.RUnlock()
		return Decision{DuplicateOf: existing, Distance: 0, Exact: true}
	}

	best := ""
	bestDistance := fingerprint.Bits + 1
	seen := make(map[string]struct{})
	for _, key := range keys {
		for id := range ix.buckets[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			d := fingerprint.Distance(fp.NearDup, ix.entries[id].nearDup)
			if d > ix.maxDistance {
				continue
			}
			if d < bestDistance || (d == bestDistance && id < best) {
				best = id
				bestDistance = d
			}
		}
	}
	ix.mu.RUnlock()

	if best != "" {
		return Decision{DuplicateOf: best, Distance: bestDistance}
	}

	ix.mu.Lock()
	ix.insertLocked(articleID, fp, keys)
	ix.mu.Unlock()
	return Decision{Admitted: true}
}

// Insert records fp without checking for duplicates. Used when rebuilding the
// index from storage.
func (ix *Index) Insert(articleID string, fp fingerprint.Fingerprint) {
	keys := bucketKeys(fp.NearDup)
	unlock := ix.lockStripes(keys)
	defer unlock()

	ix.mu.Lock()
	ix.insertLocked(articleID, fp, keys)
	ix.mu.Unlock()
}

// Remove drops articleID, typically after the storage write that followed a
// successful Admit lost a uniqueness race.
func (ix *Index) Remove(articleID string) {
	ix.mu.RLock()
	e, ok := ix.entries[articleID]
	ix.mu.RUnlock()
	if !ok {
		return
	}

	keys := bucketKeys(e.nearDup)
	unlock := ix.lockStripes(keys)
	defer unlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, key := range keys {
		members := ix.buckets[key]
		delete(members, articleID)
		if len(members) == 0 {
			delete(ix.buckets, key)
		}
	}
	if ix.exact[e.exact] == articleID {
		delete(ix.exact, e.exact)
	}
	delete(ix.entries, articleID)
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) insertLocked(articleID string, fp fingerprint.Fingerprint, keys [blockCount]bucketKey) {
	for _, key := range keys {
		members, ok := ix.buckets[key]
		if !ok {
			members = make(map[string]struct{}, 1)
			ix.buckets[key] = members
		}
		members[articleID] = struct{}{}
	}
	ix.entries[articleID] = entry{nearDup: fp.NearDup, exact: fp.ExactHash}
	if _, ok := ix.exact[fp.ExactHash]; !ok {
		ix.exact[fp.ExactHash] = articleID
	}
}

func (ix *Index) lockStripes(keys [blockCount]bucketKey) func() {
	stripes := make([]int, 0, blockCount)
	for _, key := range keys {
		s := stripeOf(key)
		dup := false
		for _, existing := range stripes {
			if existing == s {
				dup = true
				break
			}
		}
		if !dup {
			stripes = append(stripes, s)
		}
	}
	sort.Ints(stripes)
	for _, s := range stripes {
		ix.stripes[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			ix.stripes[stripes[i]].Unlock()
		}
	}
}

func bucketKeys(nearDup uint64) [blockCount]bucketKey {
	var keys [blockCount]bucketKey
	for i := 0; i < blockCount; i++ {
		keys[i] = bucketKey{
			block: uint8(i),
			value: uint16(nearDup >> (uint(i) * blockBits)),
		}
	}
	return keys
}

// BlockValues exposes the per-block bucket values for persistence.
func BlockValues(nearDup uint64) [blockCount]uint16 {
	var out [blockCount]uint16
	for i, key := range bucketKeys(nearDup) {
		out[i] = key.value
	}
	return out
}

func stripeOf(key bucketKey) int {
	h := (uint32(key.block)<<blockBits | uint32(key.value)) * 0x9E3779B1
	return int(h >> 22)
}
