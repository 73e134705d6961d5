// Package skiplist implements a concurrent ordered map as a fine-grained
// locking skip list, following the optimistic algorithm of Herlihy, Lev,
// Luchangco and Shavit (SIROCCO 2007).
//
// Lookups are lock-free. Insert and Remove traverse without locks, then
// validate the observed predecessors under per-node locks before mutating,
// retrying with exponential backoff when validation fails. The map is
// linearizable: an insert takes effect at the store that publishes the new
// node as fully linked, a remove at the store that marks the victim.
package skiplist

import (
	"cmp"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Validation failures double a per-operation counter; once it passes this
// threshold the goroutine sleeps between retries instead of spinning.
const backoffThreshold = 5000

// backoffCap bounds the doubling counter so it cannot overflow.
const backoffCap = 1 << 20

// ReleaseFunc is called with a value that has left the map, after the node
// holding it has been unlinked from every level.
type ReleaseFunc[V any] func(val V)

// A node is one record of the skip list. The key, value and topLevel fields
// are immutable after construction; next pointers are mutated only while the
// node's mutex is held; marked and fullyLinked are each written once, false
// to true.
type node[K cmp.Ordered, V any] struct {
	mutex       sync.Mutex
	key         K
	value       V
	topLevel    int // highest level index; next has topLevel+1 entries
	marked      atomic.Bool
	fullyLinked atomic.Bool
	next        []atomic.Pointer[node[K, V]]
}

// visible reports whether lookups may observe n.
func (n *node[K, V]) visible() bool {
	return n.fullyLinked.Load() && !n.marked.Load()
}

// SkipList is a concurrent ordered key-value map bounded by two sentinel
// keys. Any number of goroutines may call Insert, Remove, Contains and Get
// concurrently; there is no global lock. A SkipList must be created with New
// or NewWithRelease.
type SkipList[K cmp.Ordered, V any] struct {
	head     *node[K, V]
	tail     *node[K, V]
	maxLevel int
	release  ReleaseFunc[V]
}

// New creates an empty skip list with towers of at most maxLevel levels.
// minKey and maxKey become the head and tail sentinel keys; every key passed
// to an operation must lie strictly between them. For integer-keyed maps the
// usual sentinels are math.MinInt64 and math.MaxInt64.
func New[K cmp.Ordered, V any](maxLevel int, minKey, maxKey K) *SkipList[K, V] {
	return NewWithRelease[K, V](maxLevel, minKey, maxKey, nil)
}

// NewWithRelease is New with a value-release hook. Remove calls release with
// the removed value once its node is unlinked from every level, and Close
// calls it for every value still in the map. A nil release is ignored.
func NewWithRelease[K cmp.Ordered, V any](maxLevel int, minKey, maxKey K, release ReleaseFunc[V]) *SkipList[K, V] {
	if maxLevel < 1 {
		panic("skiplist: maxLevel must be at least 1")
	}
	if minKey >= maxKey {
		panic("skiplist: minKey must be less than maxKey")
	}

	tailNode := &node[K, V]{
		key:      maxKey,
		topLevel: maxLevel - 1,
		next:     make([]atomic.Pointer[node[K, V]], maxLevel),
	}
	headNode := &node[K, V]{
		key:      minKey,
		topLevel: maxLevel - 1,
		next:     make([]atomic.Pointer[node[K, V]], maxLevel),
	}
	for i := 0; i < maxLevel; i++ {
		headNode.next[i].Store(tailNode)
	}

	// Sentinels are visible for their whole lifetime and never marked.
	headNode.fullyLinked.Store(true)
	tailNode.fullyLinked.Store(true)

	return &SkipList[K, V]{
		head:     headNode,
		tail:     tailNode,
		maxLevel: maxLevel,
		release:  release,
	}
}

// randomLevel samples the top level index for a new node: each additional
// level is taken with probability 1/2, bounded by the list's maxLevel.
func (s *SkipList[K, V]) randomLevel() int {
	level := 0
	for level < s.maxLevel-1 && rand.IntN(2) == 0 {
		level++
	}
	return level
}

// inRange reports whether key lies strictly between the sentinel keys. Keys
// at or beyond the sentinels can never be stored.
func (s *SkipList[K, V]) inRange(key K) bool {
	return s.head.key < key && key < s.tail.key
}

// find traverses top-down without taking any lock, recording at every level
// the rightmost node with a smaller key (preds) and that node's successor
// (succs). It returns the highest level at which key was observed, or -1.
// The returned slices are snapshots, not reservations: they may be stale by
// the time they are used, and mutating callers revalidate them under locks.
func (s *SkipList[K, V]) find(key K) (int, []*node[K, V], []*node[K, V]) {
	preds := make([]*node[K, V], s.maxLevel)
	succs := make([]*node[K, V], s.maxLevel)

	foundLevel := -1
	pred := s.head
	for level := s.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for key > curr.key {
			pred = curr
			curr = pred.next[level].Load()
		}
		if foundLevel == -1 && key == curr.key {
			foundLevel = level
		}
		preds[level] = pred
		succs[level] = curr
	}
	return foundLevel, preds, succs
}

// unlockPreds releases the predecessor locks taken during validation,
// unlocking each distinct node exactly once.
func unlockPreds[K cmp.Ordered, V any](preds []*node[K, V], highestLocked int) {
	var prev *node[K, V]
	for i := 0; i <= highestLocked; i++ {
		if preds[i] != prev {
			preds[i].mutex.Unlock()
		}
		prev = preds[i]
	}
}

// pause advances the backoff counter and, once it has grown past the
// threshold, sleeps for a counter-proportional interval so that a
// persistently contended operation yields the CPU instead of spinning
// through retries.
func pause(counter uint) uint {
	if counter > backoffThreshold {
		time.Sleep(time.Duration(counter) * time.Microsecond)
	}
	if counter < backoffCap {
		counter *= 2
	}
	return counter
}

// Insert adds key with value val and reports whether it was inserted. It
// returns false without modifying the map when the key is already present or
// outside the sentinel range; ownership of val passes to the map only on
// true.
func (s *SkipList[K, V]) Insert(key K, val V) bool {
	if !s.inRange(key) {
		return false
	}
	topLevel := s.randomLevel()
	backoff := uint(1)

	for {
		foundLevel, preds, succs := s.find(key)
		if foundLevel != -1 {
			found := succs[foundLevel]
			if !found.marked.Load() {
				// The inserter that linked this node publishes it within
				// bounded steps while still holding its predecessor
				// locks; wait so the duplicate answer is not premature.
				for !found.fullyLinked.Load() {
				}
				return false
			}
			// The key is being removed; retry once it is unlinked.
			continue
		}

		// Lock distinct predecessors in bottom-up level order and check
		// that each is still adjacent to its observed successor and that
		// neither end is marked.
		highestLocked := -1
		var prevPred *node[K, V]
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred, succ := preds[level], succs[level]
			if pred != prevPred {
				pred.mutex.Lock()
				highestLocked = level
				prevPred = pred
			}
			valid = !pred.marked.Load() && !succ.marked.Load() &&
				pred.next[level].Load() == succ
		}
		if !valid {
			unlockPreds(preds, highestLocked)
			backoff = pause(backoff)
			continue
		}

		newNode := &node[K, V]{
			key:      key,
			value:    val,
			topLevel: topLevel,
			next:     make([]atomic.Pointer[node[K, V]], topLevel+1),
		}
		// Every outgoing link is in place before any predecessor publishes
		// the node, and fullyLinked is stored only after the whole tower
		// has been spliced.
		for level := 0; level <= topLevel; level++ {
			newNode.next[level].Store(succs[level])
		}
		for level := 0; level <= topLevel; level++ {
			preds[level].next[level].Store(newNode)
		}
		newNode.fullyLinked.Store(true)
		unlockPreds(preds, highestLocked)
		slog.Debug("skiplist: inserted", "key", key, "topLevel", topLevel)
		return true
	}
}

// okToDelete reports whether the candidate found at foundLevel is a
// deletable target: fully linked, found at its own top level, and unmarked.
func okToDelete[K cmp.Ordered, V any](candidate *node[K, V], foundLevel int) bool {
	return candidate.fullyLinked.Load() &&
		candidate.topLevel == foundLevel &&
		!candidate.marked.Load()
}

// Remove deletes key from the map and reports whether it was removed. It
// returns false when the key is absent, still being inserted, or already
// claimed by a concurrent deleter. When a release hook was supplied it runs
// after the node has been unlinked from every level.
func (s *SkipList[K, V]) Remove(key K) bool {
	if !s.inRange(key) {
		return false
	}
	var victim *node[K, V]
	isMarked := false
	topLevel := -1
	backoff := uint(1)

	for {
		foundLevel, preds, succs := s.find(key)
		if !isMarked {
			if foundLevel == -1 {
				return false
			}
			victim = succs[foundLevel]
			if !okToDelete(victim, foundLevel) {
				return false
			}
			topLevel = victim.topLevel
			victim.mutex.Lock()
			if victim.marked.Load() {
				// Another deleter claimed the node first.
				victim.mutex.Unlock()
				return false
			}
			victim.marked.Store(true)
			isMarked = true
		}

		// The victim was marked by this goroutine and stays locked, so
		// validation only rechecks each predecessor's liveness and its
		// adjacency to the victim.
		highestLocked := -1
		var prevPred *node[K, V]
		valid := true
		for level := 0; valid && level <= topLevel; level++ {
			pred := preds[level]
			if pred != prevPred {
				pred.mutex.Lock()
				highestLocked = level
				prevPred = pred
			}
			valid = !pred.marked.Load() && pred.next[level].Load() == victim
		}
		if !valid {
			unlockPreds(preds, highestLocked)
			backoff = pause(backoff)
			continue
		}

		// Unlink top-down so the lower chains contain the node at least
		// as long as the higher ones.
		for level := topLevel; level >= 0; level-- {
			preds[level].next[level].Store(victim.next[level].Load())
		}
		victim.mutex.Unlock()
		unlockPreds(preds, highestLocked)
		if s.release != nil {
			s.release(victim.value)
		}
		slog.Debug("skiplist: removed", "key", key, "topLevel", topLevel)
		return true
	}
}

// Contains reports whether key is in the map. It takes no locks and never
// blocks.
func (s *SkipList[K, V]) Contains(key K) bool {
	if !s.inRange(key) {
		return false
	}
	foundLevel, _, succs := s.find(key)
	return foundLevel != -1 && succs[foundLevel].visible()
}

// Get returns the value stored under key, or the zero value and false when
// the key is absent. It takes no locks and never blocks. The returned value
// stays valid from the map's point of view only until a concurrent Remove
// unlinks the node and runs the release hook.
func (s *SkipList[K, V]) Get(key K) (V, bool) {
	var zero V
	if !s.inRange(key) {
		return zero, false
	}
	foundLevel, _, succs := s.find(key)
	if foundLevel == -1 {
		return zero, false
	}
	found := succs[foundLevel]
	if !found.visible() {
		return zero, false
	}
	return found.value, true
}

// Length counts the visible nodes by walking level 0. The count is not
// linearizable with respect to concurrent updates; it is meant for tests
// and diagnostics.
func (s *SkipList[K, V]) Length() int {
	count := 0
	for curr := s.head.next[0].Load(); curr != s.tail; curr = curr.next[0].Load() {
		if curr.visible() {
			count++
		}
	}
	return count
}

// Close releases every value still in the map through the release hook and
// resets the list to empty. The caller must ensure that no operation is
// running and that none starts afterwards.
func (s *SkipList[K, V]) Close() {
	for curr := s.head.next[0].Load(); curr != s.tail; curr = curr.next[0].Load() {
		if s.release != nil {
			s.release(curr.value)
		}
	}
	for i := 0; i < s.maxLevel; i++ {
		s.head.next[i].Store(s.tail)
	}
}
