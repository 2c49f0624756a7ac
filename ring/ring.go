// Package ring implements the consistent-hash placement ring described by
// spec §4.1: virtual nodes per silo, lock-free reads via an atomic
// copy-on-write snapshot, and deterministic owner resolution for an actor
// key.
package ring

import (
	"hash/crc32"
	"sort"
	"sync/atomic"
)

// DefaultVirtualNodes is the default number of virtual nodes placed on the
// ring per silo (spec §4.1, V=150).
const DefaultVirtualNodes = 150

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// vnode is one virtual node's position on the ring.
type vnode struct {
	hash   uint32
	siloID string
}

// snapshot is the immutable ring state swapped atomically on membership
// change. Readers never take a lock.
type snapshot struct {
	vnodes []vnode // sorted by hash, then siloID for deterministic tie-break
	silos  map[string]struct{}
}

// Ring is a consistent-hash ring over a set of silo ids. The zero value is
// not usable; construct with New.
type Ring struct {
	virtualNodes int
	snap         atomic.Pointer[snapshot]
}

// Option configures a Ring at construction time.
type Option func(*Ring)

// WithVirtualNodes overrides DefaultVirtualNodes.
func WithVirtualNodes(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.virtualNodes = n
		}
	}
}

// New builds an empty Ring.
func New(opts ...Option) *Ring {
	r := &Ring{virtualNodes: DefaultVirtualNodes}
	for _, opt := range opts {
		opt(r)
	}
	empty := &snapshot{silos: map[string]struct{}{}}
	r.snap.Store(empty)
	return r
}

// hashKey hashes an actor's composite key without string concatenation:
// actor_type, a single NUL separator byte, then actor_id, fed through CRC32
// Castagnoli (hardware-accelerated on amd64/arm64 via hash/crc32's internal
// SSE4.2/ARMv8 detection — spec §4.1's "hardware-accelerated where
// available").
func hashKey(actorType, actorID string) uint32 {
	h := crc32.New(castagnoli)
	_, _ = h.Write([]byte(actorType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(actorID))
	return h.Sum32()
}

func hashVnode(siloID string, replica int) uint32 {
	h := crc32.New(castagnoli)
	_, _ = h.Write([]byte(siloID))
	_, _ = h.Write([]byte{0})
	var buf [4]byte
	buf[0] = byte(replica)
	buf[1] = byte(replica >> 8)
	buf[2] = byte(replica >> 16)
	buf[3] = byte(replica >> 24)
	_, _ = h.Write(buf[:])
	return h.Sum32()
}

// AddNode adds siloID to the ring, placing its virtual nodes. A no-op if
// siloID is already present.
func (r *Ring) AddNode(siloID string) {
	for {
		old := r.snap.Load()
		if _, ok := old.silos[siloID]; ok {
			return
		}
		next := &snapshot{
			vnodes: make([]vnode, 0, len(old.vnodes)+r.virtualNodes),
			silos:  make(map[string]struct{}, len(old.silos)+1),
		}
		next.vnodes = append(next.vnodes, old.vnodes...)
		for id := range old.silos {
			next.silos[id] = struct{}{}
		}
		next.silos[siloID] = struct{}{}
		for i := 0; i < r.virtualNodes; i++ {
			next.vnodes = append(next.vnodes, vnode{hash: hashVnode(siloID, i), siloID: siloID})
		}
		sortVnodes(next.vnodes)
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// RemoveNode removes siloID and all of its virtual nodes from the ring. A
// no-op if siloID is not present.
func (r *Ring) RemoveNode(siloID string) {
	for {
		old := r.snap.Load()
		if _, ok := old.silos[siloID]; !ok {
			return
		}
		next := &snapshot{
			vnodes: make([]vnode, 0, len(old.vnodes)),
			silos:  make(map[string]struct{}, len(old.silos)-1),
		}
		for _, v := range old.vnodes {
			if v.siloID != siloID {
				next.vnodes = append(next.vnodes, v)
			}
		}
		for id := range old.silos {
			if id != siloID {
				next.silos[id] = struct{}{}
			}
		}
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// GetNode returns the silo id owning the given actor key, and false if the
// ring is empty. Lookup walks clockwise from the key's hash, wrapping
// around to the first virtual node when the hash exceeds every vnode on
// the ring.
func (r *Ring) GetNode(actorType, actorID string) (string, bool) {
	s := r.snap.Load()
	if len(s.vnodes) == 0 {
		return "", false
	}
	h := hashKey(actorType, actorID)
	i := sort.Search(len(s.vnodes), func(i int) bool { return s.vnodes[i].hash >= h })
	if i == len(s.vnodes) {
		i = 0
	}
	return s.vnodes[i].siloID, true
}

// Silos returns the current set of member silo ids, sorted lexicographically.
func (r *Ring) Silos() []string {
	s := r.snap.Load()
	out := make([]string, 0, len(s.silos))
	for id := range s.silos {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortVnodes(v []vnode) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].hash != v[j].hash {
			return v[i].hash < v[j].hash
		}
		// Deterministic tie-break on hash collision: lexicographic silo id
		// order (spec §4.1).
		return v[i].siloID < v[j].siloID
	})
}
