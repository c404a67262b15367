/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RRTypeStore holds the RRsets present at one owner name, keyed by RR
// type. It is backed by a sharded concurrent map so that C6's worker pool
// can read and mutate different nodes' stores concurrently without a
// global zone lock, the same role rrtypestore.go's ConcurrentRRTypeStore
// played in the teacher.
type RRTypeStore struct {
	m cmap.ConcurrentMap[uint16, RRset]
}

// NewRRTypeStore creates an empty, ready-to-use store.
func NewRRTypeStore() *RRTypeStore {
	return &RRTypeStore{m: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
		return uint32(key)
	})}
}

func (s *RRTypeStore) Get(rrtype uint16) (RRset, bool) {
	return s.m.Get(rrtype)
}

func (s *RRTypeStore) Set(rrtype uint16, rrset RRset) {
	rrset.Type = rrtype
	s.m.Set(rrtype, rrset)
}

func (s *RRTypeStore) Delete(rrtype uint16) {
	s.m.Remove(rrtype)
}

func (s *RRTypeStore) Keys() []uint16 {
	return s.m.Keys()
}

func (s *RRTypeStore) Count() int {
	return s.m.Count()
}

// Snapshot returns a stable []RRset copy, for read-mostly passes that want
// to iterate without holding shard locks for the duration.
func (s *RRTypeStore) Snapshot() []RRset {
	out := make([]RRset, 0, s.m.Count())
	for item := range s.m.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}
