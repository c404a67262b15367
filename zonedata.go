/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// OwnerData is one node of the zone tree: an owner name and the RRsets
// hung off it. Grounded on structs.go's OwnerData / rrtypestore.go's
// NewOwnerData.
type OwnerData struct {
	Name       string
	RRtypes    *RRTypeStore
	Nsec3Only  bool // true for a hashed owner node created by BuildNsec3Chain to hold an NSEC3 record
}

// NewOwnerData creates an empty node for name.
func NewOwnerData(name string) *OwnerData {
	return &OwnerData{Name: CanonicalName(name), RRtypes: NewRRTypeStore()}
}

// IsDelegation reports whether this node owns an NS RRset and is not the
// zone apex (spec.md 3 "Node ... may be a delegation point (has NS but not
// SOA)").
func (o *OwnerData) IsDelegation(apex string) bool {
	if o.Name == apex {
		return false
	}
	rrset, ok := o.RRtypes.Get(dns.TypeNS)
	return ok && len(rrset.RRs) > 0
}

// IsDNAME reports whether this node carries a DNAME RRset.
func (o *OwnerData) IsDNAME() bool {
	rrset, ok := o.RRtypes.Get(dns.TypeDNAME)
	return ok && len(rrset.RRs) > 0
}

// HasDS reports whether this node carries a DS RRset.
func (o *OwnerData) HasDS() bool {
	rrset, ok := o.RRtypes.Get(dns.TypeDS)
	return ok && len(rrset.RRs) > 0
}

// PresentTypes returns the RR types actually stored at this owner, sorted
// ascending (excluding nothing — callers add NSEC/NSEC3/RRSIG to taste for
// a type-bitmap).
func (o *OwnerData) PresentTypes() []uint16 {
	return TypeBitmap(o.RRtypes.Keys())
}

// Zone is a mapping from canonical name to OwnerData, with the apex
// distinguished by Origin. Grounded on structs.go's ZoneData, trimmed to
// the signing core's needs (no transfer/refresh/API-client machinery).
type Zone struct {
	Origin string

	Owners cmap.ConcurrentMap[string, *OwnerData]

	// mu guards structural mutation: adding/removing owners, swapping the
	// denial-of-existence chain kind, changing NSEC3 parameters. Per
	// spec.md 5 the sole writer during this phase is the apex control
	// thread; workers only mutate through the per-node RRTypeStore.
	mu sync.RWMutex

	CurrentSerial uint32
	NSEC3         bool // true once an NSEC3PARAM has been installed; false (or absent) means NSEC

	Logger *dnsLogger
}

// NewZone creates an empty zone rooted at origin.
func NewZone(origin string) *Zone {
	z := &Zone{
		Origin: CanonicalName(origin),
		Owners: cmap.New[*OwnerData](),
		Logger: defaultLogger,
	}
	return z
}

func (z *Zone) GetOwner(name string) (*OwnerData, bool) {
	return z.Owners.Get(CanonicalName(name))
}

// GetOrCreateOwner fetches name's node, creating an empty one if absent.
// Nodes are created lazily when an RR at that name first appears
// (spec.md 3 "Lifecycles").
func (z *Zone) GetOrCreateOwner(name string) *OwnerData {
	name = CanonicalName(name)
	if o, ok := z.Owners.Get(name); ok {
		return o
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if o, ok := z.Owners.Get(name); ok {
		return o
	}
	o := NewOwnerData(name)
	z.Owners.Set(name, o)
	return o
}

// RemoveOwnerIfEmpty deletes name's node once its last RR has been removed
// (spec.md 3 "destroyed when their last RR is removed"), unless it is an
// NSEC3 hash owner node (Nsec3Only).
func (z *Zone) RemoveOwnerIfEmpty(name string) {
	name = CanonicalName(name)
	o, ok := z.Owners.Get(name)
	if !ok {
		return
	}
	if o.RRtypes.Count() == 0 && !o.Nsec3Only {
		z.mu.Lock()
		z.Owners.Remove(name)
		z.mu.Unlock()
	}
}

func (z *Zone) AddOwner(o *OwnerData) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.Owners.Set(o.Name, o)
}

func (z *Zone) NameExists(name string) bool {
	_, ok := z.Owners.Get(CanonicalName(name))
	return ok
}

// OwnerNames returns every owner name in the zone, sorted in DNSSEC
// canonical order.
func (z *Zone) OwnerNames() []string {
	names := z.Owners.Keys()
	sort.Slice(names, func(i, j int) bool {
		return LessCanonical(names[i], names[j])
	})
	return names
}

// GetRRset fetches the RRset of rrtype at name, or a zero-value RRset and
// false if either the owner or the type is absent.
func (z *Zone) GetRRset(name string, rrtype uint16) (RRset, bool) {
	o, ok := z.Owners.Get(CanonicalName(name))
	if !ok {
		return RRset{}, false
	}
	return o.RRtypes.Get(rrtype)
}

// GetSOA returns the zone's SOA record.
func (z *Zone) GetSOA() (*dns.SOA, error) {
	apex, ok := z.Owners.Get(z.Origin)
	if !ok {
		return nil, fmt.Errorf("zone %s: no apex node", z.Origin)
	}
	rrset, ok := apex.RRtypes.Get(dns.TypeSOA)
	if !ok || len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("zone %s: no SOA at apex", z.Origin)
	}
	soa, ok := rrset.RRs[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("zone %s: apex SOA RRset contains a non-SOA RR", z.Origin)
	}
	return soa, nil
}

// ZoneCut describes the delegation/DNAME shadow the walker is currently
// under while iterating in canonical order: occluded names are below cut
// but are not the delegation/DNAME owner itself.
type ZoneCut struct {
	Owner string
	DNAME bool
}

// IsOccluded reports whether name is strictly below a delegation or DNAME
// point (spec.md 4.4 "Names wholly under a zone cut ... are not part of the
// chain"). The owner of the cut itself is never occluded.
func (z *Zone) IsOccluded(name string) bool {
	if !IsSubdomainOf(name, z.Origin) {
		return true
	}
	name = CanonicalName(name)
	if name == z.Origin {
		return false
	}
	for anc := ParentName(name); anc != "" && IsSubdomainOf(anc, z.Origin); anc = ParentName(anc) {
		o, ok := z.Owners.Get(anc)
		if !ok {
			continue
		}
		if o.IsDelegation(z.Origin) || o.IsDNAME() {
			return true
		}
		if anc == z.Origin {
			break
		}
	}
	return false
}
