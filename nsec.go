/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"sort"

	"github.com/miekg/dns"
)

// BuildNsecChain implements spec.md 4.4: a canonical-order walk of every
// non-occluded owner name, emitting one NSEC RR per name whose "next
// domain name" field points at the next non-occluded name in canonical
// order, wrapping from the last name back to the origin. Any existing
// NSEC3/NSEC3PARAM records are removed first (a zone is either NSEC- or
// NSEC3-signed, never both). Grounded on nsec.go's chain builder in the
// teacher, rewritten against the Zone/OwnerData tree model instead of a
// flat RBtree, and against canonical ordering from names.go instead of
// miekg/dns's native (already-canonical) zone-file iteration order.
func BuildNsecChain(ctx *SignContext) error {
	z := ctx.Zone
	names := z.OwnerNames()

	// Only true deletions (NSEC3/NSEC3PARAM artifacts of a prior NSEC3
	// signing) are removed; RemoveOwnerIfEmpty then prunes any owner left
	// with no RRtypes at all.
	for _, name := range names {
		owner, ok := z.GetOwner(name)
		if !ok {
			continue
		}
		owner.RRtypes.Delete(dns.TypeNSEC3)
		owner.RRtypes.Delete(dns.TypeNSEC3PARAM)
		owner.Nsec3Only = false
		z.RemoveOwnerIfEmpty(name)
	}
	z.NSEC3 = false

	names = z.OwnerNames()
	ordered := make([]string, 0, len(names))
	for _, name := range names {
		owner, ok := z.GetOwner(name)
		if !ok {
			continue
		}
		if owner.Name != z.Origin && z.IsOccluded(name) {
			continue
		}
		ordered = append(ordered, name)
	}
	sort.Slice(ordered, func(i, j int) bool { return LessCanonical(ordered[i], ordered[j]) })

	if len(ordered) == 0 {
		return newFatal(ErrCorruptZone, z.Origin, "", "no signable owner names found while building NSEC chain")
	}

	soaTTL, soaMinimum := soaNsecTTL(z)
	ttl := soaTTL
	if soaMinimum < ttl {
		ttl = soaMinimum
	}

	for i, name := range ordered {
		owner, _ := z.GetOwner(name)
		next := ordered[(i+1)%len(ordered)]

		types := owner.PresentTypes()
		types = appendSorted(types, dns.TypeNSEC)
		types = appendSorted(types, dns.TypeRRSIG)

		nsec := &dns.NSEC{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeNSEC,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			NextDomain: next,
			TypeBitMap: types,
		}
		rrset := NewRRset(name, dns.TypeNSEC, []dns.RR{nsec}, ctx.Policy.MaxTTL)
		owner.RRtypes.Set(dns.TypeNSEC, rrset)
		ctx.Counters.NsecCount++
	}
	return nil
}

// soaNsecTTL returns (SOA TTL, SOA MINIMUM), the two candidates NSEC's TTL
// is the minimum of, per RFC 4034 4 / spec.md 4.4.
func soaNsecTTL(z *Zone) (ttl, minimum uint32) {
	soa, err := z.GetSOA()
	if err != nil {
		return 3600, 3600
	}
	return soa.Hdr.Ttl, soa.Minttl
}

// appendSorted inserts t into a sorted-ascending []uint16 if not already
// present, keeping the type bitmap well-formed for dns.TypeBitMap.
func appendSorted(types []uint16, t uint16) []uint16 {
	idx := sort.Search(len(types), func(i int) bool { return types[i] >= t })
	if idx < len(types) && types[idx] == t {
		return types
	}
	out := make([]uint16, 0, len(types)+1)
	out = append(out, types[:idx]...)
	out = append(out, t)
	out = append(out, types[idx:]...)
	return out
}
