/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"github.com/miekg/dns"
)

// RRset is all RRs sharing one owner, class and type, plus whichever RRSIGs
// currently cover them. Per spec.md 3, all members share one TTL: the
// lesser of the member TTLs on ingest, capped by the configured max TTL.
type RRset struct {
	Name   string
	Type   uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}

// NewRRset builds an RRset from raw RRs, enforcing the single-TTL
// invariant: the minimum TTL among members, capped by maxTTL (maxTTL==0
// means uncapped).
func NewRRset(name string, rrtype uint16, rrs []dns.RR, maxTTL uint32) RRset {
	ttl := minTTL(rrs)
	if maxTTL > 0 && ttl > maxTTL {
		ttl = maxTTL
	}
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		c := dns.Copy(rr)
		c.Header().Ttl = ttl
		out[i] = c
	}
	return RRset{Name: CanonicalName(name), Type: rrtype, RRs: out}
}

func minTTL(rrs []dns.RR) uint32 {
	if len(rrs) == 0 {
		return 0
	}
	ttl := rrs[0].Header().Ttl
	for _, rr := range rrs[1:] {
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	return ttl
}

// TTL returns the RRset's current TTL (0 if empty).
func (rrs *RRset) TTL() uint32 {
	if len(rrs.RRs) == 0 {
		return 0
	}
	return rrs.RRs[0].Header().Ttl
}

// CapTTL lowers every member's (and every covering RRSIG's) TTL to maxTTL if
// it currently exceeds it. Used on output per spec.md 6 "max-ttl".
func (rrs *RRset) CapTTL(maxTTL uint32) {
	if maxTTL == 0 {
		return
	}
	for _, rr := range rrs.RRs {
		if rr.Header().Ttl > maxTTL {
			rr.Header().Ttl = maxTTL
		}
	}
	for _, rr := range rrs.RRSIGs {
		if rr.Header().Ttl > maxTTL {
			rr.Header().Ttl = maxTTL
		}
	}
}

// RRSIGsByKeyTag returns the subset of rrs.RRSIGs whose KeyTag matches tag.
func (rrs *RRset) RRSIGsByKeyTag(tag uint16) []*dns.RRSIG {
	var out []*dns.RRSIG
	for _, rr := range rrs.RRSIGs {
		if sig, ok := rr.(*dns.RRSIG); ok && sig.KeyTag == tag {
			out = append(out, sig)
		}
	}
	return out
}

// DropRRSIG removes a specific RRSIG (by key tag and algorithm) from the
// RRset's RRSIGs slice.
func (rrs *RRset) DropRRSIG(tag uint16, algorithm uint8) {
	kept := rrs.RRSIGs[:0]
	for _, rr := range rrs.RRSIGs {
		sig, ok := rr.(*dns.RRSIG)
		if ok && sig.KeyTag == tag && sig.Algorithm == algorithm {
			continue
		}
		kept = append(kept, rr)
	}
	rrs.RRSIGs = kept
}

// DropRRSIGByTag removes every RRSIG in the RRset whose KeyTag matches tag,
// regardless of algorithm (used when the caller has no algorithm context,
// e.g. dropping a signature from a key that is no longer known at all).
func (rrs *RRset) DropRRSIGByTag(tag uint16) {
	kept := rrs.RRSIGs[:0]
	for _, rr := range rrs.RRSIGs {
		sig, ok := rr.(*dns.RRSIG)
		if ok && sig.KeyTag == tag {
			continue
		}
		kept = append(kept, rr)
	}
	rrs.RRSIGs = kept
}

// TypeBitmap returns the sorted list of RR types present at an owner, for
// use in an NSEC/NSEC3 type bitmap. types should include NSEC (or NSEC3)
// and RRSIG in addition to whatever is in present.
func TypeBitmap(present []uint16) []uint16 {
	seen := make(map[uint16]bool, len(present))
	out := make([]uint16, 0, len(present))
	for _, t := range present {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// rrsetKey returns the (name,type) string used to index per-RRset state in
// the predecessor-suppression tracking of the keyring. Grounded on ixfr's
// diffsequence.go set-difference key idiom ("name+rrtype").
func rrsetKey(name string, rrtype uint16) string {
	return CanonicalName(name) + "+" + dns.TypeToString[rrtype]
}
