/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import "github.com/miekg/dns"

// DelegationDS is one DS record an external delegation-sync process wants
// installed at a child delegation point. Per spec.md 1's Non-goals, this
// core never fetches or validates the child's DNSKEY itself; it only
// consumes whatever DS set its caller hands it (the "dsset" file
// consumption contract).
type DelegationDS struct {
	Owner      string
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     string
}

// InstallDelegationDS writes ds records at owner (a non-apex delegation
// point), replacing whatever DS RRset was there before. Grounded on the
// (now-removed) dnskey_ops.go's PublishDnskeyRRs dedup idiom, generalized
// from "publish my own DNSKEYs" to "publish a child's DS set".
func InstallDelegationDS(ctx *SignContext, owner string, ds []DelegationDS) error {
	name := CanonicalName(owner)
	if name == ctx.Zone.Origin {
		return newFatal(ErrPolicyViolation, ctx.Zone.Origin, name, "DS records belong at a delegation point, not the zone apex")
	}
	node, ok := ctx.Zone.GetOwner(name)
	if !ok || !node.IsDelegation(ctx.Zone.Origin) {
		return newFatal(ErrCorruptZone, ctx.Zone.Origin, name, "cannot install DS at %s: not a delegation point (missing NS)", name)
	}
	if len(ds) == 0 {
		node.RRtypes.Delete(dns.TypeDS)
		return nil
	}
	rrs := make([]dns.RR, 0, len(ds))
	for _, d := range ds {
		rrs = append(rrs, &dns.DS{
			Hdr:        dns.RR_Header{Name: name, Rrtype: dns.TypeDS, Class: dns.ClassINET, Ttl: ctx.Policy.MaxTTL},
			KeyTag:     d.KeyTag,
			Algorithm:  d.Algorithm,
			DigestType: d.DigestType,
			Digest:     d.Digest,
		})
	}
	node.RRtypes.Set(dns.TypeDS, NewRRset(name, dns.TypeDS, rrs, ctx.Policy.MaxTTL))
	return nil
}

// SyncApexRecords (re)publishes CDS/CDNSKEY at the apex per the parsed
// SyncRecordsPolicy of spec.md 4.8, built from the KSKs currently marked
// signing in the Keyring. An empty policy (policy == SyncRecordsPolicy{})
// removes both RRsets; no all-zero (delete) CDS/CDNSKEY records are
// published in their place.
func SyncApexRecords(ctx *SignContext, policy SyncRecordsPolicy) error {
	apex := ctx.Zone.GetOrCreateOwner(ctx.Zone.Origin)

	if !policy.CDNSKEY {
		apex.RRtypes.Delete(dns.TypeCDNSKEY)
	} else {
		rrs := ksksAsRRs(ctx, func(k *SigningKey) dns.RR {
			return &dns.CDNSKEY{DNSKEY: k.DNSKEY}
		})
		if len(rrs) == 0 {
			apex.RRtypes.Delete(dns.TypeCDNSKEY)
		} else {
			apex.RRtypes.Set(dns.TypeCDNSKEY, NewRRset(ctx.Zone.Origin, dns.TypeCDNSKEY, rrs, ctx.Policy.MaxTTL))
		}
	}

	if len(policy.CDSDigests) == 0 {
		apex.RRtypes.Delete(dns.TypeCDS)
		return nil
	}
	var rrs []dns.RR
	for _, k := range ctx.Keyring.All() {
		if !k.KSK || !ctx.Keyring.IsSigning(k, ctx.Now) {
			continue
		}
		for _, digest := range policy.CDSDigests {
			dnskey := k.DNSKEY
			ds := dnskey.ToDS(digest)
			if ds == nil {
				continue
			}
			cds := &dns.CDS{DS: *ds}
			cds.Hdr = dns.RR_Header{Name: ctx.Zone.Origin, Rrtype: dns.TypeCDS, Class: dns.ClassINET, Ttl: ctx.Policy.MaxTTL}
			rrs = append(rrs, cds)
		}
	}
	if len(rrs) == 0 {
		apex.RRtypes.Delete(dns.TypeCDS)
	} else {
		apex.RRtypes.Set(dns.TypeCDS, NewRRset(ctx.Zone.Origin, dns.TypeCDS, rrs, ctx.Policy.MaxTTL))
	}
	return nil
}

func ksksAsRRs(ctx *SignContext, toRR func(*SigningKey) dns.RR) []dns.RR {
	var rrs []dns.RR
	for _, k := range ctx.Keyring.All() {
		if !k.KSK || !ctx.Keyring.IsSigning(k, ctx.Now) {
			continue
		}
		rr := toRR(k)
		rr.Header().Name = ctx.Zone.Origin
		rr.Header().Rrtype = dns.TypeCDNSKEY
		rr.Header().Class = dns.ClassINET
		rr.Header().Ttl = ctx.Policy.MaxTTL
		rrs = append(rrs, rr)
	}
	return rrs
}
