/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"time"

	"github.com/miekg/dns"
)

// SignDecision is one instruction out of sign_node: either drop an
// existing RRSIG (Deletions) or produce a new one (Additions), per
// spec.md 4.3's "(deletions, additions)" return shape.
type SignDecision struct {
	DropKeyTags []uint16
	SignWith    []*SigningKey
}

// IsApex reports whether name is the zone's origin.
func (z *Zone) IsApex(name string) bool {
	return CanonicalName(name) == z.Origin
}

// signNode implements spec.md 4.3's full per-(name,type) state table:
// for every RRset at a node, decide which existing RRSIGs are stale/
// orphaned/foreign and must be dropped, and which signing keys must
// produce a fresh signature. Grounded on resigner.go's per-RRset
// decision logic (teacher), restructured as a pure function over
// (name, rrset, existing RRSIGs, keyring, policy, now) so it has no
// hidden dependency on zone-walk order.
func signNode(ctx *SignContext, owner *OwnerData, rrtype uint16) (*SignDecision, error) {
	origin := ctx.Zone.Origin
	name := owner.Name
	apex := ctx.Zone.IsApex(name)

	rrset, ok := owner.RRtypes.Get(rrtype)
	if !ok || len(rrset.RRs) == 0 {
		return nil, nil
	}

	// Two fatal structural conditions, per spec.md 4.3 "Failure":
	if rrtype == dns.TypeDS && !apex {
		if _, hasNS := owner.RRtypes.Get(dns.TypeNS); !hasNS {
			return nil, newFatal(ErrCorruptZone, origin, name, "DS record present without corresponding NS (not a delegation point)")
		}
	}
	if rrtype == dns.TypeDNSKEY && !apex {
		return nil, newFatal(ErrCorruptZone, origin, name, "DNSKEY present at non-apex name")
	}

	// Delegation points (non-apex NS) are never signed themselves, except
	// for the DS and NSEC/NSEC3 RRsets that prove or deny their existence
	// (spec.md 4.3 row "delegation point").
	if !apex && owner.IsDelegation(origin) {
		switch rrtype {
		case dns.TypeDS, dns.TypeNSEC, dns.TypeNSEC3:
			// fall through to normal signing logic below
		default:
			return nil, nil
		}
	}

	decision := &SignDecision{}
	existing := rrset.RRSIGs

	wantKeys := signingKeysFor(ctx, rrtype, apex)
	signedBy := map[uint16]*dns.RRSIG{}
	for _, rr := range existing {
		if sig, ok := rr.(*dns.RRSIG); ok {
			signedBy[sig.KeyTag] = sig
		}
	}

	// Drop pass: stale, orphaned, or foreign-key signatures that policy
	// says to actively remove.
	for tag, sig := range signedBy {
		key, known := ctx.Keyring.ByTag(tag, sig.Algorithm)
		switch {
		case !known:
			// Orphan: covered key unknown, no DNSKEY here at all (spec.md
			// 4.3 row 3). Local, policy-driven keep/drop — default is keep.
			ctx.explainOrphan(name, tag, sig.Algorithm)
			if ctx.Policy.RemoveOrphanSignatures {
				decision.DropKeyTags = append(decision.DropKeyTags, tag)
				ctx.Counters.incDropped()
			} else {
				ctx.Counters.incKept()
			}
		case sig.ValidityPeriod(ctx.Now) == false:
			decision.DropKeyTags = append(decision.DropKeyTags, tag)
			ctx.Counters.incDropped()
		case key.Foreign:
			// A key Reconcile found currently published but that we don't
			// possess: its whole purpose (spec.md 4.1(b)) is to let RRSIGs
			// made by keys we don't have be correctly retained, so this is
			// never policy-gated — always keep.
			ctx.Counters.incKept()
		case key.Inactive && ctx.Policy.RemoveInactiveKeySignatures:
			decision.DropKeyTags = append(decision.DropKeyTags, tag)
			ctx.Counters.incDropped()
		case !isWanted(wantKeys, key):
			decision.DropKeyTags = append(decision.DropKeyTags, tag)
			ctx.Counters.incDropped()
		}
	}

	// Sign pass: every wanted key that doesn't already have a live
	// signature gets one, except a successor ZSK whose predecessor already
	// carries a live, non-near-expiry signature over this exact RRset —
	// spec.md 4.1's seamless-rollover suppression, checked against the
	// RRset's own existing signatures rather than any run-scoped state, so
	// it behaves identically whether this is the first pass over a fresh
	// zone or the hundredth incremental resign.
	//
	// A live signature is still refreshed when it no longer matches the
	// RRset it covers: near expiry, a TTL that drifted from the RRset's
	// current TTL, or a signature that no longer verifies against the
	// RRset's current content are independent triggers (spec.md 4.3 row 7).
	// The stale signature is queued for drop so it doesn't coexist with the
	// fresh one from the same key.
	refresh := ctx.Policy.RefreshWindowOrDefault()
	for _, key := range wantKeys {
		if pred, ok := ctx.Keyring.Predecessor(key); ok {
			if predSig, predSigned := signedBy[pred.KeyTag]; predSigned && !nearExpiry(predSig, ctx.Now, refresh) {
				continue
			}
		}
		sig, hasSig := signedBy[key.KeyTag]
		needsSign := !hasSig
		if hasSig {
			stale := nearExpiry(sig, ctx.Now, refresh) ||
				sig.OrigTtl != rrset.TTL() ||
				verifyRRSIG(sig, &key.DNSKEY, rrset.RRs) != nil
			if stale {
				needsSign = true
				decision.DropKeyTags = append(decision.DropKeyTags, sig.KeyTag)
			}
		}
		if needsSign {
			decision.SignWith = append(decision.SignWith, key)
		} else {
			ctx.Counters.incKept()
		}
	}

	if len(decision.DropKeyTags) == 0 && len(decision.SignWith) == 0 {
		return nil, nil
	}
	return decision, nil
}

// nearExpiry reports spec.md 4.3's "near expiry" condition: less than one
// refresh-window remains before the signature's expiration.
func nearExpiry(sig *dns.RRSIG, now time.Time, window time.Duration) bool {
	remaining := int64(sig.Expiration) - now.Unix()
	return float64(remaining) < window.Seconds()
}

// signingKeysFor returns the set of keys that, per spec.md 4.1/4.3 role
// rules, are currently supposed to sign this RRtype at this node.
//
//   - DNSKEY at apex: every signing KSK, plus every signing ZSK unless
//     keyset-kskonly is set and ignore-ksk-flag is false.
//   - CDS/CDNSKEY at apex: signing KSKs only.
//   - Revoked keys sign DNSKEY only (RFC 5011 semantics), never anything
//     else.
//   - Everything else (including SOA/NS/NSEC/NSEC3 at apex): signing ZSKs
//     (or, if ignore-ksk-flag is set, all signing keys regardless of role).
func signingKeysFor(ctx *SignContext, rrtype uint16, apex bool) []*SigningKey {
	var out []*SigningKey
	now := ctx.Now
	for _, k := range ctx.Keyring.All() {
		if k.Offline {
			continue
		}
		if k.Revoked {
			if apex && rrtype == dns.TypeDNSKEY {
				out = append(out, k)
			}
			continue
		}
		if !ctx.Keyring.IsSigning(k, now) {
			continue
		}
		switch {
		case apex && rrtype == dns.TypeDNSKEY:
			if k.KSK || !ctx.Policy.KeysetKSKOnly || ctx.Policy.IgnoreKSKFlag {
				out = append(out, k)
			}
		case apex && (rrtype == dns.TypeCDS || rrtype == dns.TypeCDNSKEY):
			if k.KSK {
				out = append(out, k)
			}
		default:
			if !k.KSK || ctx.Policy.IgnoreKSKFlag {
				out = append(out, k)
			}
		}
	}
	return out
}

func isWanted(wanted []*SigningKey, key *SigningKey) bool {
	for _, k := range wanted {
		if k.ID == key.ID {
			return true
		}
	}
	return false
}
