/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

// ExpirationBasis selects which validity period governs an RRSIG's
// inception/expiration window, per spec.md 4.2: DNSKEY RRsets use
// dnskey-validity (when set), ordinary RRsets use signature-validity.
// SOA RRsets are tagged SoaExpiration, but signWindow gives them the same
// signature-validity window as RRExpiration.
type ExpirationBasis int

const (
	RRExpiration ExpirationBasis = iota
	DnskeyExpiration
	SoaExpiration
)

// signWindow computes (inception, expiration) as wire-format uint32
// seconds, applying the configured jitter to expiration per spec.md 4.2
// ("a small random jitter ... is added to the expiration time to avoid
// thundering-herd resignings"). Grounded on sign.go's ttl/expiration
// computation, generalized across the three ExpirationBasis cases.
func signWindow(policy *SignerPolicy, now time.Time, basis ExpirationBasis) (inception, expiration uint32) {
	validity := policy.SignatureValidity
	if basis == DnskeyExpiration && policy.DnskeyValidity > 0 {
		validity = policy.DnskeyValidity
	}
	jitter := time.Duration(0)
	if policy.JitterSecs > 0 {
		jitter = time.Duration(rand.Int63n(int64(policy.JitterSecs))) * time.Second
	}
	inc := now.Add(-5 * time.Minute) // small clock-skew allowance, matches miekg/dns examples
	exp := now.Add(validity).Add(jitter)
	return uint32(inc.Unix()), uint32(exp.Unix())
}

// SignRRset produces an RRSIG for rrset using key, per spec.md 4.2's
// contract: offline keys never reach here (the caller — policy.go — has
// already filtered them out), a signing failure is always fatal, but a
// self-verify failure is non-fatal — it is counted and logged, and the
// produced signature is still returned. Grounded on sign.go's SignRRset,
// replacing its global zd/kdb lookups with the explicit ctx/key/rrset
// arguments SignContext demands.
func SignRRset(ctx *SignContext, rrset RRset, key *SigningKey, basis ExpirationBasis) (*dns.RRSIG, error) {
	if key.Offline || key.Signer == nil {
		return nil, newLocal(ErrCryptographic, ctx.Zone.Origin, rrset.Name,
			"key tag %d has no private material available, cannot sign", key.KeyTag)
	}
	if len(rrset.RRs) == 0 {
		return nil, newLocal(ErrCryptographic, ctx.Zone.Origin, rrset.Name, "refusing to sign empty rrset")
	}

	inception, expiration := signWindow(ctx.Policy, ctx.Now, basis)

	rrsig := &dns.RRSIG{
		Hdr: dns.RR_Header{
			Name:   rrset.Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    rrset.TTL(),
		},
		TypeCovered: rrset.Type,
		Algorithm:   key.Algorithm,
		// Labels excludes a wildcard's "*" label, per RFC 4034 3.1.3 and
		// names.go's WildcardLabelCount: the wildcard asterisk itself does
		// not count toward the Labels field.
		Labels:     uint8(dns.CountLabel(rrset.Name) - WildcardLabelCount(rrset.Name)),
		OrigTtl:    rrset.TTL(),
		Expiration: expiration,
		Inception:  inception,
		KeyTag:     key.KeyTag,
		SignerName: key.DNSKEY.Hdr.Name,
	}

	if err := rrsig.Sign(key.Signer, rrset.RRs); err != nil {
		return nil, newFatal(ErrCryptographic, ctx.Zone.Origin, rrset.Name,
			"RRSIG signing failed for key tag %d: %v", key.KeyTag, err)
	}

	ctx.Counters.incSigned()
	ctx.Keyring.MarkSigned(rrset.Name, rrset.Type, key)

	if err := verifyRRSIG(rrsig, &key.DNSKEY, rrset.RRs); err != nil {
		// Non-fatal per spec.md 4.2: a self-verify failure is counted and
		// logged, not treated as a reason to discard the signature or abort
		// the run.
		ctx.Counters.incVerifyFail()
		ctx.Logger.Printf("self-verification failed for %s/%s key tag %d: %v", rrset.Name, dns.TypeToString[rrset.Type], key.KeyTag, err)
		return rrsig, nil
	}
	ctx.Counters.incVerifyOK()

	return rrsig, nil
}

// verifyRRSIG checks rrsig against dnskey and rrs, grounded on
// dnssec_validate.go's verification call into miekg/dns.
func verifyRRSIG(rrsig *dns.RRSIG, dnskey *dns.DNSKEY, rrs []dns.RR) error {
	return rrsig.Verify(dnskey, rrs)
}

// fmtKeyTag is a small helper used by policy.go / report.go for
// consistent log messages.
func fmtKeyTag(k *SigningKey) string {
	return fmt.Sprintf("%d/%s", k.KeyTag, algName(k.Algorithm))
}

func algName(alg uint8) string {
	if name, ok := dns.AlgorithmToString[alg]; ok {
		return name
	}
	return fmt.Sprintf("ALG%d", alg)
}
