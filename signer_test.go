/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// realKSK creates a genuinely signable KSK using an in-memory ECDSA key,
// for tests that exercise SignRRset end to end rather than just the
// decision logic.
func realKSK(t *testing.T, tag uint16, ksk bool) *SigningKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	flags := uint16(256)
	if ksk {
		flags = 257
	}
	dnskey := dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET},
		Flags:     flags,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	pub := dnskey.SetPublicKeyBuf(publicKeyBytes(priv))
	_ = pub
	return &SigningKey{
		KeyTag:    tag,
		Algorithm: dns.ECDSAP256SHA256,
		KSK:       ksk,
		Signer:    priv,
		DNSKEY:    dnskey,
	}
}

func publicKeyBytes(priv *ecdsa.PrivateKey) []byte {
	size := 32
	x := priv.PublicKey.X.Bytes()
	y := priv.PublicKey.Y.Bytes()
	buf := make([]byte, 2*size)
	copy(buf[size-len(x):size], x)
	copy(buf[2*size-len(y):], y)
	return buf
}

// TestBasicNsecSignScenario exercises spec.md 8 scenario 1: a small zone
// with no existing RRSIGs gets a full NSEC chain and every RRset signed.
func TestBasicNsecSignScenario(t *testing.T) {
	zone := buildSmallZone(t)
	kr := NewKeyring()
	zsk := realKSK(t, 11111, false)
	if err := kr.Load("example.com.", []*SigningKey{zsk}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	policy := DefaultSignerPolicy()
	ctx := NewSignContext(zone, kr, policy, time.Now(), nil)

	if err := BuildNsecChain(ctx); err != nil {
		t.Fatalf("BuildNsecChain: %v", err)
	}
	if _, err := WalkAndSign(ctx); err != nil {
		t.Fatalf("WalkAndSign: %v", err)
	}

	www, ok := zone.GetOwner("www.example.com.")
	if !ok {
		t.Fatal("missing www.example.com. owner")
	}
	a, _ := www.RRtypes.Get(dns.TypeA)
	if len(a.RRSIGs) != 1 {
		t.Fatalf("expected www/A to have exactly one RRSIG, got %d", len(a.RRSIGs))
	}
	nsec, _ := www.RRtypes.Get(dns.TypeNSEC)
	if len(nsec.RRSIGs) != 1 {
		t.Fatalf("expected www/NSEC to be signed, got %d RRSIGs", len(nsec.RRSIGs))
	}

	snap := ctx.Counters.Snapshot()
	if snap.Signed == 0 {
		t.Error("expected the signed counter to be non-zero after a full walk")
	}
	if snap.VerifyFail != 0 {
		t.Errorf("expected zero verification failures, got %d", snap.VerifyFail)
	}
}

// TestKeyRolloverScenario exercises spec.md 8 scenario 3: when a
// predecessor ZSK's signature over an RRset is still live, its linked
// successor does not also sign the same RRset — seamless rollover means
// exactly one live signature during the overlap, not two.
func TestKeyRolloverScenario(t *testing.T) {
	zone := buildSmallZone(t)
	kr := NewKeyring()
	pred := realKSK(t, 1, false)
	succ := realKSK(t, 2, false)
	if err := kr.Load("example.com.", []*SigningKey{pred, succ}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !kr.LinkRollover(1, 2, dns.ECDSAP256SHA256) {
		t.Fatal("LinkRollover should succeed")
	}

	policy := DefaultSignerPolicy()
	now := time.Now()
	ctx := NewSignContext(zone, kr, policy, now, nil)

	www, _ := zone.GetOwner("www.example.com.")
	a, _ := www.RRtypes.Get(dns.TypeA)
	predSig, err := SignRRset(ctx, a, pred, RRExpiration)
	if err != nil {
		t.Fatalf("pre-signing with predecessor: %v", err)
	}
	a.RRSIGs = append(a.RRSIGs, predSig)
	www.RRtypes.Set(dns.TypeA, a)

	if err := BuildNsecChain(ctx); err != nil {
		t.Fatalf("BuildNsecChain: %v", err)
	}
	if _, err := WalkAndSign(ctx); err != nil {
		t.Fatalf("WalkAndSign: %v", err)
	}

	www, _ = zone.GetOwner("www.example.com.")
	a, _ = www.RRtypes.Get(dns.TypeA)
	if len(a.RRSIGs) != 1 {
		t.Errorf("expected exactly one live RRSIG under seamless rollover suppression, got %d", len(a.RRSIGs))
	}
	if a.RRSIGs[0].(*dns.RRSIG).KeyTag != 1 {
		t.Errorf("expected the predecessor's existing signature to remain, got key tag %d", a.RRSIGs[0].(*dns.RRSIG).KeyTag)
	}
}
