/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestContext(t *testing.T, origin string) (*SignContext, *Zone, *Keyring) {
	t.Helper()
	zone := NewZone(origin)
	kr := NewKeyring()
	policy := DefaultSignerPolicy()
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	ctx := NewSignContext(zone, kr, policy, now, nil)
	return ctx, zone, kr
}

func activeZSK(t *testing.T, tag uint16) *SigningKey {
	t.Helper()
	return &SigningKey{
		KeyTag:    tag,
		Algorithm: dns.ECDSAP256SHA256,
		KSK:       false,
		Signer:    fakeSigner{},
		DNSKEY: dns.DNSKEY{
			Hdr:       dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeDNSKEY},
			Flags:     256,
			Algorithm: dns.ECDSAP256SHA256,
		},
	}
}

func TestSignNodeFatalDSWithoutNS(t *testing.T) {
	ctx, zone, _ := newTestContext(t, "example.com.")
	owner := zone.GetOrCreateOwner("child.example.com.")
	ds := mustRR(t, "child.example.com. 3600 IN DS 12345 13 2 0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCD")
	owner.RRtypes.Set(dns.TypeDS, NewRRset("child.example.com.", dns.TypeDS, []dns.RR{ds}, 0))

	_, err := signNode(ctx, owner, dns.TypeDS)
	if err == nil || !IsFatal(err) {
		t.Fatal("expected a fatal error for DS present without NS")
	}
}

func TestSignNodeFatalDnskeyAtNonApex(t *testing.T) {
	ctx, zone, _ := newTestContext(t, "example.com.")
	owner := zone.GetOrCreateOwner("www.example.com.")
	dk := mustRR(t, "www.example.com. 3600 IN DNSKEY 256 3 13 abcd")
	owner.RRtypes.Set(dns.TypeDNSKEY, NewRRset("www.example.com.", dns.TypeDNSKEY, []dns.RR{dk}, 0))

	_, err := signNode(ctx, owner, dns.TypeDNSKEY)
	if err == nil || !IsFatal(err) {
		t.Fatal("expected a fatal error for DNSKEY present at a non-apex name")
	}
}

func TestSignNodeSignsUnsignedRRset(t *testing.T) {
	ctx, zone, kr := newTestContext(t, "example.com.")
	zsk := activeZSK(t, 54321)
	if err := kr.Load("example.com.", []*SigningKey{zsk}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	owner := zone.GetOrCreateOwner("www.example.com.")
	a := mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")
	owner.RRtypes.Set(dns.TypeA, NewRRset("www.example.com.", dns.TypeA, []dns.RR{a}, 0))

	decision, err := signNode(ctx, owner, dns.TypeA)
	if err != nil {
		t.Fatalf("signNode: %v", err)
	}
	if decision == nil || len(decision.SignWith) != 1 {
		t.Fatalf("expected exactly one key queued to sign, got %+v", decision)
	}
	if decision.SignWith[0].KeyTag != 54321 {
		t.Errorf("expected key tag 54321 to sign, got %d", decision.SignWith[0].KeyTag)
	}
}

func TestSignNodeSkipsDelegationNonDSTypes(t *testing.T) {
	ctx, zone, kr := newTestContext(t, "example.com.")
	zsk := activeZSK(t, 1)
	if err := kr.Load("example.com.", []*SigningKey{zsk}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	owner := zone.GetOrCreateOwner("child.example.com.")
	ns := mustRR(t, "child.example.com. 3600 IN NS ns1.child.example.com.")
	owner.RRtypes.Set(dns.TypeNS, NewRRset("child.example.com.", dns.TypeNS, []dns.RR{ns}, 0))

	decision, err := signNode(ctx, owner, dns.TypeNS)
	if err != nil {
		t.Fatalf("signNode: %v", err)
	}
	if decision != nil {
		t.Errorf("NS at a delegation point must never be signed, got %+v", decision)
	}
}
