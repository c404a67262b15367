/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestBuildNsec3ChainProducesOneEntryPerOwnerPlusParam(t *testing.T) {
	zone := buildSmallZone(t)
	policy := DefaultSignerPolicy()
	policy.Nsec3.Algorithm = 1
	policy.Nsec3.Iterations = 0
	policy.Nsec3.SaltHex = ""

	ctx := NewSignContext(zone, NewKeyring(), policy, time.Now(), nil)
	if err := BuildNsec3Chain(ctx); err != nil {
		t.Fatalf("BuildNsec3Chain: %v", err)
	}

	apex, _ := zone.GetOwner(zone.Origin)
	if _, ok := apex.RRtypes.Get(dns.TypeNSEC3PARAM); !ok {
		t.Error("expected an NSEC3PARAM record at the apex")
	}

	count := 0
	for _, name := range zone.OwnerNames() {
		owner, _ := zone.GetOwner(name)
		if _, ok := owner.RRtypes.Get(dns.TypeNSEC3); ok {
			count++
		}
	}
	// one NSEC3 per real owner name, keyed under its hash, not under the
	// plaintext owner name itself, so they live on freshly created hash
	// owner nodes distinct from the 3 plaintext names.
	if count != 3 {
		t.Errorf("expected one NSEC3 record per owner name (3), got %d", count)
	}
}

func TestBuildNsec3ChainSetsOptOutAtUnsignedDelegation(t *testing.T) {
	zone := buildSmallZone(t)
	delegated := zone.GetOrCreateOwner("sub.example.com.")
	ns := mustRR(t, "sub.example.com. 3600 IN NS ns1.sub.example.com.")
	delegated.RRtypes.Set(dns.TypeNS, NewRRset("sub.example.com.", dns.TypeNS, []dns.RR{ns}, 0))

	policy := DefaultSignerPolicy()
	policy.Nsec3.OptOut = true
	ctx := NewSignContext(zone, NewKeyring(), policy, time.Now(), nil)
	if err := BuildNsec3Chain(ctx); err != nil {
		t.Fatalf("BuildNsec3Chain: %v", err)
	}

	hash, err := Nsec3Hash("sub.example.com.", policy.Nsec3.Algorithm, policy.Nsec3.Iterations, policy.Nsec3.SaltHex)
	if err != nil {
		t.Fatalf("Nsec3Hash: %v", err)
	}
	owner, ok := zone.GetOwner(nsec3OwnerName(hash, zone.Origin))
	if !ok {
		t.Fatalf("expected an NSEC3 owner node for the delegation hash %s", hash)
	}
	rrset, ok := owner.RRtypes.Get(dns.TypeNSEC3)
	if !ok {
		t.Fatalf("expected an NSEC3 record at the delegation's hash owner")
	}
	n3 := rrset.RRs[0].(*dns.NSEC3)
	if n3.Flags&1 == 0 {
		t.Error("expected the opt-out flag to be set on an unsigned delegation's NSEC3")
	}
}

// TestDetectNsec3HashCollisionFatalOnRealCollision exercises spec.md 8
// scenario 6 directly against detectNsec3HashCollision, the helper
// BuildNsec3Chain itself calls: two hand-crafted real owners sharing a
// hash must be fatal with a diagnostic identifying the duplicate.
func TestDetectNsec3HashCollisionFatalOnRealCollision(t *testing.T) {
	nodes := []nsec3Node{
		{hash: "SAMEHASH", owner: "a.example.com."},
		{hash: "SAMEHASH", owner: "b.example.com."},
	}
	err := detectNsec3HashCollision("example.com.", nodes)
	if err == nil {
		t.Fatal("expected a fatal error for a real hash collision")
	}
	se, ok := err.(*SignError)
	if !ok {
		t.Fatalf("expected a *SignError, got %T", err)
	}
	if se.Kind != ErrDuplicateNsec3Hash {
		t.Errorf("expected ErrDuplicateNsec3Hash, got %v", se.Kind)
	}
	if !IsFatal(err) {
		t.Error("expected the collision error to be fatal")
	}
}

// TestDetectNsec3HashCollisionToleratesSpeculative asserts the
// complementary case: a real owner's hash coinciding with a speculative
// wildcard hash (or two speculative hashes coinciding with each other) is
// not an error, since a speculative node is never emitted as its own NSEC3.
func TestDetectNsec3HashCollisionToleratesSpeculative(t *testing.T) {
	nodes := []nsec3Node{
		{hash: "SAMEHASH", owner: "a.example.com."},
		{hash: "SAMEHASH", owner: "*.b.example.com.", speculative: true},
	}
	if err := detectNsec3HashCollision("example.com.", nodes); err != nil {
		t.Errorf("expected a real-vs-speculative collision to be tolerated, got %v", err)
	}

	nodes = []nsec3Node{
		{hash: "SAMEHASH", owner: "*.a.example.com.", speculative: true},
		{hash: "SAMEHASH", owner: "*.b.example.com.", speculative: true},
	}
	if err := detectNsec3HashCollision("example.com.", nodes); err != nil {
		t.Errorf("expected two speculative hashes to coincide without error, got %v", err)
	}
}
