/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestAffectedNamesIncludesTouchedAndPredecessor(t *testing.T) {
	zone := NewZone("example.com.")
	for _, fqdn := range []string{"example.com.", "ftp.example.com.", "mail.example.com.", "www.example.com."} {
		zone.GetOrCreateOwner(fqdn)
	}
	// canonical order for these four is: example.com., ftp, mail, www.
	got := affectedNames(zone, []string{"mail.example.com."})

	want := map[string]bool{"ftp.example.com.": true, "mail.example.com.": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d affected names, got %v", len(want), got)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected affected name %q", n)
		}
	}
}

// TestContinueResignSignsOnlyAffectedSubset exercises spec.md 4.7 phases
// 3-4: an incremental resign over a one-name diff must not re-sign the
// whole zone's NSEC chain, only the touched name and its predecessor.
func TestContinueResignSignsOnlyAffectedSubset(t *testing.T) {
	zone := buildSmallZone(t) // example.com., mail.example.com., www.example.com.
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

	a3 := mustRR(t, "www.example.com. 3600 IN A 192.0.2.9")
	state := NewResignState([]DiffTuple{{Op: DiffAdd, Name: "www.example.com.", Type: dns.TypeA, TTL: 3600, Rdata: a3}})

	done, err := ContinueResign(ctx, state)
	if err != nil {
		t.Fatalf("ContinueResign: %v", err)
	}
	if !done {
		t.Fatal("expected ContinueResign to finish within budget")
	}

	if len(state.AffectedNames) == 0 || len(state.AffectedNames) >= len(zone.OwnerNames()) {
		t.Errorf("expected a proper non-empty subset of owner names, got %v (zone has %v)", state.AffectedNames, zone.OwnerNames())
	}
	for _, n := range state.AffectedNames {
		if n != "mail.example.com." && n != "www.example.com." {
			t.Errorf("unexpected name in affected set: %s", n)
		}
	}
}
