/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestKeyCacheRecordAndExplainKeyTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keycache.db")
	kc, err := OpenKeyCache(path)
	if err != nil {
		t.Fatalf("OpenKeyCache: %v", err)
	}
	defer kc.Close()

	key := realKSK(t, 4242, false)
	if err := kc.RecordKey(key, time.Now().Unix()); err != nil {
		t.Fatalf("RecordKey: %v", err)
	}

	_, lastSeen, found, err := kc.ExplainKeyTag(4242, uint8(dns.ECDSAP256SHA256))
	if err != nil {
		t.Fatalf("ExplainKeyTag: %v", err)
	}
	if !found {
		t.Fatal("expected a recorded key to be found")
	}
	if lastSeen == 0 {
		t.Error("expected a non-zero last-seen timestamp")
	}

	if _, _, found, err := kc.ExplainKeyTag(9999, uint8(dns.ECDSAP256SHA256)); err != nil {
		t.Fatalf("ExplainKeyTag: %v", err)
	} else if found {
		t.Error("expected an unrecorded key tag to be not found")
	}
}

func TestContinueResignClearsCheckpointViaKeyCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	kc, err := OpenKeyCache(path)
	if err != nil {
		t.Fatalf("OpenKeyCache: %v", err)
	}
	defer kc.Close()

	zone := buildSmallZone(t)
	kr := NewKeyring()
	zsk := realKSK(t, 55555, false)
	if err := kr.Load("example.com.", []*SigningKey{zsk}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	policy := DefaultSignerPolicy()
	ctx := NewSignContext(zone, kr, policy, time.Now(), nil)
	ctx.KeyCache = kc

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

	if _, found, err := kc.LoadCheckpoint("example.com."); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	} else if found {
		t.Error("expected the checkpoint to be cleared once the resign reaches PhaseDone")
	}
}
