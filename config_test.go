/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"path/filepath"
	"testing"
)

func TestParseSyncRecordsPolicyEmptySuppressesBoth(t *testing.T) {
	p, err := ParseSyncRecordsPolicy("")
	if err != nil {
		t.Fatalf("ParseSyncRecordsPolicy(\"\"): %v", err)
	}
	if p.CDNSKEY || len(p.CDSDigests) != 0 {
		t.Errorf("expected an empty policy, got %+v", p)
	}
}

func TestParseSyncRecordsPolicyCdnskeyAndCds(t *testing.T) {
	p, err := ParseSyncRecordsPolicy("cdnskey,cds:sha256,cds:sha384")
	if err != nil {
		t.Fatalf("ParseSyncRecordsPolicy: %v", err)
	}
	if !p.CDNSKEY {
		t.Error("expected CDNSKEY to be enabled")
	}
	if len(p.CDSDigests) != 2 {
		t.Fatalf("expected 2 digest algorithms, got %d: %v", len(p.CDSDigests), p.CDSDigests)
	}
}

func TestParseSyncRecordsPolicyDedupesDigests(t *testing.T) {
	p, err := ParseSyncRecordsPolicy("cds:sha256,cds:sha256")
	if err != nil {
		t.Fatalf("ParseSyncRecordsPolicy: %v", err)
	}
	if len(p.CDSDigests) != 1 {
		t.Errorf("expected duplicate digest algorithms to be deduped, got %v", p.CDSDigests)
	}
}

func TestParseSyncRecordsPolicyRejectsUnknownDigest(t *testing.T) {
	if _, err := ParseSyncRecordsPolicy("cds:md5"); err == nil {
		t.Error("expected an unsupported digest algorithm to be a parse error")
	}
}

func TestParseSyncRecordsPolicyRejectsUnknownToken(t *testing.T) {
	if _, err := ParseSyncRecordsPolicy("bogus"); err == nil {
		t.Error("expected an unrecognised token to be a parse error")
	}
}

func TestSaveAndLoadSignerPolicyYAMLRoundTrips(t *testing.T) {
	policy := DefaultSignerPolicy()
	policy.Nsec3.OptOut = true
	policy.SyncRecords = "cdnskey,cds:sha256"

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := SaveSignerPolicyYAML(path, policy); err != nil {
		t.Fatalf("SaveSignerPolicyYAML: %v", err)
	}

	got, err := LoadSignerPolicyYAML(path)
	if err != nil {
		t.Fatalf("LoadSignerPolicyYAML: %v", err)
	}
	if !got.Nsec3.OptOut {
		t.Error("expected opt-out to round-trip through YAML")
	}
	if got.SyncRecords != "cdnskey,cds:sha256" {
		t.Errorf("expected sync-records to round-trip, got %q", got.SyncRecords)
	}
}

func TestValidateSignerPolicyRejectsExcessiveIterationsByDefault(t *testing.T) {
	p := DefaultSignerPolicy()
	p.Nsec3.Iterations = maxNsec3Iterations + 1
	if err := ValidateSignerPolicy(p); err == nil {
		t.Error("expected excessive NSEC3 iterations to fail validation without the override flag")
	}
	p.AllowNsec3IterationsOverride = true
	if err := ValidateSignerPolicy(p); err != nil {
		t.Errorf("override flag should permit excessive iterations, got: %v", err)
	}
}
