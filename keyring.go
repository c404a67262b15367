/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"crypto"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// noKey is the sentinel used for "no predecessor/successor" arena
// references, per spec.md 9's design note: predecessor/successor hold
// stable integer ids, never direct pointers, so the structure can never
// become a reference cycle.
const noKey int32 = -1

// SigningKey is one entry in the Keyring's arena: an opaque key pair plus
// the role flags and lifetime timestamps spec.md 3 describes. Grounded on
// structs.go's DnssecKey, trimmed of the SQL-persistence fields that
// belong to the (out of scope) on-disk key store and kept only the
// in-memory attributes the core's contract (spec.md 4.1) actually needs.
type SigningKey struct {
	ID int32

	Algorithm uint8
	KeyTag    uint16
	DNSKEY    dns.DNSKEY
	Signer    crypto.Signer // nil if Offline

	KSK      bool
	Revoked  bool
	Offline  bool // loaded key object has only the public half
	Inactive bool // marked inactive by the loader (e.g. past InactiveAt)
	Foreign  bool // placeholder added by Reconcile for a published DNSKEY we don't hold

	Created, Publish, Activate, InactiveAt, Revoke, Delete time.Time

	PredecessorID int32
	SuccessorID   int32

	// FormatVersionByte is the legacy one-byte "format version" field
	// from the private-key file, whose meaning beyond "format version" is
	// undocumented (spec.md 9). It is round-tripped verbatim and never
	// interpreted.
	FormatVersionByte byte
}

// Keyring materialises the active key set for one zone: loading,
// reconciling against the published DNSKEY RRset, and answering the
// signing/publishing/offline queries C2/C3 need. Grounded on structs.go's
// DnssecKeys/PrivateKeyCache and key_ops.go's merge-by-tag-keep-private
// idiom, generalized from SIG(0) transaction keys to DNSSEC KSK/ZSK keys.
type Keyring struct {
	mu    sync.RWMutex
	arena []*SigningKey
	// byTagAlg indexes arena by (keytag,algorithm) since two different
	// algorithms can coincidentally share a key tag.
	byTagAlg map[[2]uint16]int32

	// signedThisRun tracks, for the duration of one signing run, which
	// key ids have already produced an RRSIG for a given (name,type) —
	// the bookkeeping spec.md 4.1's predecessor-suppression rule needs
	// ("if a predecessor ZSK ... already signed this RRset ... skip").
	signedThisRun map[string]map[int32]bool
	runMu         sync.Mutex
}

// NewKeyring returns an empty Keyring ready for Load.
func NewKeyring() *Keyring {
	return &Keyring{
		byTagAlg:      map[[2]uint16]int32{},
		signedThisRun: map[string]map[int32]bool{},
	}
}

// Load materialises candidate keys for origin. Per spec.md 4.1 "Failure":
// duplicate key files (same id and algorithm) are merged, retaining the
// one with private material; a key whose own DNSKEY owner name differs
// from origin fails loading fatally.
func (kr *Keyring) Load(origin string, keys []*SigningKey) error {
	origin = CanonicalName(origin)
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for _, k := range keys {
		if owner := CanonicalName(k.DNSKEY.Header().Name); owner != "" && owner != origin {
			return newFatal(ErrCorruptZone, origin, owner,
				"key tag %d has origin %q, expected zone origin %q", k.KeyTag, owner, origin)
		}
		tagAlg := [2]uint16{k.KeyTag, uint16(k.Algorithm)}
		if existingID, dup := kr.byTagAlg[tagAlg]; dup {
			existing := kr.arena[existingID]
			if existing.Signer == nil && k.Signer != nil {
				// the newly loaded file carries private material; keep it
				k.ID = existingID
				k.PredecessorID = existing.PredecessorID
				k.SuccessorID = existing.SuccessorID
				kr.arena[existingID] = k
			}
			// else: keep whichever we already have (it already has
			// private material, or neither does and order doesn't matter)
			continue
		}
		k.ID = int32(len(kr.arena))
		k.PredecessorID = noKey
		k.SuccessorID = noKey
		kr.arena = append(kr.arena, k)
		kr.byTagAlg[tagAlg] = k.ID
	}
	return nil
}

// LinkRollover records that predecessor's successor is successor and vice
// versa, by key tag/algorithm. Both keys must already be loaded.
func (kr *Keyring) LinkRollover(predecessorTag, successorTag uint16, algorithm uint8) bool {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	p, ok1 := kr.byTagAlg[[2]uint16{predecessorTag, uint16(algorithm)}]
	s, ok2 := kr.byTagAlg[[2]uint16{successorTag, uint16(algorithm)}]
	if !ok1 || !ok2 {
		return false
	}
	kr.arena[p].SuccessorID = s
	kr.arena[s].PredecessorID = p
	return true
}

// Reconcile adds Foreign placeholders for published DNSKEYs this Keyring
// doesn't hold, so RRSIGs made by keys we don't possess can be correctly
// retained (spec.md 4.1 contract (b)). Keys the Keyring already holds are
// left unchanged: nothing records which of them appear in the published
// DNSKEY RRset.
func (kr *Keyring) Reconcile(origin string, dnskeys RRset) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	origin = CanonicalName(origin)
	present := map[[2]uint16]bool{}
	for _, rr := range dnskeys.RRs {
		dk, ok := rr.(*dns.DNSKEY)
		if !ok {
			continue
		}
		tag := dk.KeyTag()
		tagAlg := [2]uint16{tag, uint16(dk.Algorithm)}
		present[tagAlg] = true
		if _, known := kr.byTagAlg[tagAlg]; known {
			continue
		}
		fk := &SigningKey{
			ID:            int32(len(kr.arena)),
			Algorithm:     dk.Algorithm,
			KeyTag:        tag,
			DNSKEY:        *dk,
			KSK:           dk.Flags&0x0001 != 0,
			Revoked:       dk.Flags&0x0080 != 0,
			Offline:       true,
			Foreign:       true,
			PredecessorID: noKey,
			SuccessorID:   noKey,
		}
		kr.arena = append(kr.arena, fk)
		kr.byTagAlg[tagAlg] = fk.ID
	}
	return nil
}

// ByTag returns the key with the given (tag,algorithm), if known. Per
// spec.md 4.1 "offline keys may still be looked up by tag to explain
// existing RRSIGs".
func (kr *Keyring) ByTag(tag uint16, algorithm uint8) (*SigningKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	id, ok := kr.byTagAlg[[2]uint16{tag, uint16(algorithm)}]
	if !ok {
		return nil, false
	}
	return kr.arena[id], true
}

// All returns every loaded key (including Foreign placeholders).
func (kr *Keyring) All() []*SigningKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]*SigningKey, len(kr.arena))
	copy(out, kr.arena)
	return out
}

// Predecessor/Successor resolve a key's arena-indexed links, returning
// (nil,false) for the sentinel.
func (kr *Keyring) Predecessor(k *SigningKey) (*SigningKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if k.PredecessorID == noKey {
		return nil, false
	}
	return kr.arena[k.PredecessorID], true
}

func (kr *Keyring) Successor(k *SigningKey) (*SigningKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if k.SuccessorID == noKey {
		return nil, false
	}
	return kr.arena[k.SuccessorID], true
}

// IsPublishing reports spec.md 4.1: "publishing if (force-publish OR
// policy says published-at-now) AND NOT hint-remove." This core has no
// separate force-publish/hint-remove signal beyond the lifetime fields, so
// "published-at-now" is Publish <= now < Delete (or Delete zero = never).
func (kr *Keyring) IsPublishing(k *SigningKey, now time.Time) bool {
	if !k.Publish.IsZero() && now.Before(k.Publish) {
		return false
	}
	if !k.Delete.IsZero() && !now.Before(k.Delete) {
		return false
	}
	return true
}

// IsSigning reports spec.md 4.1: "signing if force-sign OR policy says
// active-at-now" — Activate <= now < InactiveAt (or InactiveAt zero =
// still active).
func (kr *Keyring) IsSigning(k *SigningKey, now time.Time) bool {
	if k.Offline || k.Revoked {
		return false
	}
	if !k.Activate.IsZero() && now.Before(k.Activate) {
		return false
	}
	if !k.InactiveAt.IsZero() && !now.Before(k.InactiveAt) {
		return false
	}
	return true
}

// IsSigningKSK / IsSigningZSK apply the role-flag half of IsSigning.
func (kr *Keyring) IsSigningKSK(k *SigningKey, now time.Time) bool {
	return k.KSK && kr.IsSigning(k, now)
}

func (kr *Keyring) IsSigningZSK(k *SigningKey, now time.Time) bool {
	return !k.KSK && kr.IsSigning(k, now)
}

// beginRun resets the per-run predecessor-suppression bookkeeping. Call
// once before a full sign or incremental resign starts.
func (kr *Keyring) beginRun() {
	kr.runMu.Lock()
	kr.signedThisRun = map[string]map[int32]bool{}
	kr.runMu.Unlock()
}

// PredecessorAlreadySigned implements spec.md 4.1's seamless-ZSK-rollover
// rule: "if a predecessor ZSK ... already signed this RRset (recorded
// during this run), skip the current key."
func (kr *Keyring) PredecessorAlreadySigned(name string, rrtype uint16, k *SigningKey) bool {
	pred, ok := kr.Predecessor(k)
	if !ok {
		return false
	}
	key := rrsetKey(name, rrtype)
	kr.runMu.Lock()
	defer kr.runMu.Unlock()
	return kr.signedThisRun[key][pred.ID]
}

// MarkSigned records that key k produced an RRSIG for (name,rrtype) during
// the current run.
func (kr *Keyring) MarkSigned(name string, rrtype uint16, k *SigningKey) {
	key := rrsetKey(name, rrtype)
	kr.runMu.Lock()
	defer kr.runMu.Unlock()
	m, ok := kr.signedThisRun[key]
	if !ok {
		m = map[int32]bool{}
		kr.signedThisRun[key] = m
	}
	m[k.ID] = true
}
