/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"sort"

	"github.com/miekg/dns"
)

// DiffOp classifies one entry in an incremental zone update, grounded on
// the (now-removed, separately-moduled) ixfr package's DiffSequence
// concept, reimplemented here directly against RRset/Zone rather than a
// wire-format IXFR message: this core only needs "what changed", not "how
// to serialize the change as an IXFR response".
type DiffOp int

const (
	DiffAdd DiffOp = iota
	DiffDelete
	DiffAddResign   // an rrset was added and needs a fresh signature
	DiffDeleteResign // an rrset was deleted; any chain node referencing it must be rebuilt
)

// DiffTuple is one unit of incremental change, per spec.md 4.7's contract:
// the caller supplies a list of these (typically the difference between
// two zone versions) instead of triggering a full walk.
type DiffTuple struct {
	Op     DiffOp
	Name   string
	Type   uint16
	TTL    uint32
	Rdata  dns.RR
}

// ResignPhase names the 8 explicit phases of spec.md 4.7's continuation
// state machine. Each call to ContinueResign performs work until either
// the phase is exhausted (advancing to the next) or the signature budget
// for this call is spent (yielding with the same phase so the caller can
// resume later).
type ResignPhase int

const (
	PhaseSignUpdates ResignPhase = iota
	PhaseRemoveOrphaned
	PhaseBuildChain
	PhaseProcessNsec
	PhaseSignNsec
	PhaseUpdateNsec3
	PhaseProcessNsec3
	PhaseSignNsec3
	PhaseDone
)

// signBudgetPerCall caps the number of fresh RRSIGs one ContinueResign
// call will produce before yielding, per spec.md 4.7 ("yields back to the
// caller after approximately 100 signature operations").
const signBudgetPerCall = 100

// ResignState is the continuation object spec.md 4.7 describes: callers
// hold onto it across calls to ContinueResign until Phase reaches
// PhaseDone. It is small and serializable (see keycache.go's
// resign_checkpoints table) so a long incremental resign can survive a
// process restart.
type ResignState struct {
	Phase ResignPhase

	// Pending holds tuples not yet consumed by PhaseSignUpdates. It is not
	// persisted by keycache.go's checkpointing (dns.RR is an interface and
	// does not round-trip through encoding/json): a process restart mid
	// PhaseSignUpdates re-supplies the original diff and replays it, which
	// is idempotent since insertRdata/removeRdata key off rdata equality.
	Pending []DiffTuple `json:"-"`
	Touched []string    // owner names touched so far, for PhaseBuildChain's scope

	// AffectedNames is the minimal diff-derived set PhaseBuildChain computes
	// for phaseSignChain to iterate: every touched name plus its canonical
	// predecessor, since an NSEC/NSEC3 chain link into a touched name also
	// changes the record immediately before it. Computed once, consumed by
	// both PhaseSignNsec and PhaseSignNsec3 (spec.md 4.7 phases 3-4).
	AffectedNames []string

	// nsecCursor/nsec3Cursor track how far PhaseProcessNsec/PhaseProcessNsec3
	// have walked into the (already canonically-sorted) AffectedNames list,
	// so a yield mid-phase resumes at the right offset.
	nsecCursor  int
	nsec3Cursor int

	signedThisCall int
}

// NewResignState seeds a continuation from a caller-supplied diff.
func NewResignState(diff []DiffTuple) *ResignState {
	return &ResignState{Phase: PhaseSignUpdates, Pending: diff}
}

// ContinueResign advances state by one slice of work, applying at most
// signBudgetPerCall signing operations before yielding. Returns true once
// state.Phase == PhaseDone. When ctx.KeyCache is set, a yield checkpoints
// state to sqlite so a killed process can resume from the last completed
// phase instead of restarting (keycache.go's resign_checkpoints table), and
// reaching PhaseDone clears that checkpoint.
func ContinueResign(ctx *SignContext, state *ResignState) (bool, error) {
	state.signedThisCall = 0
	for state.Phase != PhaseDone {
		yield, err := runResignPhase(ctx, state)
		if err != nil {
			return false, err
		}
		if yield {
			if ctx.KeyCache != nil {
				if cerr := ctx.KeyCache.SaveCheckpoint(ctx.Zone.Origin, state, ctx.Now.Unix()); cerr != nil {
					ctx.Logger.Printf("checkpoint save failed for %s: %v", ctx.Zone.Origin, cerr)
				}
			}
			return false, nil
		}
		if ctx.Cancelled() {
			return false, newLocal(ErrCancelled, ctx.Zone.Origin, "", "incremental resign cancelled mid-phase %v", state.Phase)
		}
	}
	if ctx.KeyCache != nil {
		if cerr := ctx.KeyCache.ClearCheckpoint(ctx.Zone.Origin); cerr != nil {
			ctx.Logger.Printf("checkpoint clear failed for %s: %v", ctx.Zone.Origin, cerr)
		}
	}
	return true, nil
}

// runResignPhase executes (or resumes) the current phase, returning
// yield=true if the signature budget ran out before the phase finished.
func runResignPhase(ctx *SignContext, state *ResignState) (yield bool, err error) {
	switch state.Phase {

	case PhaseSignUpdates:
		return phaseSignUpdates(ctx, state)

	case PhaseRemoveOrphaned:
		phaseRemoveOrphaned(ctx, state)
		state.Phase = PhaseBuildChain
		return false, nil

	case PhaseBuildChain:
		// Compute the minimal affected set (spec.md 4.7 phases 3-4): every
		// touched name plus its canonical predecessor, since a chain link
		// pointing into a touched name also changes at the node before it.
		// This is cheap and structural; it never consumes signing budget.
		state.AffectedNames = affectedNames(ctx.Zone, state.Touched)
		state.Phase = PhaseProcessNsec
		if ctx.Zone.NSEC3 {
			state.Phase = PhaseProcessNsec3
		}
		return false, nil

	case PhaseProcessNsec:
		if err := BuildNsecChain(ctx); err != nil {
			return false, err
		}
		state.Phase = PhaseSignNsec
		return false, nil

	case PhaseSignNsec:
		return phaseSignChain(ctx, state, dns.TypeNSEC, PhaseDone)

	case PhaseUpdateNsec3:
		state.Phase = PhaseProcessNsec3
		return false, nil

	case PhaseProcessNsec3:
		if err := BuildNsec3Chain(ctx); err != nil {
			return false, err
		}
		state.Phase = PhaseSignNsec3
		return false, nil

	case PhaseSignNsec3:
		return phaseSignChain(ctx, state, dns.TypeNSEC3, PhaseDone)
	}
	return false, nil
}

// phaseSignUpdates consumes state.Pending, applying each tuple to the zone
// tree and queuing its owner name in state.Touched, then signs every
// directly-affected RRset. Consumed tuples are removed from Pending so a
// resumed call doesn't redo them.
func phaseSignUpdates(ctx *SignContext, state *ResignState) (bool, error) {
	touchedSet := map[string]bool{}
	for _, n := range state.Touched {
		touchedSet[n] = true
	}

	i := 0
	for ; i < len(state.Pending); i++ {
		if state.signedThisCall >= signBudgetPerCall {
			state.Pending = state.Pending[i:]
			return true, nil
		}
		tuple := state.Pending[i]
		name := CanonicalName(tuple.Name)

		switch tuple.Op {
		case DiffDelete, DiffDeleteResign:
			if owner, ok := ctx.Zone.GetOwner(name); ok {
				removeRdata(owner, tuple.Type, tuple.Rdata)
				ctx.Zone.RemoveOwnerIfEmpty(name)
			}
		case DiffAdd, DiffAddResign:
			owner := ctx.Zone.GetOrCreateOwner(name)
			insertRdata(owner, tuple.Type, tuple.Rdata, tuple.TTL, ctx.Policy.MaxTTL)
		}

		if !touchedSet[name] {
			touchedSet[name] = true
			state.Touched = append(state.Touched, name)
		}

		if owner, ok := ctx.Zone.GetOwner(name); ok {
			decision, err := signNode(ctx, owner, tuple.Type)
			if err != nil {
				return false, err
			}
			if decision != nil {
				applySignDecision(ctx, owner, tuple.Type, decision)
				state.signedThisCall += len(decision.SignWith)
			}
		}
	}
	state.Pending = nil
	state.Phase = PhaseRemoveOrphaned
	return false, nil
}

// phaseRemoveOrphaned drops RRSIGs from unknown keys across every touched
// name, per spec.md 4.7's explicit "remove_orphaned" phase.
func phaseRemoveOrphaned(ctx *SignContext, state *ResignState) {
	for _, name := range state.Touched {
		owner, ok := ctx.Zone.GetOwner(name)
		if !ok {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			var orphanTags []uint16
			for _, rr := range rrset.RRSIGs {
				sig, ok := rr.(*dns.RRSIG)
				if !ok {
					continue
				}
				if _, known := ctx.Keyring.ByTag(sig.KeyTag, sig.Algorithm); !known {
					orphanTags = append(orphanTags, sig.KeyTag)
				}
			}
			for _, tag := range orphanTags {
				rrset.DropRRSIGByTag(tag)
			}
			if len(orphanTags) > 0 {
				owner.RRtypes.Set(rrtype, rrset)
			}
		}
	}
}

// affectedNames expands touched into the minimal diff-derived set
// phaseSignChain should re-sign: every touched name, plus its immediate
// canonical predecessor among the zone's current owner names, since an
// NSEC/NSEC3 chain link into a touched name also changes the record
// immediately before it. Grounded on spec.md 4.7's "recomputes the minimal
// set of NSEC/NSEC3 ... changes" contract.
func affectedNames(z *Zone, touched []string) []string {
	all := z.OwnerNames() // already canonically sorted
	touchedSet := make(map[string]bool, len(touched))
	for _, n := range touched {
		touchedSet[CanonicalName(n)] = true
	}

	affected := map[string]bool{}
	for i, name := range all {
		if !touchedSet[name] {
			continue
		}
		affected[name] = true
		if i > 0 {
			affected[all[i-1]] = true // canonical predecessor
		}
	}

	out := make([]string, 0, len(affected))
	for n := range affected {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return LessCanonical(out[i], out[j]) })
	return out
}

// phaseSignChain signs every NSEC/NSEC3 RRset produced by the chain-build
// phase for the affected names, resuming at state.nsecCursor/nsec3Cursor
// across yields, then advances to done.
func phaseSignChain(ctx *SignContext, state *ResignState, rrtype uint16, next ResignPhase) (bool, error) {
	cursor := &state.nsecCursor
	if rrtype == dns.TypeNSEC3 {
		cursor = &state.nsec3Cursor
	}
	names := state.AffectedNames
	for ; *cursor < len(names); *cursor++ {
		if state.signedThisCall >= signBudgetPerCall {
			return true, nil
		}
		owner, ok := ctx.Zone.GetOwner(names[*cursor])
		if !ok {
			continue
		}
		decision, err := signNode(ctx, owner, rrtype)
		if err != nil {
			return false, err
		}
		if decision != nil {
			applySignDecision(ctx, owner, rrtype, decision)
			state.signedThisCall += len(decision.SignWith)
		}
	}
	state.Phase = next
	return false, nil
}

// applySignDecision signs with every key in decision.SignWith and commits
// both the drops and the new signatures to owner's RRTypeStore.
func applySignDecision(ctx *SignContext, owner *OwnerData, rrtype uint16, decision *SignDecision) {
	rrset, ok := owner.RRtypes.Get(rrtype)
	if !ok {
		return
	}
	for _, tag := range decision.DropKeyTags {
		rrset.DropRRSIGByTag(tag)
	}
	basis := RRExpiration
	switch rrtype {
	case dns.TypeDNSKEY:
		basis = DnskeyExpiration
	case dns.TypeSOA:
		basis = SoaExpiration
	}
	for _, key := range decision.SignWith {
		sig, err := SignRRset(ctx, rrset, key, basis)
		if err != nil {
			ctx.Logger.Printf("skip signing %s/%s with key %s: %v", owner.Name, dns.TypeToString[rrtype], fmtKeyTag(key), err)
			continue
		}
		rrset.RRSIGs = append(rrset.RRSIGs, sig)
	}
	owner.RRtypes.Set(rrtype, rrset)
}

// insertRdata adds rdata into owner's RRset for rrtype, creating the RRset
// if absent. An RR whose rdata is already present is not added again.
func insertRdata(owner *OwnerData, rrtype uint16, rdata dns.RR, ttl, maxTTL uint32) {
	rrset, ok := owner.RRtypes.Get(rrtype)
	if !ok {
		rrset = NewRRset(owner.Name, rrtype, nil, maxTTL)
	}
	rr := dns.Copy(rdata)
	rr.Header().Ttl = ttl
	rr.Header().Name = owner.Name
	for _, existing := range rrset.RRs {
		if dns.IsDuplicate(existing, rr) {
			return
		}
	}
	rrset.RRs = append(rrset.RRs, rr)
	owner.RRtypes.Set(rrtype, rrset)
}

// removeRdata deletes any RR in owner's rrtype RRset whose rdata matches
// the given RR (dns.IsDuplicate compares rdata, ignoring header TTL).
func removeRdata(owner *OwnerData, rrtype uint16, rdata dns.RR) {
	rrset, ok := owner.RRtypes.Get(rrtype)
	if !ok {
		return
	}
	kept := rrset.RRs[:0]
	for _, rr := range rrset.RRs {
		if dns.IsDuplicate(rr, rdata) {
			continue
		}
		kept = append(kept, rr)
	}
	rrset.RRs = kept
	if len(rrset.RRs) == 0 {
		owner.RRtypes.Delete(rrtype)
	} else {
		owner.RRtypes.Set(rrtype, rrset)
	}
}
