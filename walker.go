/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"runtime"
	"sort"
	"sync"

	"github.com/miekg/dns"
)

// WalkResult is the outcome of signing one owner name: the RRSIGs to add
// and the key tags whose RRSIGs must be dropped, across every RRtype
// present at that name.
type WalkResult struct {
	Name     string
	Decided  map[uint16]*SignDecision
	Produced map[uint16][]*dns.RRSIG
	Err      error
}

// sharedIterator is the single mutex-guarded cursor every worker goroutine
// advances, per spec.md 5 "Work distribution": "a fixed-size pool...draws
// the next unprocessed owner name from a single shared iterator guarded by
// one mutex."
type sharedIterator struct {
	mu    sync.Mutex
	names []string
	next  int
}

func (it *sharedIterator) take() (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.next >= len(it.names) {
		return "", false
	}
	n := it.names[it.next]
	it.next++
	return n, true
}

// WalkAndSign runs the full-zone parallel signing pass of spec.md 5: the
// apex is always processed first and alone, on the caller's own
// goroutine (so apex-only state like the DNSKEY RRset and NSEC3PARAM is
// settled before any worker starts), then a fixed pool of NumCPU workers
// drains the shared iterator over every remaining owner name. Results are
// collected into a single mutex-guarded output slice and applied back to
// the zone tree after all workers finish, preserving the documented lock
// order (iterator mutex, then output mutex — no worker ever holds both).
// Grounded on the teacher's resigner.go goroutine-pool shape, replaced
// with an explicit apex-first phase since the teacher relies on RBtree
// iteration order placing the apex first implicitly.
func WalkAndSign(ctx *SignContext) ([]*WalkResult, error) {
	z := ctx.Zone
	ctx.DumpState("walk-start")
	defer ctx.DumpState("walk-end")

	apexResult := signOwner(ctx, z.Origin)
	if apexResult.Err != nil && IsFatal(apexResult.Err) {
		return nil, apexResult.Err
	}

	rest := make([]string, 0, len(z.OwnerNames()))
	for _, n := range z.OwnerNames() {
		if n != z.Origin {
			rest = append(rest, n)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return LessCanonical(rest[i], rest[j]) })

	it := &sharedIterator{names: rest}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	var outMu sync.Mutex
	results := []*WalkResult{apexResult}

	var wg sync.WaitGroup
	var fatalMu sync.Mutex
	var fatalErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Cancelled() {
					return
				}
				name, ok := it.take()
				if !ok {
					return
				}
				res := signOwner(ctx, name)

				outMu.Lock()
				results = append(results, res)
				outMu.Unlock()

				if res.Err != nil && IsFatal(res.Err) {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = res.Err
					}
					fatalMu.Unlock()
					ctx.Cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	if fatalErr != nil {
		return results, fatalErr
	}

	for _, res := range results {
		if res.Err != nil {
			continue
		}
		applyWalkResult(ctx, res)
	}

	return results, nil
}

// signOwner decides and (for locally-held keys) produces signatures for
// every RRtype present at name, without yet mutating the zone tree — the
// actual mutation happens in applyWalkResult after all workers are done,
// so an owner occluded mid-walk by a concurrent structural change can
// never be observed half-updated.
func signOwner(ctx *SignContext, name string) *WalkResult {
	res := &WalkResult{Name: name, Decided: map[uint16]*SignDecision{}, Produced: map[uint16][]*dns.RRSIG{}}

	owner, ok := ctx.Zone.GetOwner(name)
	if !ok {
		return res
	}
	if owner.Name != ctx.Zone.Origin && ctx.Zone.IsOccluded(name) {
		return res
	}

	for _, rrtype := range owner.RRtypes.Keys() {
		if rrtype == dns.TypeRRSIG {
			continue
		}
		decision, err := signNode(ctx, owner, rrtype)
		if err != nil {
			res.Err = err
			return res
		}
		if decision == nil {
			continue
		}
		res.Decided[rrtype] = decision

		rrset, _ := owner.RRtypes.Get(rrtype)
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
				if IsFatal(err) {
					res.Err = err
					return res
				}
				ctx.Logger.Printf("skip signing %s/%s with key %s: %v", name, dns.TypeToString[rrtype], fmtKeyTag(key), err)
				continue
			}
			res.Produced[rrtype] = append(res.Produced[rrtype], sig)
		}
	}
	return res
}

// applyWalkResult commits one owner's decided drops and produced RRSIGs
// back into its RRTypeStore.
func applyWalkResult(ctx *SignContext, res *WalkResult) {
	owner, ok := ctx.Zone.GetOwner(res.Name)
	if !ok {
		return
	}
	for rrtype, decision := range res.Decided {
		rrset, ok := owner.RRtypes.Get(rrtype)
		if !ok {
			continue
		}
		for _, tag := range decision.DropKeyTags {
			rrset.DropRRSIGByTag(tag)
		}
		for _, sig := range res.Produced[rrtype] {
			rrset.RRSIGs = append(rrset.RRSIGs, sig)
		}
		owner.RRtypes.Set(rrtype, rrset)
	}
}
