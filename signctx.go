/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/gookit/goutil/dump"
)

// Counters are the run-scoped, atomically-updated statistics spec.md 8
// scenario 5 refers to ("Counters: dropped += 1, signed += 1") and spec.md
// 4.2's verify-success/verify-fail counters.
type Counters struct {
	Signed      uint64
	Dropped     uint64
	Kept        uint64
	VerifyOK    uint64
	VerifyFail  uint64
	NsecCount   uint64
	Nsec3Count  uint64
}

func (c *Counters) incSigned()     { atomic.AddUint64(&c.Signed, 1) }
func (c *Counters) incDropped()    { atomic.AddUint64(&c.Dropped, 1) }
func (c *Counters) incKept()       { atomic.AddUint64(&c.Kept, 1) }
func (c *Counters) incVerifyOK()   { atomic.AddUint64(&c.VerifyOK, 1) }
func (c *Counters) incVerifyFail() { atomic.AddUint64(&c.VerifyFail, 1) }

// Snapshot returns a copy safe to read without racing further updates.
func (c *Counters) Snapshot() Counters {
	return Counters{
		Signed:     atomic.LoadUint64(&c.Signed),
		Dropped:    atomic.LoadUint64(&c.Dropped),
		Kept:       atomic.LoadUint64(&c.Kept),
		VerifyOK:   atomic.LoadUint64(&c.VerifyOK),
		VerifyFail: atomic.LoadUint64(&c.VerifyFail),
		NsecCount:  atomic.LoadUint64(&c.NsecCount),
		Nsec3Count: atomic.LoadUint64(&c.Nsec3Count),
	}
}

// SignContext is the explicit context value threaded through every
// internal call, replacing the teacher's process-globals (current zone,
// current key list, counters, flags — see global.go) per spec.md 9's
// "Global mutable state" design note. Worker goroutines receive a
// *SignContext and must mutate only through its atomic counters, its
// mutex-guarded output buffer (see walker.go), and per-node RRTypeStores;
// ctx itself is treated as read-only once a walk has started.
type SignContext struct {
	Zone     *Zone
	Keyring  *Keyring
	Policy   *SignerPolicy
	Now      time.Time
	Logger   *log.Logger
	Counters *Counters

	// KeyCache, if set, backs checkpointing of incremental resigns
	// (resigner.go's ContinueResign) and orphan-key diagnostics (policy.go's
	// drop pass) with the sqlite-durable store in keycache.go. Nil means
	// neither feature is available, which is always a safe default.
	KeyCache *KeyCache

	// Verbose enables the debug dump of this context's zone/key state via
	// DumpState, for interactive troubleshooting of a signing run.
	Verbose bool

	LastError ZoneError

	// cancel is polled by every worker between nodes (spec.md 5
	// "Cancellation"); set it with Cancel(), read it with Cancelled().
	cancel int32
}

// NewSignContext builds a SignContext for one signing run.
func NewSignContext(zone *Zone, kr *Keyring, policy *SignerPolicy, now time.Time, logger *log.Logger) *SignContext {
	if logger == nil {
		logger = defaultLogger
	}
	return &SignContext{
		Zone:     zone,
		Keyring:  kr,
		Policy:   policy,
		Now:      now,
		Logger:   logger,
		Counters: &Counters{},
	}
}

// DumpState, when Verbose is set, logs a label line to the context's logger
// and writes a field-by-field dump of this run's counters, policy, and
// loaded keyring to standard output via dump.P; it is a no-op otherwise. Grounded on the teacher's ad-hoc debug-printf style,
// replaced with gookit/goutil's dump.P for structured verbose output
// instead of one-off Printf calls scattered through the package.
func (ctx *SignContext) DumpState(label string) {
	if !ctx.Verbose {
		return
	}
	ctx.Logger.Printf("--- dump: %s ---", label)
	dump.P(ctx.Counters.Snapshot(), ctx.Policy, ctx.Keyring.All())
}

// Cancel requests that all in-flight and future workers stop after
// finishing their current node's output (spec.md 5 "Cancellation").
func (ctx *SignContext) Cancel() { atomic.StoreInt32(&ctx.cancel, 1) }

// Cancelled reports whether Cancel has been called.
func (ctx *SignContext) Cancelled() bool { return atomic.LoadInt32(&ctx.cancel) != 0 }
