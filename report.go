/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Report summarises the outcome of one signing run, for the post-sign
// audit trail spec.md 8 implies (counters plus a human-readable account
// of what happened). Grounded on the (now-removed) rr_print.go/
// ttl_utils.go pretty-printers, generalized from per-RR-type print
// functions into one report over the whole run.
type Report struct {
	Zone     string
	Serial   uint32
	Started  time.Time
	Counters Counters
	Error    ZoneError
}

// BuildReport snapshots ctx into a Report.
func BuildReport(ctx *SignContext) Report {
	serial := ctx.Zone.CurrentSerial
	return Report{
		Zone:     ctx.Zone.Origin,
		Serial:   serial,
		Started:  ctx.Now,
		Counters: ctx.Counters.Snapshot(),
		Error:    ctx.LastError,
	}
}

// String renders the report the way a human operator reads a signing log
// line: one summary line, followed by the error line only if present.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zone %s serial %d: signed=%d kept=%d dropped=%d verify_ok=%d verify_fail=%d nsec=%d nsec3=%d",
		r.Zone, r.Serial, r.Counters.Signed, r.Counters.Kept, r.Counters.Dropped,
		r.Counters.VerifyOK, r.Counters.VerifyFail, r.Counters.NsecCount, r.Counters.Nsec3Count)
	if r.Error.Present {
		fmt.Fprintf(&b, " error=%s(%s)", r.Error.Kind, r.Error.Msg)
	}
	return b.String()
}

// ExpirationFromTTL converts a wire-format expiration timestamp into a
// human-readable duration-until string in time.Duration form, used for
// reporting "this RRSIG expires in 86h0m0s".
func ExpirationFromTTL(expiration uint32, now time.Time) string {
	remaining := time.Unix(int64(expiration), 0).Sub(now)
	if remaining < 0 {
		return "expired"
	}
	return remaining.Truncate(time.Second).String()
}

// PrintKey renders one SigningKey the way an operator audit log does:
// tag, algorithm, role, and current lifecycle state.
func PrintKey(k *SigningKey, now time.Time) string {
	role := "ZSK"
	if k.KSK {
		role = "KSK"
	}
	state := "signing"
	switch {
	case k.Revoked:
		state = "revoked"
	case k.Offline:
		state = "offline"
	case k.Foreign:
		state = "foreign"
	case !k.Activate.IsZero() && now.Before(k.Activate):
		state = "pending"
	case !k.InactiveAt.IsZero() && !now.Before(k.InactiveAt):
		state = "inactive"
	}
	return fmt.Sprintf("key %s %s tag=%d alg=%s", role, state, k.KeyTag, algName(k.Algorithm))
}

// PrintRRSIG renders one RRSIG compactly for logging.
func PrintRRSIG(sig *dns.RRSIG, now time.Time) string {
	return fmt.Sprintf("RRSIG %s/%s tag=%d expires_in=%s",
		sig.Hdr.Name, dns.TypeToString[sig.TypeCovered], sig.KeyTag, ExpirationFromTTL(sig.Expiration, now))
}

// PrintSOA renders the apex SOA line for an audit summary.
func PrintSOA(soa *dns.SOA) string {
	return fmt.Sprintf("SOA %s serial=%d refresh=%d retry=%d expire=%d minimum=%d",
		soa.Hdr.Name, soa.Serial, soa.Refresh, soa.Retry, soa.Expire, soa.Minttl)
}
