/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import "fmt"

// ErrorKind is the eight-member failure taxonomy of spec.md 7.
type ErrorKind uint8

const (
	NoError ErrorKind = iota
	ErrCorruptZone
	ErrCryptographic
	ErrPolicyViolation
	ErrStaleSignature
	ErrOrphanSignature
	ErrDuplicateNsec3Hash
	ErrDiffConflict
	ErrCancelled
)

var errorKindToString = map[ErrorKind]string{
	ErrCorruptZone:        "corrupt-zone",
	ErrCryptographic:      "cryptographic-failure",
	ErrPolicyViolation:    "policy-violation",
	ErrStaleSignature:     "stale-signature",
	ErrOrphanSignature:    "orphan-signature",
	ErrDuplicateNsec3Hash: "duplicate-nsec3-hash",
	ErrDiffConflict:       "diff-conflict",
	ErrCancelled:          "cancelled",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindToString[k]; ok {
		return s
	}
	return "none"
}

// Severity classifies whether a SignError should abort the whole run
// (Fatal) or be handled locally by the component that raised it (Local).
// Per spec.md 7 "Propagation": local errors are logged and consumed;
// fatal errors unwind to the caller.
type Severity uint8

const (
	SeverityLocal Severity = iota
	SeverityFatal
)

// SignError is the error type every fallible call in the core returns,
// generalizing enums.go's (zd *ZoneData) SetError(errtype ErrorType, ...)
// single-slot zone error into the eight-kind taxonomy spec.md 7 requires,
// while keeping the same "attach to a zone/name, carry a formatted message"
// shape.
type SignError struct {
	Kind     ErrorKind
	Severity Severity
	Zone     string
	Name     string
	Msg      string
	Err      error
}

func (e *SignError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: zone %s, name %s: %s", e.Kind, e.Zone, e.Name, e.Msg)
	}
	return fmt.Sprintf("%s: zone %s: %s", e.Kind, e.Zone, e.Msg)
}

func (e *SignError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a *SignError with fatal severity, or is
// not a *SignError at all (an unrecognised error is treated as fatal —
// conservative default matching spec.md 7's "Fatal errors unwind to the
// caller").
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *SignError
	if se2, ok := err.(*SignError); ok {
		se = se2
	}
	if se == nil {
		return true
	}
	return se.Severity == SeverityFatal
}

func newFatal(kind ErrorKind, zone, name, format string, args ...interface{}) *SignError {
	return &SignError{Kind: kind, Severity: SeverityFatal, Zone: zone, Name: name, Msg: fmt.Sprintf(format, args...)}
}

func newLocal(kind ErrorKind, zone, name, format string, args ...interface{}) *SignError {
	return &SignError{Kind: kind, Severity: SeverityLocal, Zone: zone, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// ZoneError is the sticky last-error state attached to a Zone's signing
// run, mirroring enums.go's zd.Error/zd.ErrorType/zd.ErrorMsg trio so a
// caller can inspect "why did the last full sign fail" without threading
// the error value through every layer.
type ZoneError struct {
	Present bool
	Kind    ErrorKind
	Msg     string
}

// SetError records (or, called with NoError, clears) the sticky zone-level
// error state in ctx.LastError. It does not touch ctx.Counters.
func (ctx *SignContext) SetError(kind ErrorKind, format string, args ...interface{}) {
	if kind == NoError {
		ctx.LastError = ZoneError{}
		return
	}
	ctx.LastError = ZoneError{Present: true, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
