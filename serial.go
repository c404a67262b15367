/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import "time"

// BumpSerial advances a SOA serial per the four modes of spec.md 6,
// falling back to a plain RFC 1982 increment whenever the chosen mode
// would not actually advance the serial (spec.md 9 "falls back to
// increment if the computed value would not advance the serial").
// Grounded on zone_utils.go's BumpSerial (teacher), generalized across all
// four modes instead of just "increment".
func BumpSerial(mode SerialUpdateMode, current uint32, now time.Time) uint32 {
	var next uint32
	switch mode {
	case SerialKeep:
		return current
	case SerialUnixtime:
		next = uint32(now.Unix())
	case SerialDate:
		next = dateSerial(current, now)
	case SerialIncrement:
		fallthrough
	default:
		next = current + 1
	}
	if !serialGT(next, current) {
		next = current + 1
	}
	return next
}

// dateSerial produces a YYYYMMDDnn-style serial: if current already has
// today's date prefix, bump the two-digit revision counter; otherwise
// start a fresh one at 00.
func dateSerial(current uint32, now time.Time) uint32 {
	datePrefix := uint32(now.Year())*10000 + uint32(now.Month())*100 + uint32(now.Day())
	datePrefix *= 100

	currentPrefix := current / 100 * 100
	if currentPrefix == datePrefix {
		rev := current % 100
		if rev < 99 {
			return datePrefix + rev + 1
		}
		// revision exhausted for today: rolling over to tomorrow's prefix
		// is out of scope here, so fall through to a plain increment.
		return current + 1
	}
	return datePrefix
}

// serialGT implements RFC 1982 serial number arithmetic's "greater than"
// relation (i1 < i2 iff the shorter forward distance from i1 to i2 is
// positive when treated as a signed 32-bit difference).
func serialGT(a, b uint32) bool {
	return int32(a-b) > 0
}
