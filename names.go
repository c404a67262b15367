/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"strings"

	"github.com/miekg/dns"
)

// CanonicalName lowercases and FQDNs a name for use as a map/lookup key.
// Equality comparisons across the signer are always done on this form.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// IsWildcard reports whether name's leftmost label is "*".
func IsWildcard(name string) bool {
	return strings.HasPrefix(name, "*.") || name == "*."
}

// WildcardLabelCount returns the number of wildcard labels at the front of
// owner: 1 if its leftmost label is "*", 0 otherwise. SignRRset subtracts it
// from dns.CountLabel so that an RRSIG's Labels field never counts the
// wildcard label (RFC 4034 3.1.3).
func WildcardLabelCount(owner string) int {
	if IsWildcard(owner) {
		return 1
	}
	return 0
}

// reversedLabels splits name into its labels (left to right, e.g.
// ["www","example","com"] for www.example.com.) and reverses them so the
// most significant (rightmost) label comes first.
func reversedLabels(name string) []string {
	labels := dns.SplitDomainName(name)
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return labels
}

// compareLabelBytes implements the length-prefixed, case-folded byte
// comparison of one label pair per RFC 4034 6.1: shorter is less only if it
// is a strict prefix of the longer, otherwise the first differing octet
// decides.
func compareLabelBytes(x, y string) int {
	// Compare wire octets, not presentation text: "\001" is the single
	// octet 0x01, not the four characters of its escape.
	raw := [2]string{x, y}
	for i, l := range raw {
		buf := make([]byte, 256)
		if off, err := dns.PackDomainName(l+".", buf, 0, nil, false); err == nil && off > 2 {
			raw[i] = string(buf[1 : off-1])
		}
	}
	x, y = raw[0], raw[1]
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	for i := 0; i < n; i++ {
		if x[i] != y[i] {
			if x[i] < y[i] {
				return -1
			}
			return 1
		}
	}
	return len(x) - len(y)
}

// CompareCanonical orders two names per DNSSEC canonical order: reverse
// label sequence, case-folded, label-by-label length-prefixed compare. It
// returns <0, 0, >0 as a.Compare(b) would.
func CompareCanonical(a, b string) int {
	la := reversedLabels(CanonicalName(a))
	lb := reversedLabels(CanonicalName(b))
	n := len(la)
	if len(lb) < n {
		n = len(lb)
	}
	for i := 0; i < n; i++ {
		if c := compareLabelBytes(la[i], lb[i]); c != 0 {
			return c
		}
	}
	return len(la) - len(lb)
}

// LessCanonical is CompareCanonical as a sort.Slice-style less function.
func LessCanonical(a, b string) bool {
	return CompareCanonical(a, b) < 0
}

// IsSubdomainOf reports whether name is equal to or a proper descendant of
// origin in canonical terms.
func IsSubdomainOf(name, origin string) bool {
	return dns.IsSubDomain(CanonicalName(origin), CanonicalName(name))
}

// ParentName returns the immediate parent of name, or "" if name is the
// root.
func ParentName(name string) string {
	name = CanonicalName(name)
	if name == "." {
		return ""
	}
	labels := dns.SplitDomainName(name)
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}

// CommonSuffixLabels returns the number of labels a and b share as a
// common suffix, counted from the root inward.
func CommonSuffixLabels(a, b string) int {
	la := reversedLabels(CanonicalName(a))
	lb := reversedLabels(CanonicalName(b))
	n := 0
	for n < len(la) && n < len(lb) && compareLabelBytes(la[n], lb[n]) == 0 {
		n++
	}
	return n
}

// SuffixWithLabels returns the FQDN consisting of the rightmost n labels of
// name (n==0 returns the root).
func SuffixWithLabels(name string, n int) string {
	labels := reversedLabels(CanonicalName(name))
	if n > len(labels) {
		n = len(labels)
	}
	kept := make([]string, n)
	for i := 0; i < n; i++ {
		kept[i] = labels[n-1-i]
	}
	if len(kept) == 0 {
		return "."
	}
	return dns.Fqdn(strings.Join(kept, "."))
}
