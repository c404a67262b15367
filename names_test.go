/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import "testing"

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"Example.COM.": "example.com.",
		"example.com":  "example.com.",
		".":            ".",
	}
	for in, want := range cases {
		if got := CanonicalName(in); got != want {
			t.Errorf("CanonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompareCanonicalOrdering(t *testing.T) {
	// RFC 4034 6.1 example ordering.
	names := []string{
		"example.",
		"a.example.",
		"yljkjljk.a.example.",
		"Z.a.example.",
		"zABC.a.EXAMPLE.",
		"z.example.",
		"\\001.z.example.",
		"*.z.example.",
		"\\200.z.example.",
	}
	for i := 0; i < len(names)-1; i++ {
		if !LessCanonical(CanonicalName(names[i]), CanonicalName(names[i+1])) {
			t.Errorf("expected %q < %q in canonical order", names[i], names[i+1])
		}
	}
}

func TestIsSubdomainOf(t *testing.T) {
	if !IsSubdomainOf("www.example.com.", "example.com.") {
		t.Error("www.example.com. should be a subdomain of example.com.")
	}
	if !IsSubdomainOf("example.com.", "example.com.") {
		t.Error("a name is a subdomain of itself")
	}
	if IsSubdomainOf("example.org.", "example.com.") {
		t.Error("example.org. is not a subdomain of example.com.")
	}
}

func TestParentName(t *testing.T) {
	if got := ParentName("www.example.com."); got != "example.com." {
		t.Errorf("ParentName(www.example.com.) = %q, want example.com.", got)
	}
	if got := ParentName("."); got != "" {
		t.Errorf("ParentName(.) = %q, want empty", got)
	}
}

func TestIsWildcard(t *testing.T) {
	if !IsWildcard("*.example.com.") {
		t.Error("*.example.com. should be a wildcard")
	}
	if IsWildcard("www.example.com.") {
		t.Error("www.example.com. is not a wildcard")
	}
}

func TestWildcardLabelCount(t *testing.T) {
	if got := WildcardLabelCount("*.example.com."); got != 1 {
		t.Errorf("WildcardLabelCount(*.example.com.) = %d, want 1", got)
	}
	if got := WildcardLabelCount("www.example.com."); got != 0 {
		t.Errorf("WildcardLabelCount(www.example.com.) = %d, want 0", got)
	}
}
