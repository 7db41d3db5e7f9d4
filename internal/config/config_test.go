package config

import (
	"bytes"
	"testing"
)

func TestResolveEtherType_DefaultAndParsing(t *testing.T) {
	cases := []struct {
		in   string
		want uint16
	}{
		{"", DefaultEtherType},
		{"0x88B5", 0x88B5},
		{"35003", 35003},
	}
	for _, c := range cases {
		got, err := resolveEtherType(c.in)
		if err != nil {
			t.Fatalf("resolveEtherType(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("resolveEtherType(%q) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestResolveEtherType_Invalid(t *testing.T) {
	if _, err := resolveEtherType("not-a-number"); err == nil {
		t.Fatal("expected error for invalid ETHER_TYPE")
	}
}

func TestResolveAlias_DefaultsWhenEmpty(t *testing.T) {
	if got := resolveAlias("custom-name"); got != "custom-name" {
		t.Errorf("resolveAlias(custom) = %q", got)
	}
	if got := resolveAlias(""); got == "" {
		t.Error("expected a non-empty fallback alias")
	}
}

func TestResolvePSK_RawUTF8(t *testing.T) {
	psk, err := resolvePSK("correct horse battery staple")
	if err != nil {
		t.Fatalf("resolvePSK: %v", err)
	}
	if string(psk) != "correct horse battery staple" {
		t.Errorf("psk = %q", psk)
	}
}

func TestResolvePSK_HexPrefixed(t *testing.T) {
	psk, err := resolvePSK("0xdeadbeef")
	if err != nil {
		t.Fatalf("resolvePSK: %v", err)
	}
	if !bytes.Equal(psk, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("psk = %x", psk)
	}
}

func TestResolvePSK_PlainHex(t *testing.T) {
	psk, err := resolvePSK("deadbeef")
	if err != nil {
		t.Fatalf("resolvePSK: %v", err)
	}
	if !bytes.Equal(psk, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("psk = %x", psk)
	}
}

func TestResolvePSK_OddLengthHexLikeStringTreatedAsUTF8(t *testing.T) {
	// Odd length disqualifies it from the plain-hex path, so it's raw text.
	psk, err := resolvePSK("abc")
	if err != nil {
		t.Fatalf("resolvePSK: %v", err)
	}
	if string(psk) != "abc" {
		t.Errorf("psk = %q, want raw utf8 fallback", psk)
	}
}

func TestResolvePSK_Empty(t *testing.T) {
	if _, err := resolvePSK(""); err == nil {
		t.Fatal("expected error for empty PSK")
	}
}

func TestResolveChunkSize_DefaultAndParsing(t *testing.T) {
	got, err := resolveChunkSize("")
	if err != nil || got != DefaultChunkSize {
		t.Fatalf("resolveChunkSize(\"\") = %d, %v", got, err)
	}

	got, err = resolveChunkSize("1200")
	if err != nil || got != 1200 {
		t.Fatalf("resolveChunkSize(\"1200\") = %d, %v", got, err)
	}
}

func TestResolveChunkSize_RejectsNonPositive(t *testing.T) {
	for _, v := range []string{"0", "-5", "nope"} {
		if _, err := resolveChunkSize(v); err == nil {
			t.Errorf("resolveChunkSize(%q) expected error", v)
		}
	}
}

func TestIsPlainHex(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"deadbeef", true},
		{"DEADBEEF", true},
		{"abc", false},  // odd length
		{"zzzz", false}, // not hex digits
		{"", false},
	}
	for _, c := range cases {
		if got := isPlainHex(c.in); got != c.want {
			t.Errorf("isPlainHex(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
