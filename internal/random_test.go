package internal

import "testing"

func TestNewOTPDigits(t *testing.T) {
	for _, digits := range []int{4, 6, 8, 10} {
		code, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d): %v", digits, err)
		}
		if !IsNumericCode(code, digits) {
			t.Fatalf("NewOTP(%d) = %q, not %d digits", digits, code, digits)
		}
	}
}

func TestNewOTPRejectsBadLength(t *testing.T) {
	for _, digits := range []int{0, 3, 11} {
		if _, err := NewOTP(digits); err == nil {
			t.Fatalf("expected error for %d digits", digits)
		}
	}
}

func TestIsNumericCode(t *testing.T) {
	cases := []struct {
		code string
		ok   bool
	}{
		{"482913", true},
		{"48291", false},
		{"4829133", false},
		{"48291a", false},
		{" 48291", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsNumericCode(tc.code, 6); got != tc.ok {
			t.Fatalf("IsNumericCode(%q) = %v, want %v", tc.code, got, tc.ok)
		}
	}
}

func TestNonceRoundTrip(t *testing.T) {
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	parsed, err := ParseNonce(n.String())
	if err != nil {
		t.Fatalf("ParseNonce: %v", err)
	}
	if parsed != n {
		t.Fatalf("nonce mismatch after round trip")
	}
}

func TestHashCodeDistinguishesCodes(t *testing.T) {
	if HashCode("482913") == HashCode("482910") {
		t.Fatalf("distinct codes must hash differently")
	}
	if HashCode("482913") != HashCode("482913") {
		t.Fatalf("hash must be deterministic")
	}
}

// FuzzParseNonce exercises nonce decoding with arbitrary strings.
// Invalid inputs must return errors, never panic.
func FuzzParseNonce(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("!!!not-base64!!!")
	if n, err := NewNonce(); err == nil {
		f.Add(n.String())
	}

	f.Fuzz(func(t *testing.T, s string) {
		n, err := ParseNonce(s)
		if err != nil {
			return
		}
		if _, err := ParseNonce(n.String()); err != nil {
			t.Fatalf("re-encoded nonce rejected: %v", err)
		}
	})
}
