package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Nonce identifies one challenge issuance. The cooldown marker and the code
// record of the same issuance carry the same nonce.
type Nonce [16]byte

func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("read nonce: %w", err)
	}
	return n, nil
}

// String is unpadded base64url.
func (n Nonce) String() string {
	return base64.RawURLEncoding.EncodeToString(n[:])
}

func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if base64.RawURLEncoding.DecodedLen(len(s)) != len(n) {
		return Nonce{}, fmt.Errorf("nonce %q: want %d bytes", s, len(n))
	}
	if _, err := base64.RawURLEncoding.Decode(n[:], []byte(s)); err != nil {
		return Nonce{}, fmt.Errorf("nonce %q: %w", s, err)
	}
	return n, nil
}

// HashCode returns the digest stored in place of a plaintext code.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// IsNumericCode reports whether code is exactly digits ASCII digits.
func IsNumericCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for _, c := range []byte(code) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NewOTP returns a uniformly random code of the given number of digits.
// Bytes of 250 and above are discarded so every digit is equally likely.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", fmt.Errorf("otp length %d outside [4, 10]", digits)
	}
	out := make([]byte, 0, digits)
	buf := make([]byte, digits*2)
	for len(out) < digits {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read otp entropy: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == digits {
				break
			}
		}
	}
	return string(out), nil
}
