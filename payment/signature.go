package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of msg under secret.
func Sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports ErrSignatureMismatch unless signature is the hex
// HMAC-SHA256 of msg under secret.
func Verify(secret string, msg []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrSignatureMismatch
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// CheckoutMessage is the payload a checkout signature covers.
func CheckoutMessage(orderReference, paymentReference string) []byte {
	return []byte(orderReference + "|" + paymentReference)
}
