// Package jwt issues and verifies registration tickets: short-lived signed
// tokens that prove an identity completed email verification and may start
// payment.
package jwt
