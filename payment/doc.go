// Package payment defines the payment collaborator contract: order creation,
// signature verification for client confirmations and webhooks, and
// decoding of webhook events into ledger outcomes.
//
// Signatures are lowercase hex HMAC-SHA256. Verification is constant time
// and fails closed: an empty secret or signature never verifies.
package payment
