// Package ledger defines the durable registration record, its payment and
// verification state machine, and the Store contract implemented by
// ledger/sqlstore and ledger/dynamostore.
//
// # State machine
//
//	UNVERIFIED ──► EMAIL_VERIFIED ──► PAYMENT_PENDING ──► PAYMENT_SUCCESS
//	                                      ▲     │               ▲
//	                                      │     ▼               │
//	                                   PAYMENT_FAILED ──────────┘
//
// Every transition is a compare-and-set on the stored state. Nothing leaves
// PAYMENT_SUCCESS.
//
// # What this package must NOT do
//
//   - Talk to the payment gateway or the ephemeral store.
//   - Offer a write path that bypasses [Store.Transition].
package ledger
