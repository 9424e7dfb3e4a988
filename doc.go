// Package regflow gates a paid registration behind an emailed one-time code
// and reconciles it against a payment provider whose confirmations arrive
// asynchronously and may be delivered more than once.
//
// The package is the public surface: [Engine], [Builder], [Config], the
// typed [Error] taxonomy and the collaborator interfaces ([CodeSender],
// [RegistrationNotifier]). Engine methods are safe for concurrent use after
// [Builder.Build].
//
// # Flow
//
//	IssueChallenge -> VerifyChallenge -> InitiatePayment -> ReconcilePayment
//	                                                     \-> ConfirmPayment
//
// Codes live in Redis with a TTL, a cooldown marker and an attempt counter.
// Registrations live in a durable ledger ([ledger.Store]) and move through a
// forward-only state machine under compare-and-set. Webhook deliveries are
// idempotent on the payment reference.
//
// # Architecture boundaries
//
// Redis access, rate limiting and audit dispatch live under internal/.
// Storage backends live under ledger/, the payment provider under payment/.
// Nothing in this package performs I/O outside Engine methods.
package regflow
