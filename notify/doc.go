// Package notify holds the delivery collaborators the engine is wired with:
// an SMTP mailer for codes and confirmations, an SNS publisher for
// confirmation fan-out, and a zerolog sender for local development.
package notify
