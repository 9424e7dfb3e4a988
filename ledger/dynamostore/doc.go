// Package dynamostore is a ledger.Store on a single DynamoDB table.
//
// Every registration lives under pk "REG#<identity>". Order and payment
// references are claimed through guard items ("ORDER#<ref>", "PAYMENT#<ref>")
// written in the same transaction as the state change, so uniqueness holds
// without a secondary index. Transitions are conditional on a revision
// counter stored next to the record.
package dynamostore
