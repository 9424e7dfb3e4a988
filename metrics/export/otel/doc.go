// Package otel exposes engine metrics through an OpenTelemetry
// [metric.Meter].
//
// Instruments are observable and read a fresh snapshot on every collection,
// so the hot path never touches the OTel SDK.
package otel
