// Package internaldefs holds the metric names and bucket boundaries shared by
// the Prometheus and OpenTelemetry exporters, so both publish identical
// series.
//
// This package performs no I/O.
package internaldefs
