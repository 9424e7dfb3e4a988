// Package prometheus renders engine metrics in Prometheus text exposition
// format.
//
// [NewPrometheusExporter] wraps an [regflow.Engine] and exposes an
// [http.Handler]. Counter names are regflow_*_total; the single histogram is
// regflow_reconcile_latency_seconds. Nothing is registered globally; callers
// mount the Handler.
package prometheus
