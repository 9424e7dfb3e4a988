package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() regflow.MetricsSnapshot
	AuditDropped() uint64
}

// histogramGauges carries one bucket gauge keyed by an "le" attribute, which
// keeps the instrument count independent of the bucket layout.
type histogramGauges struct {
	id      regflow.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes engine snapshots through asynchronous instruments.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	counters     map[regflow.MetricID]metric.Int64ObservableCounter
	histograms   []histogramGauges
	auditDropped metric.Int64ObservableCounter
	bucketAttrs  []metric.ObserveOption
}

func NewOTelExporter(meter metric.Meter, engine *regflow.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[regflow.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}
	for _, le := range internaldefs.HistogramBounds {
		e.bucketAttrs = append(e.bucketAttrs, metric.WithAttributes(attribute.String("le", le)))
	}

	var observables []metric.Observable
	for _, def := range internaldefs.CounterDefs {
		c, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = c
		observables = append(observables, c)
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."))
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples."))
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, histogramGauges{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", internaldefs.AuditDroppedName, err)
	}
	e.auditDropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for id, c := range e.counters {
		o.ObserveInt64(c, int64(snap.Counters[id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		for i, v := range cumulative {
			o.ObserveInt64(h.buckets, int64(v), e.bucketAttrs[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
