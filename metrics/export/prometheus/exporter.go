package prometheus

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() regflow.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

func NewPrometheusExporter(engine *regflow.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any snapshot source. Tests use
// it with fixed snapshots.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render on every request. A disabled engine yields an empty
// 200 body so scrapers do not alert.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(p.render())
	})
}

// Render returns the exposition text, or "" when metrics are disabled.
func (p *PrometheusExporter) Render() string {
	return string(p.render())
}

func (p *PrometheusExporter) render() []byte {
	if p == nil || p.source == nil {
		return nil
	}
	snap := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return nil
	}

	var w exposition
	w.buf.Grow(4096)
	for _, def := range internaldefs.CounterDefs {
		w.family(def.Name, def.Help, "counter")
		w.sample(def.Name, "", snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		w.family(def.Name, def.Help, "histogram")
		for i, le := range internaldefs.HistogramBounds {
			w.sample(def.Name+"_bucket", `le="`+le+`"`, buckets[i])
		}
		w.sample(def.Name+"_count", "", buckets[len(buckets)-1])
		// only bucket counts are tracked, so the sum is not meaningful
		w.sample(def.Name+"_sum", "", 0)
	}
	w.family(internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp, "counter")
	w.sample(internaldefs.AuditDroppedName, "", dropped)
	return w.buf.Bytes()
}

type exposition struct {
	buf bytes.Buffer
}

func (w *exposition) family(name, help, kind string) {
	w.buf.WriteString("# HELP " + name + " " + helpEscaper.Replace(help) + "\n")
	w.buf.WriteString("# TYPE " + name + " " + kind + "\n")
}

func (w *exposition) sample(name, labels string, v uint64) {
	w.buf.WriteString(name)
	if labels != "" {
		w.buf.WriteString("{" + labels + "}")
	}
	w.buf.WriteByte(' ')
	w.buf.Write(strconv.AppendUint(nil, v, 10))
	w.buf.WriteByte('\n')
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
