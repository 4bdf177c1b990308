// Package metrics provides Prometheus metrics for an image build. The
// metrics live in a private registry and can be written to a node exporter
// textfile once the build is done.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mkfatimg/flash"
)

const namespace = "mkfatimg"

// Metrics holds the collectors of one build. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	entriesTotal    *prometheus.CounterVec
	bytesCopied     prometheus.Counter
	conflictsTotal  prometheus.Counter
	flashOpsTotal   *prometheus.CounterVec
	flashBytesTotal *prometheus.CounterVec
	stageDuration   *prometheus.GaugeVec
	imageBytes      prometheus.Gauge
	volumeFreeBytes prometheus.Gauge
	wlPageWrites    prometheus.Gauge
}

// New registers the build metrics in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		entriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_total",
				Help:      "Source entries replayed onto the volume",
			},
			[]string{"kind"},
		),
		bytesCopied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "copied_bytes_total",
				Help:      "File content bytes written to the volume",
			},
		),
		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_removed_total",
				Help:      "Stale target entries removed before creating a directory",
			},
		),
		flashOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flash_operations_total",
				Help:      "Erase and program operations on the emulated flash",
			},
			[]string{"op"},
		),
		flashBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flash_bytes_total",
				Help:      "Bytes erased and programmed on the emulated flash",
			},
			[]string{"op"},
		),
		stageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of each build stage",
			},
			[]string{"stage"},
		),
		imageBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "image_bytes",
				Help:      "Size of the written image",
			},
		),
		volumeFreeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "volume_free_bytes",
				Help:      "Free space left on the FAT volume after population",
			},
		),
		wlPageWrites: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wl_page_writes",
				Help:      "Flash sectors rewritten by the wear-levelling layer",
			},
		),
	}
	m.Registry.MustRegister(
		m.entriesTotal,
		m.bytesCopied,
		m.conflictsTotal,
		m.flashOpsTotal,
		m.flashBytesTotal,
		m.stageDuration,
		m.imageBytes,
		m.volumeFreeBytes,
		m.wlPageWrites,
	)
	return m
}

// RecordEntry counts one replayed entry of the given kind.
func (m *Metrics) RecordEntry(kind string) {
	if m == nil {
		return
	}
	m.entriesTotal.WithLabelValues(kind).Inc()
}

// RecordCopied adds n bytes of copied file content.
func (m *Metrics) RecordCopied(n int) {
	if m == nil {
		return
	}
	m.bytesCopied.Add(float64(n))
}

// RecordConflict counts a removed stale entry.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

// ObserveFlash is a flash.Chip observer.
func (m *Metrics) ObserveFlash(ev flash.Event) {
	if m == nil {
		return
	}
	op := ev.Op.String()
	m.flashOpsTotal.WithLabelValues(op).Inc()
	m.flashBytesTotal.WithLabelValues(op).Add(float64(ev.Len))
}

// Stage starts timing a build stage. The returned func stops the clock.
func (m *Metrics) Stage(name string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.stageDuration.WithLabelValues(name).Set(time.Since(start).Seconds())
	}
}

// SetImageBytes records the size of the written image.
func (m *Metrics) SetImageBytes(n int64) {
	if m == nil {
		return
	}
	m.imageBytes.Set(float64(n))
}

// SetVolumeFree records the free space left on the volume.
func (m *Metrics) SetVolumeFree(n int64) {
	if m == nil {
		return
	}
	m.volumeFreeBytes.Set(float64(n))
}

// SetPageWrites records the wear-levelling sector rewrites of the build.
func (m *Metrics) SetPageWrites(n uint64) {
	if m == nil {
		return
	}
	m.wlPageWrites.Set(float64(n))
}

// WriteTextfile writes the registry in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
