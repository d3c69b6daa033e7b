package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contiene todas las métricas del pipeline de CDC
type PipelineMetrics struct {
	// Progress metrics
	ackPosition     prometheus.Gauge
	sinkPosition    *prometheus.GaugeVec
	pipelinePhase   *prometheus.GaugeVec
	lastStreamEvent prometheus.Gauge

	// Transaction metrics
	transactionsSeenTotal    prometheus.Counter
	transactionsAppliedTotal *prometheus.CounterVec
	transactionsDedupedTotal *prometheus.CounterVec

	// Backfill metrics
	backfillRowsTotal     *prometheus.CounterVec
	backfillTablesPending prometheus.Gauge

	// Worker metrics
	workerBufferSize  *prometheus.GaugeVec
	eventsInProcess   *prometheus.GaugeVec
	sinkStalledByName *prometheus.GaugeVec
}

var (
	metricsInstance *PipelineMetrics
	metricsOnce     sync.Once
)

// NewPipelineMetrics crea e inicializa las métricas del pipeline
func NewPipelineMetrics(registry *prometheus.Registry) *PipelineMetrics {
	metricsOnce.Do(func() {
		metrics := &PipelineMetrics{
			ackPosition: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cdc_ack_position",
					Help: "Posición confirmada al source - mínimo de todos los sinks",
				},
			),
			sinkPosition: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cdc_sink_position",
					Help: "Última posición aplicada durablemente por cada sink",
				},
				[]string{"sink"},
			),
			pipelinePhase: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cdc_pipeline_phase",
					Help: "Fase actual del pipeline (1 = activa, 0 = inactiva)",
				},
				[]string{"phase"},
			),
			lastStreamEvent: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cdc_last_stream_event_timestamp",
					Help: "Timestamp del último evento recibido del stream (Unix timestamp)",
				},
			),
			transactionsSeenTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "cdc_transactions_seen_total",
					Help: "Número total de transacciones recibidas del stream",
				},
			),
			transactionsAppliedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cdc_transactions_applied_total",
					Help: "Número total de transacciones aplicadas por sink",
				},
				[]string{"sink"},
			),
			transactionsDedupedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cdc_transactions_deduplicated_total",
					Help: "Número total de transacciones descartadas como duplicadas por sink",
				},
				[]string{"sink"},
			),
			backfillRowsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cdc_backfill_rows_total",
					Help: "Número total de filas copiadas durante el backfill",
				},
				[]string{"sink", "table"},
			),
			backfillTablesPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cdc_backfill_tables_pending",
					Help: "Número de pares (sink, tabla) con backfill pendiente",
				},
			),
			workerBufferSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cdc_worker_buffer_size",
					Help: "Tamaño del buffer de cada worker",
				},
				[]string{"sink"},
			),
			eventsInProcess: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cdc_transactions_in_process_by_worker",
					Help: "Número de transacciones actualmente encoladas por worker",
				},
				[]string{"sink"},
			),
			sinkStalledByName: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "cdc_sink_stalled",
					Help: "1 si el sink agotó sus reintentos y quedó detenido",
				},
				[]string{"sink"},
			),
		}

		registry.MustRegister(
			metrics.ackPosition,
			metrics.sinkPosition,
			metrics.pipelinePhase,
			metrics.lastStreamEvent,
			metrics.transactionsSeenTotal,
			metrics.transactionsAppliedTotal,
			metrics.transactionsDedupedTotal,
			metrics.backfillRowsTotal,
			metrics.backfillTablesPending,
			metrics.workerBufferSize,
			metrics.eventsInProcess,
			metrics.sinkStalledByName,
		)

		metricsInstance = metrics
	})

	return metricsInstance
}

// GetPipelineMetrics retorna la instancia singleton de métricas
func GetPipelineMetrics() *PipelineMetrics {
	return metricsInstance
}

// SetAckPosition actualiza la posición confirmada al source
func (pm *PipelineMetrics) SetAckPosition(pos uint64) {
	if pm == nil {
		return
	}
	pm.ackPosition.Set(float64(pos))
}

// SetSinkPosition actualiza la posición aplicada por un sink
func (pm *PipelineMetrics) SetSinkPosition(sink string, pos uint64) {
	if pm == nil {
		return
	}
	pm.sinkPosition.WithLabelValues(sink).Set(float64(pos))
}

// SetPhase marca la fase activa del pipeline
func (pm *PipelineMetrics) SetPhase(active string, all []string) {
	if pm == nil {
		return
	}
	for _, phase := range all {
		v := 0.0
		if phase == active {
			v = 1.0
		}
		pm.pipelinePhase.WithLabelValues(phase).Set(v)
	}
}

// SetLastStreamEvent actualiza el timestamp del último evento recibido
func (pm *PipelineMetrics) SetLastStreamEvent(timestamp float64) {
	if pm == nil {
		return
	}
	pm.lastStreamEvent.Set(timestamp)
}

// IncTransactionsSeen incrementa el contador de transacciones recibidas
func (pm *PipelineMetrics) IncTransactionsSeen() {
	if pm == nil {
		return
	}
	pm.transactionsSeenTotal.Inc()
}

// IncTransactionsApplied incrementa el contador de transacciones aplicadas
func (pm *PipelineMetrics) IncTransactionsApplied(sink string) {
	if pm == nil {
		return
	}
	pm.transactionsAppliedTotal.WithLabelValues(sink).Inc()
}

// IncTransactionsDeduped incrementa el contador de transacciones descartadas
func (pm *PipelineMetrics) IncTransactionsDeduped(sink string) {
	if pm == nil {
		return
	}
	pm.transactionsDedupedTotal.WithLabelValues(sink).Inc()
}

// AddBackfillRows suma filas copiadas durante el backfill
func (pm *PipelineMetrics) AddBackfillRows(sink, table string, n int) {
	if pm == nil {
		return
	}
	pm.backfillRowsTotal.WithLabelValues(sink, table).Add(float64(n))
}

// SetBackfillTablesPending actualiza el número de backfills pendientes
func (pm *PipelineMetrics) SetBackfillTablesPending(n int) {
	if pm == nil {
		return
	}
	pm.backfillTablesPending.Set(float64(n))
}

// SetWorkerBufferSize actualiza el tamaño del buffer del worker
func (pm *PipelineMetrics) SetWorkerBufferSize(sink string, size float64) {
	if pm == nil {
		return
	}
	pm.workerBufferSize.WithLabelValues(sink).Set(size)
}

// SetEventsInProcess actualiza el número de transacciones encoladas
func (pm *PipelineMetrics) SetEventsInProcess(sink string, count float64) {
	if pm == nil {
		return
	}
	pm.eventsInProcess.WithLabelValues(sink).Set(count)
}

// SetSinkStalled marca un sink como detenido por agotar reintentos
func (pm *PipelineMetrics) SetSinkStalled(sink string, stalled bool) {
	if pm == nil {
		return
	}
	v := 0.0
	if stalled {
		v = 1.0
	}
	pm.sinkStalledByName.WithLabelValues(sink).Set(v)
}
