package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// SinkWorker aplica transacciones a un sink en orden de entrega. Un worker
// por sink: la entrega dentro de un sink es estrictamente serial para
// preservar el orden de transacciones; entre sinks no hay orden garantizado.
type SinkWorker struct {
	sink        Sink
	dedup       *Deduplicator
	coordinator *AckCoordinator
	retry       RetryPolicy
	txnCh       chan *Transaction
	wg          sync.WaitGroup
	stopCh      chan struct{}
	stopOnce    sync.Once
	stalled     atomic.Bool
	failureMu   sync.Mutex
	failure     error
	counters    *RunCounters
	observability.Logger
	metrics *observability.PipelineMetrics
}

func NewSinkWorker(sink Sink, dedup *Deduplicator,
	coordinator *AckCoordinator,
	retry RetryPolicy,
	bufferSize int,
	counters *RunCounters,
	logger observability.Logger) *SinkWorker {

	worker := &SinkWorker{
		sink:        sink,
		dedup:       dedup,
		coordinator: coordinator,
		retry:       retry,
		txnCh:       make(chan *Transaction, bufferSize),
		wg:          sync.WaitGroup{},
		stopCh:      make(chan struct{}),
		counters:    counters,
		Logger:      logger,
		metrics:     observability.GetPipelineMetrics(),
	}

	// Registrar tamaño inicial del buffer
	if worker.metrics != nil {
		worker.metrics.SetWorkerBufferSize(sink.Name(), float64(bufferSize))
	}

	return worker
}

func (sw *SinkWorker) Name() string {
	return sw.sink.Name()
}

func (sw *SinkWorker) processTxn(ctx context.Context, txn *Transaction) error {

	if txn == nil {
		sw.Error(ctx, "Transaction is nil", nil, "sink", sw.Name())
		return fmt.Errorf("transaction is nil")
	}

	if !sw.dedup.ShouldApply(txn) {
		sw.Trace(ctx, "Transacción descartada como duplicada",
			"sink", sw.Name(), "commit", txn.Commit.String())

		if sw.counters != nil {
			sw.counters.Deduplicated.Add(1)
		}

		if sw.metrics != nil {
			sw.metrics.IncTransactionsDeduped(sw.Name())
		}

		return nil
	}

	err := sw.retry.Do(ctx, func(ctx context.Context) error {
		applyErr := sw.sink.ApplyTransaction(ctx, txn)
		if applyErr != nil {
			sw.Warn(ctx, "Error aplicando transacción, reintentando", applyErr,
				"sink", sw.Name(), "commit", txn.Commit.String())
		}
		return applyErr
	})

	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSinkWriteFailed, sw.Name(), err)
	}

	sw.dedup.MarkApplied(txn.Commit)
	sw.coordinator.Report(sw.Name(), txn.Commit)

	if sw.counters != nil {
		sw.counters.Applied.Add(1)
	}

	if sw.metrics != nil {
		sw.metrics.IncTransactionsApplied(sw.Name())
		sw.metrics.SetSinkPosition(sw.Name(), uint64(txn.Commit))
	}

	return nil
}

func (sw *SinkWorker) markStalled(ctx context.Context, err error) {
	sw.failureMu.Lock()
	sw.failure = err
	sw.failureMu.Unlock()

	sw.stalled.Store(true)

	if sw.metrics != nil {
		sw.metrics.SetSinkStalled(sw.Name(), true)
	}

	sw.Error(ctx, "Sink agotó sus reintentos, queda detenido", err,
		"sink", sw.Name())
}

func (sw *SinkWorker) run(ctx context.Context) {
	defer sw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			sw.Info(ctx, "SinkWorker stopped by context done", nil,
				"sink", sw.Name())
			return
		case <-sw.stopCh:
			sw.drain(ctx)
			sw.Info(ctx, "SinkWorker stopped by stop channel", nil,
				"sink", sw.Name())
			return
		case txn := <-sw.txnCh:

			if sw.metrics != nil {
				sw.metrics.SetEventsInProcess(sw.Name(), float64(len(sw.txnCh)))
			}

			err := sw.processTxn(ctx, txn)

			if err != nil {
				sw.markStalled(ctx, err)
				return
			}
		}
	}
}

// drain procesa lo que quedó encolado antes de parar. Un error durante el
// drenado abandona el resto: el checkpoint nunca queda adelante de lo
// realmente aplicado, así que la reanudación lo repone.
func (sw *SinkWorker) drain(ctx context.Context) {
	for {
		select {
		case txn := <-sw.txnCh:
			if err := sw.processTxn(ctx, txn); err != nil {
				sw.markStalled(ctx, err)
				return
			}
		default:
			return
		}
	}
}

func (sw *SinkWorker) Start(ctx context.Context) {
	sw.wg.Add(1)
	go sw.run(ctx)
}

func (sw *SinkWorker) Stop(ctx context.Context) {
	sw.stopOnce.Do(func() {
		close(sw.stopCh)
	})
	sw.wg.Wait()
}

// Process encola una transacción para el sink. Patron para evitar bloqueos
// en el canal: espera acotada en lugar de bloquear indefinidamente.
func (sw *SinkWorker) Process(ctx context.Context, txn *Transaction) error {
	if sw.stalled.Load() {
		return fmt.Errorf("%w: %s", ErrSinkStalled, sw.Name())
	}

	select {
	case sw.txnCh <- txn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker buffer full, timeout after 5s")
	}
}

// Stalled indica si el worker quedó detenido por agotar reintentos.
func (sw *SinkWorker) Stalled() bool {
	return sw.stalled.Load()
}

// Err retorna el error terminal del worker, nil si sigue sano.
func (sw *SinkWorker) Err() error {
	sw.failureMu.Lock()
	defer sw.failureMu.Unlock()
	return sw.failure
}

func (sw *SinkWorker) PendingTransactions() int {
	return len(sw.txnCh)
}
