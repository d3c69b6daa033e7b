package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// backfillJob es la copia de una tabla hacia un sink, desde el cursor que
// ese sink dejó persistido. Cada par (sink, tabla) es una unidad
// independiente sin requisito de orden entre pares.
type backfillJob struct {
	sink  Sink
	table string
	from  TableCursor
}

// BackfillRunner ejecuta las copias iniciales de tablas sobre un pool
// acotado de workers concurrentes. Una copia interrumpida se reanuda desde
// el cursor persistido por el sink, nunca desde cero.
type BackfillRunner struct {
	source      Source
	concurrency int
	sinkRetry   RetryPolicy
	observability.Logger
	metrics *observability.PipelineMetrics
}

func NewBackfillRunner(source Source, concurrency int,
	sinkRetry RetryPolicy,
	logger observability.Logger) *BackfillRunner {

	if concurrency <= 0 {
		concurrency = 1
	}

	return &BackfillRunner{
		source:      source,
		concurrency: concurrency,
		sinkRetry:   sinkRetry,
		Logger:      logger,
		metrics:     observability.GetPipelineMetrics(),
	}
}

// PendingJobs arma la lista de pares (sink, tabla) con backfill incompleto
// según el checkpoint de cada sink.
func (br *BackfillRunner) pendingJobs(sinks []Sink, tables []string,
	checkpoints map[string]*Checkpoint) []backfillJob {

	jobs := []backfillJob{}

	for _, sink := range sinks {

		cp := checkpoints[sink.Name()]
		if cp == nil {
			cp = NewCheckpoint()
		}

		for _, table := range tables {

			cursor := cp.TableCursorFor(table)

			if cursor.Complete {
				continue
			}

			jobs = append(jobs, backfillJob{
				sink:  sink,
				table: table,
				from:  cursor,
			})
		}
	}

	return jobs
}

// HasPending indica si algún par (sink, tabla) necesita backfill.
func (br *BackfillRunner) HasPending(sinks []Sink, tables []string,
	checkpoints map[string]*Checkpoint) bool {
	return len(br.pendingJobs(sinks, tables, checkpoints)) > 0
}

// Run copia todas las tablas pendientes. Un sink que agota sus reintentos
// queda registrado como detenido y sus pares restantes se saltean; los demás
// sinks siguen. Un error del source aborta la corrida completa para que el
// orquestador entre en recuperación.
func (br *BackfillRunner) Run(ctx context.Context, sinks []Sink,
	tables []string, checkpoints map[string]*Checkpoint) (map[string]error, error) {

	jobs := br.pendingJobs(sinks, tables, checkpoints)

	if br.metrics != nil {
		br.metrics.SetBackfillTablesPending(len(jobs))
	}

	stalled := make(map[string]error)

	if len(jobs) == 0 {
		return stalled, nil
	}

	br.Info(ctx, "Iniciando backfill", "pending_jobs", len(jobs))

	var mu sync.Mutex
	var pending atomic.Int64
	pending.Store(int64(len(jobs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(br.concurrency)

	for _, job := range jobs {
		job := job
		g.Go(func() error {

			mu.Lock()
			_, dead := stalled[job.sink.Name()]
			mu.Unlock()

			if dead {
				return nil
			}

			err := br.copyTable(gctx, job)

			if err == nil {
				if br.metrics != nil {
					br.metrics.SetBackfillTablesPending(int(pending.Add(-1)))
				}
				return nil
			}

			if errors.Is(err, ErrSinkWriteFailed) {
				mu.Lock()
				stalled[job.sink.Name()] = err
				mu.Unlock()

				br.Error(gctx, "Sink detenido durante el backfill", err,
					"sink", job.sink.Name(), "table", job.table)

				return nil
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return stalled, err
	}

	if len(stalled) == 0 {
		br.Info(ctx, "Backfill completo", "tables", tables)
	}

	return stalled, nil
}

// copyTable copia una tabla hacia un sink por lotes, persistiendo el cursor
// de cada lote junto con sus filas.
func (br *BackfillRunner) copyTable(ctx context.Context, job backfillJob) error {

	br.Info(ctx, "Copiando tabla",
		"sink", job.sink.Name(),
		"table", job.table,
		"resume_token", job.from.Token)

	reader, err := br.source.OpenBackfill(ctx, job.table, job.from)

	if err != nil {
		return fmt.Errorf("open backfill %s: %w", job.table, err)
	}

	defer reader.Close(ctx)

	for {
		batch, err := reader.Next(ctx)

		if err != nil {
			return fmt.Errorf("read backfill batch %s: %w", job.table, err)
		}

		if batch == nil {
			// El reader terminó sin marcar el cursor completo: el adapter
			// siempre debe emitir un último lote con Complete=true.
			return fmt.Errorf("backfill reader for %s ended without a complete cursor", job.table)
		}

		applyErr := br.sinkRetry.Do(ctx, func(ctx context.Context) error {
			return job.sink.ApplyRows(ctx, job.table, batch.Rows, batch.Cursor)
		})

		if applyErr != nil {
			return fmt.Errorf("%w: %s backfill of %s: %v",
				ErrSinkWriteFailed, job.sink.Name(), job.table, applyErr)
		}

		if br.metrics != nil {
			br.metrics.AddBackfillRows(job.sink.Name(), job.table, len(batch.Rows))
		}

		if batch.Cursor.Complete {
			br.Info(ctx, "Tabla copiada",
				"sink", job.sink.Name(),
				"table", job.table)
			return nil
		}
	}
}
