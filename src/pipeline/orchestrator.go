package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/utils"
)

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseBackfilling  Phase = "backfilling"
	PhaseStreaming    Phase = "streaming"
	PhaseRecovering   Phase = "recovering"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
)

var allPhases = []string{
	string(PhaseInitializing),
	string(PhaseBackfilling),
	string(PhaseStreaming),
	string(PhaseRecovering),
	string(PhaseStopping),
	string(PhaseStopped),
}

var errAllSinksStalled = errors.New("all sinks stalled")

// Options es la superficie de configuración del orquestador.
type Options struct {
	// Tables son las tablas a copiar en el backfill. Vacío = solo streaming.
	Tables []string

	// WorkerBufferSize es la profundidad del buffer de cada sink worker.
	WorkerBufferSize int

	// BackfillConcurrency acota el pool de copias de tablas concurrentes.
	BackfillConcurrency int

	// AckInterval es la cadencia de confirmación de progreso al source.
	AckInterval time.Duration

	// AckEveryN confirma además cada N transacciones despachadas. 0 = solo
	// por tiempo.
	AckEveryN int

	// SinkRetry acota los reintentos de escritura por lote en los sinks.
	SinkRetry RetryPolicy

	// SourceBackoff es la espera entre reintentos de recuperación contra el
	// source. Los reintentos del source no tienen límite salvo que
	// SourceMaxAttempts lo configure.
	SourceBackoff     Backoff
	SourceMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.WorkerBufferSize <= 0 {
		o.WorkerBufferSize = 256
	}
	if o.BackfillConcurrency <= 0 {
		o.BackfillConcurrency = 4
	}
	if o.AckInterval <= 0 {
		o.AckInterval = 5 * time.Second
	}
	if o.SinkRetry.MaxAttempts <= 0 {
		o.SinkRetry.MaxAttempts = 5
	}
	if o.SinkRetry.Backoff.Initial <= 0 {
		o.SinkRetry.Backoff = DefaultBackoff()
	}
	if o.SourceBackoff.Initial <= 0 {
		o.SourceBackoff = DefaultBackoff()
	}
	return o
}

// RunCounters son los contadores en memoria de la corrida. Se descartan al
// apagar: la persistencia de progreso vive en los checkpoints de los sinks.
type RunCounters struct {
	Seen         atomic.Uint64
	Deduplicated atomic.Uint64
	Applied      atomic.Uint64
}

// RunState es una instantánea del estado del pipeline para diagnóstico.
type RunState struct {
	Phase        Phase
	AckFloor     StreamPosition
	Seen         uint64
	Deduplicated uint64
	Applied      uint64
}

// Orchestrator es la máquina de estados que secuencia backfill y streaming,
// mueve datos del source a los sinks pasando por el deduplicador y cierra el
// ciclo checkpoint/acknowledge.
//
// Precondición de un solo escritor: exactamente una instancia por par
// (source, sink) a la vez. La exclusión mutua la provee el entorno de
// despliegue, no el orquestador.
type Orchestrator struct {
	source      Source
	sinks       []Sink
	opts        Options
	coordinator *AckCoordinator
	counters    RunCounters
	logger      observability.Logger
	metrics     *observability.PipelineMetrics

	mu          sync.RWMutex
	phase       Phase
	checkpoints map[string]*Checkpoint
	stalledErrs map[string]error
	lastAcked   StreamPosition

	dispatched int
}

// NewOrchestrator valida la configuración antes de mover cualquier dato. Un
// orquestador sin sinks, o con un nombre de sink repetido, falla acá.
func NewOrchestrator(source Source, sinks []Sink, opts Options,
	logger observability.Logger) (*Orchestrator, error) {

	if source == nil {
		return nil, fmt.Errorf("source is required")
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("at least one sink is required")
	}

	seen := make(map[string]bool, len(sinks))

	for _, sink := range sinks {
		if sink == nil {
			return nil, fmt.Errorf("nil sink configured")
		}
		if utils.StringIsEmptyOrWhitespace(sink.Name()) {
			return nil, fmt.Errorf("sink with empty name configured")
		}
		if seen[sink.Name()] {
			return nil, fmt.Errorf("duplicate sink name %q", sink.Name())
		}
		seen[sink.Name()] = true
	}

	for _, table := range opts.Tables {
		if utils.StringIsEmptyOrWhitespace(table) {
			return nil, fmt.Errorf("empty table name configured")
		}
	}

	return &Orchestrator{
		source:      source,
		sinks:       sinks,
		opts:        opts.withDefaults(),
		coordinator: NewAckCoordinator(logger),
		logger:      logger,
		metrics:     observability.GetPipelineMetrics(),
		phase:       PhaseInitializing,
		stalledErrs: make(map[string]error),
	}, nil
}

func (o *Orchestrator) setPhase(ctx context.Context, phase Phase) {
	o.mu.Lock()
	previous := o.phase
	o.phase = phase
	o.mu.Unlock()

	if previous != phase {
		o.logger.Info(ctx, "Transición de fase",
			"from", string(previous), "to", string(phase))
	}

	if o.metrics != nil {
		o.metrics.SetPhase(string(phase), allPhases)
	}
}

// Phase retorna la fase actual.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// State retorna una instantánea de la corrida.
func (o *Orchestrator) State() RunState {
	return RunState{
		Phase:        o.Phase(),
		AckFloor:     o.coordinator.Floor(),
		Seen:         o.counters.Seen.Load(),
		Deduplicated: o.counters.Deduplicated.Load(),
		Applied:      o.counters.Applied.Load(),
	}
}

// Run ejecuta el pipeline hasta que el contexto se cancele o una falla
// fatal lo detenga. Las fallas transitorias de source y sinks entran en
// Recovering y reanudan desde los checkpoints, nunca saltan hacia adelante.
func (o *Orchestrator) Run(ctx context.Context) error {

	defer o.setPhase(context.Background(), PhaseStopped)

	if err := o.validateTables(ctx); err != nil {
		return err
	}

	attempt := 0

	for {
		if ctx.Err() != nil {
			o.setPhase(ctx, PhaseStopping)
			return nil
		}

		streamed, err := o.runOnce(ctx)

		if err == nil || ctx.Err() != nil {
			o.setPhase(ctx, PhaseStopping)
			return nil
		}

		if o.isFatal(err) {
			o.logger.Error(ctx, "Falla fatal del pipeline", err)
			return err
		}

		if streamed {
			attempt = 0
		}
		attempt++

		if o.opts.SourceMaxAttempts > 0 && attempt > o.opts.SourceMaxAttempts {
			return fmt.Errorf("source retries exhausted after %d attempts: %w",
				o.opts.SourceMaxAttempts, err)
		}

		o.setPhase(ctx, PhaseRecovering)

		delay := o.opts.SourceBackoff.Delay(attempt)

		o.logger.Warn(ctx, "Falla transitoria, reintentando desde el checkpoint", err,
			"attempt", attempt,
			"delay", delay.String())

		select {
		case <-ctx.Done():
			o.setPhase(ctx, PhaseStopping)
			return nil
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) isFatal(err error) bool {
	return errors.Is(err, ErrCheckpointCorrupt) ||
		errors.Is(err, errAllSinksStalled)
}

// validateTables verifica que toda tabla configurada exista en el source,
// antes de mover cualquier dato.
func (o *Orchestrator) validateTables(ctx context.Context) error {
	if len(o.opts.Tables) == 0 {
		return nil
	}

	exposed, err := o.source.Tables(ctx)

	if err != nil {
		return fmt.Errorf("list source tables: %w", err)
	}

	known := make(map[string]bool, len(exposed))
	for _, table := range exposed {
		known[table] = true
	}

	for _, table := range o.opts.Tables {
		if !known[table] {
			return fmt.Errorf("table %q is not exposed by the source", table)
		}
	}

	return nil
}

// runOnce es un intento completo: leer checkpoints, backfill pendiente y
// streaming. Retorna si llegó a streaming, junto con el error que cortó el
// intento.
func (o *Orchestrator) runOnce(ctx context.Context) (bool, error) {

	o.setPhase(ctx, PhaseInitializing)

	// El punto de captura del stream tiene que existir antes de copiar la
	// primera fila, o los commits concurrentes al backfill se pierden.
	if err := o.source.Prepare(ctx); err != nil {
		return false, fmt.Errorf("%w: prepare source: %v", ErrSourceUnavailable, err)
	}

	checkpoints, err := o.readCheckpoints(ctx)

	if err != nil {
		return false, err
	}

	for _, sink := range o.sinks {
		o.coordinator.Seed(sink.Name(), checkpoints[sink.Name()].LastApplied)
	}

	active := o.activeSinks()

	if len(active) == 0 {
		return false, o.stallError()
	}

	runner := NewBackfillRunner(o.source, o.opts.BackfillConcurrency,
		o.opts.SinkRetry, o.logger)

	if runner.HasPending(active, o.opts.Tables, checkpoints) {

		o.setPhase(ctx, PhaseBackfilling)

		stalled, err := runner.Run(ctx, active, o.opts.Tables, checkpoints)

		o.recordStalls(stalled)

		if err != nil {
			return false, err
		}

		// Releer los checkpoints: el backfill los movió.
		checkpoints, err = o.readCheckpoints(ctx)

		if err != nil {
			return false, err
		}

		active = o.activeSinks()

		if len(active) == 0 {
			return false, o.stallError()
		}
	}

	o.setPhase(ctx, PhaseStreaming)

	return true, o.stream(ctx, active, checkpoints)
}

// readCheckpoints lee el checkpoint de cada sink. Un checkpoint corrupto es
// fatal: el orquestador se niega a adivinar una posición de reanudación.
func (o *Orchestrator) readCheckpoints(ctx context.Context) (map[string]*Checkpoint, error) {

	checkpoints := make(map[string]*Checkpoint, len(o.sinks))

	for _, sink := range o.sinks {

		cp, err := sink.ReadCheckpoint(ctx)

		if err != nil {
			if errors.Is(err, ErrCheckpointCorrupt) {
				return nil, fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			return nil, fmt.Errorf("read checkpoint of %s: %w", sink.Name(), err)
		}

		if cp == nil {
			cp = NewCheckpoint()
		}

		checkpoints[sink.Name()] = cp
	}

	o.mu.Lock()
	o.checkpoints = checkpoints
	o.mu.Unlock()

	return checkpoints, nil
}

func (o *Orchestrator) activeSinks() []Sink {
	o.mu.RLock()
	defer o.mu.RUnlock()

	active := make([]Sink, 0, len(o.sinks))
	for _, sink := range o.sinks {
		if _, stalled := o.stalledErrs[sink.Name()]; !stalled {
			active = append(active, sink)
		}
	}
	return active
}

func (o *Orchestrator) recordStalls(stalled map[string]error) {
	if len(stalled) == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for name, err := range stalled {
		o.stalledErrs[name] = err
	}
}

func (o *Orchestrator) stallError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	errs := make([]error, 0, len(o.stalledErrs)+1)
	errs = append(errs, errAllSinksStalled)
	for _, err := range o.stalledErrs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// stream abre el stream de cambios en el mínimo checkpoint de los sinks
// activos y despacha transacciones completas a un worker por sink. La
// entrega del stream es estrictamente serial; la concurrencia vive en los
// workers.
func (o *Orchestrator) stream(ctx context.Context, active []Sink,
	checkpoints map[string]*Checkpoint) error {

	from := o.resumePosition(active, checkpoints)

	stream, err := o.source.OpenChangeStream(ctx, from)

	if err != nil {
		return fmt.Errorf("%w: open change stream: %v", ErrSourceUnavailable, err)
	}

	defer stream.Close(context.Background())

	o.logger.Info(ctx, "Streaming iniciado",
		"from", from.String(),
		"sinks", len(active))

	workers := make([]*SinkWorker, 0, len(active))

	for _, sink := range active {
		cp := checkpoints[sink.Name()]
		dedup := NewDeduplicator(cp.LastApplied, sink.Transactional())

		worker := NewSinkWorker(sink, dedup, o.coordinator,
			o.opts.SinkRetry, o.opts.WorkerBufferSize, &o.counters, o.logger)

		worker.Start(ctx)
		workers = append(workers, worker)
	}

	defer func() {
		stopCtx := context.Background()
		for _, worker := range workers {
			worker.Stop(stopCtx)
			if worker.Stalled() {
				o.recordStalls(map[string]error{worker.Name(): worker.Err()})
			}
		}
		// Confirmar el progreso drenado antes de salir.
		o.maybeAcknowledge(stopCtx)
	}()

	ackDone := make(chan struct{})
	defer close(ackDone)

	go o.ackLoop(ctx, ackDone)

	assembler := NewTransactionAssembler()

	for {
		event, err := stream.Next(ctx)

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, ErrMalformedEvent) {
				// El mensaje venenoso ya se consumió del stream; reconectar
				// solo lo re-entregaría. Se descarta la transacción en curso
				// sin aplicar y sin confirmar su posición.
				o.logger.Error(ctx, "Mensaje indescifrable en el stream, transacción en curso descartada", err)
				assembler.Reset()
				continue
			}

			return fmt.Errorf("%w: read change stream: %v", ErrSourceUnavailable, err)
		}

		if o.metrics != nil {
			o.metrics.SetLastStreamEvent(float64(time.Now().Unix()))
		}

		txn, err := assembler.Feed(event)

		if err != nil {
			// La transacción malformada no se aplica ni se confirma; el
			// stream sigue con la próxima.
			o.logger.Error(ctx, "Evento malformado, transacción descartada sin aplicar", err,
				"position", event.Position.String(),
				"xid", event.Xid)
			continue
		}

		if txn == nil {
			continue
		}

		o.counters.Seen.Add(1)

		if o.metrics != nil {
			o.metrics.IncTransactionsSeen()
		}

		if err := o.dispatch(ctx, workers, txn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		o.dispatched++

		if o.opts.AckEveryN > 0 && o.dispatched%o.opts.AckEveryN == 0 {
			o.maybeAcknowledge(ctx)
		}
	}
}

// resumePosition es el mínimo LastApplied entre los sinks activos: nunca se
// reanuda adelante del sink más atrasado.
func (o *Orchestrator) resumePosition(active []Sink,
	checkpoints map[string]*Checkpoint) StreamPosition {

	var min StreamPosition
	first := true

	for _, sink := range active {
		pos := checkpoints[sink.Name()].LastApplied
		if first || pos.Compare(min) < 0 {
			min = pos
			first = false
		}
	}

	return min
}

// dispatch encola la transacción en cada worker vivo. Un buffer lleno
// bloquea el stream en lugar de descartar: el pipeline nunca pierde una
// transacción en silencio.
func (o *Orchestrator) dispatch(ctx context.Context, workers []*SinkWorker,
	txn *Transaction) error {

	alive := 0

	for _, worker := range workers {

		if worker.Stalled() {
			continue
		}

		for {
			err := worker.Process(ctx, txn)

			if err == nil {
				alive++
				break
			}

			if errors.Is(err, ErrSinkStalled) {
				o.recordStalls(map[string]error{worker.Name(): worker.Err()})
				break
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			o.logger.Warn(ctx, "Worker con buffer lleno, esperando espacio", err,
				"sink", worker.Name())
		}
	}

	if alive == 0 {
		return o.stallError()
	}

	return nil
}

func (o *Orchestrator) ackLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(o.opts.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			o.maybeAcknowledge(ctx)
		}
	}
}

// maybeAcknowledge confirma al source el piso de progreso entre sinks si
// avanzó desde la última confirmación. La confirmación es asesora: un error
// acá no detiene el pipeline.
func (o *Orchestrator) maybeAcknowledge(ctx context.Context) {
	floor := o.coordinator.Floor()

	o.mu.RLock()
	lastAcked := o.lastAcked
	o.mu.RUnlock()

	if floor.Compare(lastAcked) <= 0 {
		return
	}

	if err := o.source.Acknowledge(ctx, floor); err != nil {
		// lastAcked no avanza: el próximo ciclo reintenta la misma posición.
		o.logger.Warn(ctx, "Error confirmando progreso al source", err,
			"position", floor.String())
		return
	}

	o.mu.Lock()
	if floor.Compare(o.lastAcked) > 0 {
		o.lastAcked = floor
	}
	o.mu.Unlock()

	o.logger.Debug(ctx, "Progreso confirmado al source",
		"position", floor.String())

	if o.metrics != nil {
		o.metrics.SetAckPosition(uint64(floor))
	}
}
