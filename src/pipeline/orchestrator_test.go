package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(tables ...string) Options {
	return Options{
		Tables:           tables,
		WorkerBufferSize: 16,
		AckInterval:      10 * time.Millisecond,
		SinkRetry:        testRetry(),
		SourceBackoff:    Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

// runUntil arranca el orquestador y espera a que la condición se cumpla,
// después cancela y espera el apagado limpio.
func runUntil(t *testing.T, orchestrator *Orchestrator, condition func() bool) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- orchestrator.Run(ctx)
	}()

	require.Eventually(t, condition, 5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop after cancellation")
		return nil
	}
}

func TestOrchestratorValidation(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	sink := newFakeSink("file", false)

	_, err := NewOrchestrator(nil, []Sink{sink}, Options{}, &nopLogger{})
	assert.Error(t, err)

	_, err = NewOrchestrator(source, nil, Options{}, &nopLogger{})
	assert.Error(t, err)

	_, err = NewOrchestrator(source, []Sink{sink, newFakeSink("file", false)},
		Options{}, &nopLogger{})
	assert.Error(t, err)

	_, err = NewOrchestrator(source, []Sink{newFakeSink("  ", false)},
		Options{}, &nopLogger{})
	assert.Error(t, err)

	_, err = NewOrchestrator(source, []Sink{sink},
		Options{Tables: []string{""}}, &nopLogger{})
	assert.Error(t, err)
}

func TestOrchestratorRejectsUnknownTable(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	source.addTable("public.users", 1)

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions("public.ghost"), &nopLogger{})
	require.NoError(t, err)

	err = orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public.ghost")
}

// El ciclo de vida completo: backfill de las filas existentes y después la
// primera transacción del stream, con su checkpoint y su confirmación.
func TestOrchestratorBackfillThenStream(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	source.addTable("public.users", 3)
	source.scripts = [][]*ChangeEvent{
		txnScript("public.users", 1, 10),
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions("public.users"), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	assert.Equal(t, 3, sink.rowCount("public.users"))
	assert.Equal(t, []StreamPosition{10}, sink.appliedCommits())

	cp := sink.checkpoint()
	assert.Equal(t, StreamPosition(10), cp.LastApplied)
	assert.True(t, cp.TableCursorFor("public.users").Complete)

	assert.Equal(t, PhaseStopped, orchestrator.Phase())

	state := orchestrator.State()
	assert.Equal(t, uint64(1), state.Seen)
	assert.Equal(t, uint64(1), state.Applied)

	// El apagado confirma el progreso drenado: la última confirmación es la
	// posición aplicada y la secuencia nunca retrocede.
	acked := source.ackedPositions()
	require.NotEmpty(t, acked)
	assert.Equal(t, StreamPosition(10), acked[len(acked)-1])
	for i := 1; i < len(acked); i++ {
		assert.LessOrEqual(t, acked[i-1], acked[i])
	}
}

// Tras un reinicio el source re-entrega todo desde una posición anterior;
// cada transacción re-entregada se descarta entera y el tráfico nuevo pasa.
func TestOrchestratorRestartDiscardsReplayedTransactions(t *testing.T) {
	t.Parallel()

	table := "public.users"

	source := newFakeSource(2)
	source.addTable(table, 3)
	source.scripts = [][]*ChangeEvent{
		txnScript(table, 1, 10),
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(table), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	// Reinicio: mismo sink con su checkpoint en 10, source nuevo que replaya
	// las posiciones 5..10 y trae una transacción nueva en 12.
	replaySource := newFakeSource(2)
	replaySource.addTable(table, 3)
	replaySource.scripts = [][]*ChangeEvent{
		concatScripts(
			txnScript(table, 2, 5),
			txnScript(table, 3, 7),
			txnScript(table, 1, 10),
			txnScript(table, 4, 12),
		),
	}

	restarted, err := NewOrchestrator(replaySource, []Sink{sink},
		testOptions(table), &nopLogger{})
	require.NoError(t, err)

	runErr = runUntil(t, restarted, func() bool {
		commits := sink.appliedCommits()
		return len(commits) > 0 && commits[len(commits)-1] == 12
	})
	require.NoError(t, runErr)

	// Nada de 5..10 se re-aplicó, ni siquiera parcialmente.
	assert.Equal(t, []StreamPosition{10, 12}, sink.appliedCommits())
	assert.Equal(t, StreamPosition(12), sink.checkpoint().LastApplied)

	// El backfill no se repitió y el stream se reabrió en el checkpoint.
	assert.Equal(t, 3, sink.rowCount(table))
	require.Equal(t, 1, replaySource.opens())
	assert.Equal(t, StreamPosition(10), replaySource.openedFrom[0])

	state := restarted.State()
	assert.Equal(t, uint64(4), state.Seen)
	assert.Equal(t, uint64(3), state.Deduplicated)
	assert.Equal(t, uint64(1), state.Applied)
}

// El source se prepara antes de copiar la primera fila: el punto de captura
// del stream tiene que preceder al backfill para que ningún commit concurrente
// a la copia quede fuera de ambos caminos.
func TestOrchestratorPreparesSourceBeforeBackfill(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	source.addTable("public.users", 3)
	source.scripts = [][]*ChangeEvent{
		txnScript("public.users", 1, 10),
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions("public.users"), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	calls := source.callLog()
	require.Equal(t, []string{"prepare", "backfill", "stream"}, calls)
}

// Un mensaje que no decodifica no tumba el stream: su transacción se descarta
// sin aplicar y la lectura continúa sin reconectar. Reconectar re-entregaría
// el mismo mensaje desde el mismo checkpoint, para siempre.
func TestOrchestratorContinuesPastMalformedDecode(t *testing.T) {
	t.Parallel()

	table := "public.users"

	source := newFakeSource(2)
	source.addTable(table, 0)
	source.scripts = [][]*ChangeEvent{
		concatScripts(
			txnScript(table, 9, 4),
			txnScript(table, 10, 6),
		),
	}
	// El tercer mensaje de la primera transacción no decodifica.
	source.streamErrs = []map[int]error{
		{2: fmt.Errorf("%w: decode insert", ErrMalformedEvent)},
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	// Una sola apertura: el mensaje venenoso se consumió y la lectura siguió.
	assert.Equal(t, 1, source.opens())
	assert.Equal(t, []StreamPosition{6}, sink.appliedCommits())

	// La posición de la transacción descartada jamás se confirmó.
	for _, pos := range source.ackedPositions() {
		assert.NotEqual(t, StreamPosition(4), pos)
	}
}

// Una transacción de varios eventos es atómica también a través de una caída:
// tras el reinicio el sink tiene todos los eventos o ninguno, nunca un prefijo.
func TestOrchestratorTransactionAtomicityAcrossRestart(t *testing.T) {
	t.Parallel()

	table := "public.users"
	script := multiRowTxnScript(table, 7, 10, 3)

	sink := newFakeSink("db", true)
	sink.failTxns = 100

	source := newFakeSource(2)
	source.addTable(table, 0)
	source.scripts = [][]*ChangeEvent{script}

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return orchestrator.State().Seen == 1
	})
	require.NoError(t, runErr)

	// La caída dejó al sink sin rastro de la transacción: cero eventos, no
	// uno ni dos.
	assert.Empty(t, sink.appliedCommits())
	assert.Equal(t, 0, sink.appliedEventCount())
	assert.Equal(t, StreamPosition(0), sink.checkpoint().LastApplied)

	// Reinicio con el sink sano: re-entrega y aplicación completas.
	sink.failTxns = 0

	replaySource := newFakeSource(2)
	replaySource.addTable(table, 0)
	replaySource.scripts = [][]*ChangeEvent{script}

	restarted, err := NewOrchestrator(replaySource, []Sink{sink},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	runErr = runUntil(t, restarted, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	assert.Equal(t, []StreamPosition{10}, sink.appliedCommits())
	assert.Equal(t, 3, sink.appliedEventCount())
	assert.Equal(t, StreamPosition(10), sink.checkpoint().LastApplied)
}

// Una confirmación fallida no se da por hecha: el próximo ciclo reintenta la
// misma posición aunque el piso no haya avanzado.
func TestOrchestratorRetriesFailedAcknowledge(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	source.ackErrs = []error{fmt.Errorf("connection reset")}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	orchestrator.coordinator.Seed(sink.Name(), 0)
	orchestrator.coordinator.Report(sink.Name(), 10)

	ctx := context.Background()

	orchestrator.maybeAcknowledge(ctx)
	assert.Empty(t, source.ackedPositions())

	orchestrator.maybeAcknowledge(ctx)
	assert.Equal(t, []StreamPosition{10}, source.ackedPositions())
}

// Una transacción malformada se descarta sin aplicar y sin confirmar; el
// stream sigue con la siguiente.
func TestOrchestratorSkipsMalformedTransaction(t *testing.T) {
	t.Parallel()

	table := "public.users"

	source := newFakeSource(2)
	source.addTable(table, 0)
	source.scripts = [][]*ChangeEvent{
		concatScripts(
			// Operación fuera de transacción: malformada.
			[]*ChangeEvent{{
				Operation: EventTypeInsert, Table: table, Position: 4, Xid: 9,
			}},
			txnScript(table, 10, 6),
		),
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	assert.Equal(t, []StreamPosition{6}, sink.appliedCommits())

	// La posición de la transacción malformada jamás se confirmó.
	for _, pos := range source.ackedPositions() {
		assert.NotEqual(t, StreamPosition(4), pos)
	}
}

// Una caída del source al abrir el stream es transitoria: el orquestador
// entra en recuperación y reintenta desde los checkpoints.
func TestOrchestratorRecoversFromSourceFailure(t *testing.T) {
	t.Parallel()

	table := "public.users"

	source := newFakeSource(2)
	source.addTable(table, 2)
	source.openErrs = []error{fmt.Errorf("connection refused")}
	source.scripts = [][]*ChangeEvent{
		txnScript(table, 1, 8),
	}

	sink := newFakeSink("file", false)

	orchestrator, err := NewOrchestrator(source, []Sink{sink},
		testOptions(table), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		return len(sink.appliedCommits()) == 1
	})
	require.NoError(t, runErr)

	assert.Equal(t, []StreamPosition{8}, sink.appliedCommits())
	assert.Equal(t, 2, sink.rowCount(table))
}

// Cuando todos los sinks agotan sus reintentos el pipeline se detiene con un
// error fatal en lugar de seguir leyendo un stream que nadie puede aplicar.
func TestOrchestratorStopsWhenAllSinksStall(t *testing.T) {
	t.Parallel()

	source := newFakeSource(2)
	source.addTable("public.users", 2)

	broken := newFakeSink("broken", false)
	broken.failRows = 100

	orchestrator, err := NewOrchestrator(source, []Sink{broken},
		testOptions("public.users"), &nopLogger{})
	require.NoError(t, err)

	err = orchestrator.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errAllSinksStalled)
	assert.ErrorIs(t, err, ErrSinkWriteFailed)
	assert.Equal(t, PhaseStopped, orchestrator.Phase())
}

// Dos sinks con checkpoints distintos: el stream se reabre en el mínimo y la
// confirmación al source nunca pasa por encima del sink más atrasado.
func TestOrchestratorResumesAtSlowestSink(t *testing.T) {
	t.Parallel()

	table := "public.users"

	source := newFakeSource(2)
	source.addTable(table, 0)
	source.scripts = [][]*ChangeEvent{
		concatScripts(
			txnScript(table, 1, 15),
			txnScript(table, 2, 20),
		),
	}

	ahead := newFakeSink("ahead", false)
	ahead.cp.LastApplied = 15

	behind := newFakeSink("behind", false)
	behind.cp.LastApplied = 10

	orchestrator, err := NewOrchestrator(source, []Sink{ahead, behind},
		testOptions(), &nopLogger{})
	require.NoError(t, err)

	runErr := runUntil(t, orchestrator, func() bool {
		aheadCommits := ahead.appliedCommits()
		behindCommits := behind.appliedCommits()
		return len(aheadCommits) == 1 && len(behindCommits) == 2
	})
	require.NoError(t, runErr)

	// Se reabrió en el checkpoint del sink más atrasado.
	assert.Equal(t, StreamPosition(10), source.openedFrom[0])

	// El que iba adelante descartó el replay de 15; el atrasado aplicó todo.
	assert.Equal(t, []StreamPosition{20}, ahead.appliedCommits())
	assert.Equal(t, []StreamPosition{15, 20}, behind.appliedCommits())

	acked := source.ackedPositions()
	require.NotEmpty(t, acked)
	assert.Equal(t, StreamPosition(20), acked[len(acked)-1])
}
