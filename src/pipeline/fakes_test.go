package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// nopLogger descarta todo. Los tests afirman sobre estado, no sobre logs.
type nopLogger struct{}

func (l *nopLogger) Trace(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Debug(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Info(ctx context.Context, message string, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Warn(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Error(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) Fatal(ctx context.Context, message string, err error, fields ...interface{}) observability.Logger {
	return l
}

func (l *nopLogger) AddFieldsToContext(ctx context.Context, fields map[string]string) context.Context {
	return ctx
}

// fakeSink acumula en memoria lo aplicado y mantiene su checkpoint como lo
// haría un sink real. failRows y failTxns fuerzan errores en las próximas N
// escrituras.
type fakeSink struct {
	name          string
	transactional bool

	mu       sync.Mutex
	cp       *Checkpoint
	rows     map[string][]RowSnapshot
	applied  []*Transaction
	failRows int
	failTxns int
}

func newFakeSink(name string, transactional bool) *fakeSink {
	return &fakeSink{
		name:          name,
		transactional: transactional,
		cp:            NewCheckpoint(),
		rows:          make(map[string][]RowSnapshot),
	}
}

func (s *fakeSink) Name() string        { return s.name }
func (s *fakeSink) Transactional() bool { return s.transactional }
func (s *fakeSink) Close() error        { return nil }

func (s *fakeSink) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Clone(), nil
}

func (s *fakeSink) ApplyRows(ctx context.Context, table string,
	rows []RowSnapshot, cursor TableCursor) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRows > 0 {
		s.failRows--
		return fmt.Errorf("fake row write failure")
	}

	s.rows[table] = append(s.rows[table], rows...)
	s.cp.SetTableCursor(table, cursor)

	return nil
}

func (s *fakeSink) ApplyTransaction(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTxns > 0 {
		s.failTxns--
		return fmt.Errorf("fake txn write failure")
	}

	s.applied = append(s.applied, txn)
	s.cp.LastApplied = txn.Commit

	return nil
}

func (s *fakeSink) appliedCommits() []StreamPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	commits := make([]StreamPosition, 0, len(s.applied))
	for _, txn := range s.applied {
		commits = append(commits, txn.Commit)
	}
	return commits
}

func (s *fakeSink) rowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

func (s *fakeSink) appliedEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, txn := range s.applied {
		count += len(txn.Events)
	}
	return count
}

func (s *fakeSink) checkpoint() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Clone()
}

// fakeSource sirve filas de backfill en memoria y entrega scripts de eventos
// por cada apertura del stream. Cada OpenChangeStream consume el siguiente
// script; los eventos se entregan completos sin filtrar por posición, que es
// el peor caso de re-entrega que el deduplicador debe absorber.
type fakeSource struct {
	tables     map[string][]RowSnapshot
	batchSize  int
	scripts    [][]*ChangeEvent
	openErrs   []error
	ackErrs    []error
	streamErrs []map[int]error

	mu          sync.Mutex
	streamOpens int
	acked       []StreamPosition
	openedFrom  []StreamPosition
	calls       []string
}

func newFakeSource(batchSize int) *fakeSource {
	return &fakeSource{
		tables:    make(map[string][]RowSnapshot),
		batchSize: batchSize,
	}
}

func (f *fakeSource) addTable(table string, rowCount int) {
	rows := make([]RowSnapshot, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		rows = append(rows, RowSnapshot{
			Table: table,
			Columns: []Column{
				{Name: "id", Value: i + 1},
			},
			Cursor: strconv.Itoa(i + 1),
		})
	}
	f.tables[table] = rows
}

func (f *fakeSource) Prepare(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "prepare")
	return nil
}

func (f *fakeSource) Tables(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.tables))
	for name := range f.tables {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSource) OpenBackfill(ctx context.Context, table string,
	from TableCursor) (BackfillReader, error) {

	f.mu.Lock()
	f.calls = append(f.calls, "backfill")
	f.mu.Unlock()

	rows, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	offset := 0
	if from.Token != "" {
		parsed, err := strconv.Atoi(from.Token)
		if err != nil {
			return nil, fmt.Errorf("bad cursor token %q: %w", from.Token, err)
		}
		offset = parsed
	}

	return &fakeBackfillReader{
		rows:      rows,
		offset:    offset,
		batchSize: f.batchSize,
		done:      from.Complete,
	}, nil
}

func (f *fakeSource) OpenChangeStream(ctx context.Context,
	from StreamPosition) (ChangeStream, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var events []*ChangeEvent
	if len(f.scripts) > 0 {
		events = f.scripts[0]
		f.scripts = f.scripts[1:]
	}

	var stepErrs map[int]error
	if len(f.streamErrs) > 0 {
		stepErrs = f.streamErrs[0]
		f.streamErrs = f.streamErrs[1:]
	}

	f.streamOpens++
	f.openedFrom = append(f.openedFrom, from)
	f.calls = append(f.calls, "stream")

	return &fakeChangeStream{events: events, errs: stepErrs}, nil
}

func (f *fakeSource) Acknowledge(ctx context.Context, pos StreamPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.ackErrs) > 0 {
		err := f.ackErrs[0]
		f.ackErrs = f.ackErrs[1:]
		if err != nil {
			return err
		}
	}

	f.acked = append(f.acked, pos)
	return nil
}

func (f *fakeSource) Close(ctx context.Context) error { return nil }

func (f *fakeSource) ackedPositions() []StreamPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StreamPosition, len(f.acked))
	copy(out, f.acked)
	return out
}

func (f *fakeSource) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamOpens
}

func (f *fakeSource) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeBackfillReader struct {
	rows      []RowSnapshot
	offset    int
	batchSize int
	done      bool
}

func (r *fakeBackfillReader) Next(ctx context.Context) (*BackfillBatch, error) {

	if r.done || r.offset >= len(r.rows) {
		token := ""
		if len(r.rows) > 0 {
			token = r.rows[len(r.rows)-1].Cursor
		}
		return &BackfillBatch{
			Rows:   []RowSnapshot{},
			Cursor: TableCursor{Token: token, Complete: true},
		}, nil
	}

	end := r.offset + r.batchSize
	if end > len(r.rows) {
		end = len(r.rows)
	}

	batch := r.rows[r.offset:end]
	r.offset = end

	cursor := TableCursor{Token: batch[len(batch)-1].Cursor}
	if r.offset >= len(r.rows) {
		cursor.Complete = true
	}

	return &BackfillBatch{Rows: batch, Cursor: cursor}, nil
}

func (r *fakeBackfillReader) Close(ctx context.Context) error { return nil }

// fakeChangeStream entrega su script y después bloquea hasta la cancelación,
// como un stream real sin tráfico. errs inyecta un error justo antes del
// evento en ese índice, una sola vez, como un mensaje que no decodifica.
type fakeChangeStream struct {
	events []*ChangeEvent
	errs   map[int]error
	idx    int
}

func (s *fakeChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	if err, ok := s.errs[s.idx]; ok {
		delete(s.errs, s.idx)
		return nil, err
	}

	if s.idx < len(s.events) {
		event := s.events[s.idx]
		s.idx++
		return event, nil
	}

	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeChangeStream) Close(ctx context.Context) error { return nil }

// txnScript arma el trío begin/operación/commit de una transacción con una
// sola fila insertada, con commit en la posición dada.
func txnScript(table string, xid uint32, commit StreamPosition) []*ChangeEvent {
	return []*ChangeEvent{
		{Operation: EventTypeBegin, Position: commit, Xid: xid},
		{
			Operation: EventTypeInsert,
			Table:     table,
			Position:  commit,
			Xid:       xid,
			Seq:       0,
			NewData:   map[string]interface{}{"id": int64(xid)},
		},
		{Operation: EventTypeCommit, Position: commit, Xid: xid},
	}
}

// multiRowTxnScript arma una transacción con varias filas insertadas, con
// commit en la posición dada.
func multiRowTxnScript(table string, xid uint32, commit StreamPosition,
	rowCount int) []*ChangeEvent {

	events := []*ChangeEvent{
		{Operation: EventTypeBegin, Position: commit, Xid: xid},
	}

	for i := 0; i < rowCount; i++ {
		events = append(events, &ChangeEvent{
			Operation: EventTypeInsert,
			Table:     table,
			Position:  commit,
			Xid:       xid,
			Seq:       int64(i),
			NewData:   map[string]interface{}{"id": int64(i + 1)},
		})
	}

	return append(events, &ChangeEvent{
		Operation: EventTypeCommit, Position: commit, Xid: xid,
	})
}

func concatScripts(scripts ...[]*ChangeEvent) []*ChangeEvent {
	out := []*ChangeEvent{}
	for _, script := range scripts {
		out = append(out, script...)
	}
	return out
}
