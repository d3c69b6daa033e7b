package pipeline

import (
	"fmt"
	"sort"
	"time"
)

type EventType string

const (
	EventTypeBegin  EventType = "begin"
	EventTypeInsert EventType = "insert"
	EventTypeUpdate EventType = "update"
	EventTypeDelete EventType = "delete"
	EventTypeCommit EventType = "commit"
)

// StreamPosition es un marcador opaco y totalmente ordenado de progreso en el
// stream de cambios. Los adapters codifican su número de secuencia nativo
// (por ejemplo un LSN de Postgres) en los 64 bits.
type StreamPosition uint64

func (p StreamPosition) String() string {
	return fmt.Sprintf("%X/%X", uint32(p>>32), uint32(p))
}

// Compare retorna -1, 0 o 1. Las posiciones del mismo source siempre son
// comparables entre sí.
func (p StreamPosition) Compare(other StreamPosition) int {
	switch {
	case p < other:
		return -1
	case p > other:
		return 1
	default:
		return 0
	}
}

// Column es un par nombre/valor. Las filas conservan el orden de columnas
// del source.
type Column struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// RowSnapshot es una fila leída durante el backfill. Cursor es el token
// opaco que permite reanudar el scan de la tabla después de esta fila.
type RowSnapshot struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
	Cursor  string   `json:"-"`
}

func NewRowSnapshot(table string, columns []Column, cursor string) (*RowSnapshot, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: row snapshot without table", ErrMalformedEvent)
	}
	return &RowSnapshot{Table: table, Columns: columns, Cursor: cursor}, nil
}

// Modelo principal del pipeline que representa una operacion en la base de
// datos (insert, update, delete) o un límite de transacción (begin, commit)
type ChangeEvent struct {
	Operation   EventType              `json:"operation"`
	Table       string                 `json:"table,omitempty"`
	Position    StreamPosition         `json:"position"`
	Xid         uint32                 `json:"xid,omitempty"`
	Seq         int64                  `json:"seq"`
	ConsumeTime time.Time              `json:"consume_time,omitempty"`
	OldData     map[string]interface{} `json:"old_data,omitempty"`
	NewData     map[string]interface{} `json:"new_data,omitempty"`
}

// IsBoundary indica si el evento marca un límite de transacción en lugar de
// una operación sobre una fila.
func (e *ChangeEvent) IsBoundary() bool {
	return e.Operation == EventTypeBegin || e.Operation == EventTypeCommit
}

func (e *ChangeEvent) Validate() error {
	switch e.Operation {
	case EventTypeBegin, EventTypeCommit:
		return nil
	case EventTypeInsert, EventTypeUpdate, EventTypeDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, e.Operation)
	}

	if e.Table == "" {
		return fmt.Errorf("%w: %s event without table", ErrMalformedEvent, e.Operation)
	}

	if e.Seq < 0 {
		return fmt.Errorf("%w: negative sequence number %d", ErrMalformedEvent, e.Seq)
	}

	return nil
}

func NewChangeEvent(op EventType, table string, position StreamPosition,
	xid uint32, seq int64,
	oldData, newData map[string]interface{}) (*ChangeEvent, error) {

	e := &ChangeEvent{
		Operation: op,
		Table:     table,
		Position:  position,
		Xid:       xid,
		Seq:       seq,
		OldData:   oldData,
		NewData:   newData,
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Transaction agrupa los eventos de una transacción lógica del source. El
// deduplicador decide sobre transacciones completas usando Commit, nunca
// sobre eventos individuales.
type Transaction struct {
	Xid        uint32         `json:"xid"`
	Begin      StreamPosition `json:"begin_position"`
	Commit     StreamPosition `json:"commit_position"`
	CommitTime time.Time      `json:"commit_time,omitempty"`
	Events     []ChangeEvent  `json:"events"`
}

// SortEvents ordena los eventos por número de secuencia. El orden de
// aplicación dentro de una transacción lo define Seq, no el orden de llegada.
func (t *Transaction) SortEvents() {
	sort.SliceStable(t.Events, func(i, j int) bool {
		return t.Events[i].Seq < t.Events[j].Seq
	})
}

// TransactionAssembler arma transacciones a partir del stream de eventos
// delimitado por begin/commit. Mantiene a lo sumo una transacción abierta:
// el stream entrega las transacciones de forma serial.
type TransactionAssembler struct {
	current *Transaction
}

func NewTransactionAssembler() *TransactionAssembler {
	return &TransactionAssembler{}
}

// Feed consume un evento y retorna la transacción completa cuando ve el
// commit. Retorna nil mientras la transacción sigue abierta.
func (a *TransactionAssembler) Feed(e *ChangeEvent) (*Transaction, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}

	if err := e.Validate(); err != nil {
		a.current = nil
		return nil, err
	}

	switch e.Operation {

	case EventTypeBegin:
		if a.current != nil {
			openXid := a.current.Xid
			a.current = nil
			return nil, fmt.Errorf("%w: begin for xid %d while xid %d is open",
				ErrMalformedEvent, e.Xid, openXid)
		}

		a.current = &Transaction{
			Xid:    e.Xid,
			Begin:  e.Position,
			Events: []ChangeEvent{},
		}

		return nil, nil

	case EventTypeCommit:
		if a.current == nil {
			return nil, fmt.Errorf("%w: commit for xid %d without begin",
				ErrMalformedEvent, e.Xid)
		}

		txn := a.current
		a.current = nil

		txn.Commit = e.Position
		txn.CommitTime = e.ConsumeTime
		txn.SortEvents()

		return txn, nil

	default:
		if a.current == nil {
			return nil, fmt.Errorf("%w: %s event for xid %d outside a transaction",
				ErrMalformedEvent, e.Operation, e.Xid)
		}

		a.current.Events = append(a.current.Events, *e)

		return nil, nil
	}
}

// Reset descarta la transacción abierta. Se usa al reconectar el stream.
func (a *TransactionAssembler) Reset() {
	a.current = nil
}

// Pending indica si hay una transacción abierta sin commit.
func (a *TransactionAssembler) Pending() bool {
	return a.current != nil
}
