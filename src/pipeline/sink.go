package pipeline

import "context"

// Sink es la capacidad abstracta de destino. Cada sink es dueño exclusivo de
// su Checkpoint: el orquestador lo lee pero nunca lo muta directamente.
type Sink interface {
	// Name identifica al sink en logs, métricas y coordinación de acks.
	Name() string

	// ApplyRows aplica un lote de backfill y persiste el cursor de la tabla
	// en el checkpoint. Para un sink transaccional ambos efectos son
	// atómicos.
	ApplyRows(ctx context.Context, table string, rows []RowSnapshot, cursor TableCursor) error

	// ApplyTransaction aplica los eventos de una transacción en orden de
	// secuencia y persiste Checkpoint.LastApplied = txn.Commit.
	ApplyTransaction(ctx context.Context, txn *Transaction) error

	// ReadCheckpoint retorna el último checkpoint persistido, o un
	// checkpoint de valor cero si el sink nunca corrió. Un checkpoint
	// ilegible retorna ErrCheckpointCorrupt.
	ReadCheckpoint(ctx context.Context) (*Checkpoint, error)

	// Transactional indica si la escritura de datos y la actualización del
	// checkpoint son atómicas en conjunto. Cuando no lo son, la re-entrega
	// de duplicados es posible y el deduplicador se engancha en cada
	// transacción.
	Transactional() bool

	Close() error
}
