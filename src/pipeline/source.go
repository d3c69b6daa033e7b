package pipeline

import (
	"context"
)

// BackfillBatch es un lote de filas más el cursor que lo completa. Persistir
// ese cursor junto con las filas deja el scan reanudable exactamente después
// del lote.
type BackfillBatch struct {
	Rows   []RowSnapshot
	Cursor TableCursor
}

// BackfillReader recorre una tabla por lotes. Next retorna nil cuando la
// tabla se agotó.
type BackfillReader interface {
	Next(ctx context.Context) (*BackfillBatch, error)

	Close(ctx context.Context) error
}

// ChangeStream es la secuencia infinita de eventos de cambio. Next bloquea
// hasta que haya un evento o el contexto se cancele; nunca hace busy poll.
type ChangeStream interface {
	Next(ctx context.Context) (*ChangeEvent, error)

	Close(ctx context.Context) error
}

// Source es la capacidad abstracta de origen: backfill reanudable por tabla,
// stream de cambios reanudable por posición y confirmación de progreso para
// que el origen recorte su historial retenido.
//
// La re-entrega de eventos anteriores a una posición ya aplicada es esperada
// al reconectar: filtrarla es responsabilidad del deduplicador, no del source.
type Source interface {
	// Tables retorna las tablas que el source expone. El orquestador valida
	// la configuración contra esta lista antes de mover datos.
	Tables(ctx context.Context) ([]string, error)

	// Prepare fija el punto de captura del stream antes de que empiece
	// cualquier copia: un commit que entra mientras el backfill avanza tiene
	// que salir después por el stream, y eso exige que el punto de inicio
	// exista antes de leer la primera fila. Idempotente; se invoca en cada
	// intento de corrida.
	Prepare(ctx context.Context) error

	// OpenBackfill abre un scan de la tabla desde el cursor dado. Un cursor
	// de valor cero inicia desde la primera fila.
	OpenBackfill(ctx context.Context, table string, from TableCursor) (BackfillReader, error)

	// OpenChangeStream abre el stream de cambios desde la posición dada,
	// inclusive. Una posición cero inicia desde la posición actual del source.
	OpenChangeStream(ctx context.Context, from StreamPosition) (ChangeStream, error)

	// Acknowledge informa que todo hasta pos inclusive está aplicado
	// durablemente. Idempotente y monotónica: el source retiene solo el
	// máximo confirmado, llamadas con posiciones viejas no lo retroceden.
	Acknowledge(ctx context.Context, pos StreamPosition) error

	Close(ctx context.Context) error
}
