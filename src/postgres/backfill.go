package postgres

import (
	"context"
	"fmt"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pgx/v5"
)

const DefaultBackfillBatchSize = 1000

// backfillReader recorre una tabla paginando por ctid. El token del cursor es
// el ctid textual de la última fila entregada, lo que deja el scan reanudable
// sin exigir clave primaria. Las filas que se muevan de página durante el
// backfill quedan cubiertas por el stream de cambios, no por el scan.
type backfillReader struct {
	conn      *pgx.Conn
	table     string
	sanitized string
	batchSize int
	lastCtid  string
	done      bool
	logger    observability.Logger
}

func newBackfillReader(conn *pgx.Conn, table string, from pipeline.TableCursor,
	batchSize int, logger observability.Logger) (*backfillReader, error) {

	sanitized, err := SanitizeTable(table)
	if err != nil {
		return nil, err
	}

	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}

	return &backfillReader{
		conn:      conn,
		table:     QualifiedName(table),
		sanitized: sanitized,
		batchSize: batchSize,
		lastCtid:  from.Token,
		done:      from.Complete,
		logger:    logger,
	}, nil
}

func (r *backfillReader) Next(ctx context.Context) (*pipeline.BackfillBatch, error) {

	if r.done {
		return &pipeline.BackfillBatch{
			Rows:   []pipeline.RowSnapshot{},
			Cursor: pipeline.TableCursor{Token: r.lastCtid, Complete: true},
		}, nil
	}

	var rows pgx.Rows
	var err error

	if r.lastCtid == "" {
		q := fmt.Sprintf(BACKFILL_FIRST_BATCH_QUERY, r.sanitized, r.batchSize)
		rows, err = r.conn.Query(ctx, q)
	} else {
		q := fmt.Sprintf(BACKFILL_NEXT_BATCH_QUERY, r.sanitized, r.batchSize)
		rows, err = r.conn.Query(ctx, q, r.lastCtid)
	}

	if err != nil {
		return nil, fmt.Errorf("query backfill batch %s: %w", r.table, err)
	}

	defer rows.Close()

	fields := rows.FieldDescriptions()

	snapshots := []pipeline.RowSnapshot{}

	for rows.Next() {

		values, err := rows.Values()

		if err != nil {
			return nil, fmt.Errorf("scan backfill row %s: %w", r.table, err)
		}

		// La primera columna es el ctid textual, el resto son las columnas
		// reales de la tabla.
		ctid, ok := values[0].(string)
		if !ok {
			return nil, fmt.Errorf("backfill %s: ctid inesperado %T", r.table, values[0])
		}

		columns := make([]pipeline.Column, 0, len(values)-1)
		for i := 1; i < len(values); i++ {
			columns = append(columns, pipeline.Column{
				Name:  fields[i].Name,
				Value: values[i],
			})
		}

		r.lastCtid = ctid

		snapshots = append(snapshots, pipeline.RowSnapshot{
			Table:   r.table,
			Columns: columns,
			Cursor:  ctid,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read backfill batch %s: %w", r.table, err)
	}

	// Un lote corto significa que la tabla se agotó: este lote cierra el scan.
	if len(snapshots) < r.batchSize {
		r.done = true
		return &pipeline.BackfillBatch{
			Rows:   snapshots,
			Cursor: pipeline.TableCursor{Token: r.lastCtid, Complete: true},
		}, nil
	}

	return &pipeline.BackfillBatch{
		Rows:   snapshots,
		Cursor: pipeline.TableCursor{Token: r.lastCtid},
	}, nil
}

func (r *backfillReader) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}
