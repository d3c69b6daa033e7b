package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/config"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pgx/v5"
)

// Valor centinela de pgoutput para columnas TOAST sin cambios. Esas columnas
// se omiten en los updates para no pisar el valor real del destino.
const unchangedColumnValue = "<<unchanged>>"

// PostgresSink replica las tablas del origen en otra base Postgres. Es el
// único sink transaccional: cada ApplyTransaction y cada ApplyRows escribe
// los datos y su checkpoint dentro de la misma transacción SQL, así un
// reinicio nunca encuentra datos sin checkpoint ni checkpoint sin datos.
//
// Las tablas destino deben existir con el mismo esquema que las del origen.
type PostgresSink struct {
	name   string
	cfg    *config.PostgresSinkConfig
	logger observability.Logger

	mu     sync.Mutex
	conn   *pgx.Conn
	pkCols map[string][]string
}

func NewPostgresSink(name string, cfg *config.PostgresSinkConfig,
	logger observability.Logger) (*PostgresSink, error) {

	if cfg == nil {
		return nil, fmt.Errorf("postgres sink config is nil")
	}

	return &PostgresSink{
		name:   name,
		cfg:    cfg,
		logger: logger,
		pkCols: make(map[string][]string),
	}, nil
}

func (ps *PostgresSink) Name() string {
	return ps.name
}

func (ps *PostgresSink) Transactional() bool {
	return true
}

func (ps *PostgresSink) ensureConn(ctx context.Context) (*pgx.Conn, error) {

	if ps.conn != nil && !ps.conn.IsClosed() {
		return ps.conn, nil
	}

	conn, err := pgx.Connect(ctx, ps.cfg.ConnectionString())

	if err != nil {
		return nil, fmt.Errorf("connect sink %s: %w", ps.name, err)
	}

	if _, err := conn.Exec(ctx, CREATE_CHECKPOINT_TABLE_QUERY); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}

	if _, err := conn.Exec(ctx, CREATE_CURSORS_TABLE_QUERY); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("create cursors table: %w", err)
	}

	ps.conn = conn

	return conn, nil
}

func (ps *PostgresSink) ReadCheckpoint(ctx context.Context) (*pipeline.Checkpoint, error) {

	ps.mu.Lock()
	defer ps.mu.Unlock()

	conn, err := ps.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	cp := pipeline.NewCheckpoint()

	var lastApplied int64

	err = conn.QueryRow(ctx, READ_CHECKPOINT_QUERY).Scan(&lastApplied)

	switch {
	case err == pgx.ErrNoRows:
		// Sink nuevo, checkpoint en cero.
	case err != nil:
		return nil, fmt.Errorf("read checkpoint: %w", err)
	case lastApplied < 0:
		return nil, fmt.Errorf("%w: last_applied negativo %d",
			pipeline.ErrCheckpointCorrupt, lastApplied)
	default:
		cp.LastApplied = pipeline.StreamPosition(lastApplied)
	}

	rows, err := conn.Query(ctx, READ_CURSORS_QUERY)

	if err != nil {
		return nil, fmt.Errorf("read table cursors: %w", err)
	}

	defer rows.Close()

	for rows.Next() {

		var table, token string
		var complete bool

		if err := rows.Scan(&table, &token, &complete); err != nil {
			return nil, fmt.Errorf("%w: scan table cursor: %v",
				pipeline.ErrCheckpointCorrupt, err)
		}

		cp.SetTableCursor(table, pipeline.TableCursor{Token: token, Complete: complete})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table cursors: %w", err)
	}

	return cp, nil
}

// primaryKeyColumns consulta y cachea la clave primaria de la tabla destino.
func (ps *PostgresSink) primaryKeyColumns(ctx context.Context, conn *pgx.Conn,
	table string) ([]string, error) {

	qualified := QualifiedName(table)

	if cols, ok := ps.pkCols[qualified]; ok {
		return cols, nil
	}

	rows, err := conn.Query(ctx, PRIMARY_KEY_COLUMNS_QUERY, qualified)

	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", qualified, err)
	}

	defer rows.Close()

	cols := []string{}

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key of %s: %w", qualified, err)
		}
		cols = append(cols, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", qualified, err)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("la tabla destino %s no tiene clave primaria", qualified)
	}

	ps.pkCols[qualified] = cols

	return cols, nil
}

func (ps *PostgresSink) ApplyRows(ctx context.Context, table string,
	rows []pipeline.RowSnapshot, cursor pipeline.TableCursor) error {

	ps.mu.Lock()
	defer ps.mu.Unlock()

	conn, err := ps.ensureConn(ctx)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin backfill tx: %w", err)
	}

	defer tx.Rollback(ctx)

	for i := range rows {

		data := make(map[string]interface{}, len(rows[i].Columns))
		for _, col := range rows[i].Columns {
			data[col.Name] = col.Value
		}

		if err := insertRow(ctx, tx, table, data); err != nil {
			if IsUndefinedTableError(err) {
				return fmt.Errorf("la tabla destino %s no existe: %w", table, err)
			}
			return fmt.Errorf("backfill insert into %s: %w", table, err)
		}
	}

	_, err = tx.Exec(ctx, UPSERT_CURSOR_QUERY,
		QualifiedName(table), cursor.Token, cursor.Complete)

	if err != nil {
		return fmt.Errorf("persist cursor of %s: %w", table, err)
	}

	return tx.Commit(ctx)
}

func (ps *PostgresSink) ApplyTransaction(ctx context.Context,
	txn *pipeline.Transaction) error {

	ps.mu.Lock()
	defer ps.mu.Unlock()

	conn, err := ps.ensureConn(ctx)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer tx.Rollback(ctx)

	for i := range txn.Events {

		event := &txn.Events[i]

		if err := ps.applyEvent(ctx, conn, tx, event); err != nil {
			if IsUndefinedTableError(err) {
				return fmt.Errorf("la tabla destino %s no existe: %w", event.Table, err)
			}
			return fmt.Errorf("apply %s on %s: %w", event.Operation, event.Table, err)
		}
	}

	_, err = tx.Exec(ctx, UPSERT_CHECKPOINT_QUERY, int64(txn.Commit))

	if err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}

	return tx.Commit(ctx)
}

func (ps *PostgresSink) applyEvent(ctx context.Context, conn *pgx.Conn,
	tx pgx.Tx, event *pipeline.ChangeEvent) error {

	switch event.Operation {

	case pipeline.EventTypeInsert:
		return insertRow(ctx, tx, event.Table, event.NewData)

	case pipeline.EventTypeUpdate:
		pk, err := ps.primaryKeyColumns(ctx, conn, event.Table)
		if err != nil {
			return err
		}
		return updateRow(ctx, tx, event.Table, pk, event.OldData, event.NewData)

	case pipeline.EventTypeDelete:
		pk, err := ps.primaryKeyColumns(ctx, conn, event.Table)
		if err != nil {
			return err
		}
		return deleteRow(ctx, tx, event.Table, pk, event.OldData)

	default:
		return fmt.Errorf("operación no soportada %q", event.Operation)
	}
}

func insertRow(ctx context.Context, tx pgx.Tx, table string,
	data map[string]interface{}) error {

	sanitized, err := SanitizeTable(table)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(data))
	placeholders := make([]string, 0, len(data))
	args := make([]interface{}, 0, len(data))

	i := 1
	for name, value := range data {
		cols = append(cols, pgx.Identifier{name}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, value)
		i++
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sanitized, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	_, err = tx.Exec(ctx, q, args...)

	return err
}

// keyValues arma los valores de la clave primaria, prefiriendo la imagen
// nueva y cayendo a la vieja (REPLICA IDENTITY FULL la garantiza en updates
// y deletes).
func keyValues(pk []string, primary, fallback map[string]interface{}) ([]interface{}, error) {

	values := make([]interface{}, 0, len(pk))

	for _, col := range pk {

		if primary != nil {
			if v, ok := primary[col]; ok && v != unchangedColumnValue {
				values = append(values, v)
				continue
			}
		}

		if fallback != nil {
			if v, ok := fallback[col]; ok && v != unchangedColumnValue {
				values = append(values, v)
				continue
			}
		}

		return nil, fmt.Errorf("falta la columna de clave primaria %q", col)
	}

	return values, nil
}

func updateRow(ctx context.Context, tx pgx.Tx, table string, pk []string,
	oldData, newData map[string]interface{}) error {

	sanitized, err := SanitizeTable(table)
	if err != nil {
		return err
	}

	pkSet := make(map[string]bool, len(pk))
	for _, col := range pk {
		pkSet[col] = true
	}

	sets := []string{}
	args := []interface{}{}

	i := 1
	for name, value := range newData {

		if pkSet[name] || value == unchangedColumnValue {
			continue
		}

		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{name}.Sanitize(), i))
		args = append(args, value)
		i++
	}

	if len(sets) == 0 {
		return nil
	}

	keyVals, err := keyValues(pk, newData, oldData)
	if err != nil {
		return err
	}

	wheres := make([]string, 0, len(pk))
	for _, col := range pk {
		wheres = append(wheres, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i))
		args = append(args, keyVals[len(wheres)-1])
		i++
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		sanitized, strings.Join(sets, ", "), strings.Join(wheres, " AND "))

	_, err = tx.Exec(ctx, q, args...)

	return err
}

func deleteRow(ctx context.Context, tx pgx.Tx, table string, pk []string,
	oldData map[string]interface{}) error {

	sanitized, err := SanitizeTable(table)
	if err != nil {
		return err
	}

	keyVals, err := keyValues(pk, oldData, nil)
	if err != nil {
		return err
	}

	wheres := make([]string, 0, len(pk))
	args := make([]interface{}, 0, len(pk))

	for i, col := range pk {
		wheres = append(wheres, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1))
		args = append(args, keyVals[i])
	}

	q := fmt.Sprintf("DELETE FROM %s WHERE %s",
		sanitized, strings.Join(wheres, " AND "))

	_, err = tx.Exec(ctx, q, args...)

	return err
}

func (ps *PostgresSink) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.conn != nil {
		err := ps.conn.Close(context.Background())
		ps.conn = nil
		return err
	}

	return nil
}
