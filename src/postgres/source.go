package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/config"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

const openMaxAttempts = 5

// PostgresSource implementa pipeline.Source sobre replicación lógica con
// pgoutput. El backfill abre conexiones SQL independientes por tabla; el
// stream usa una conexión de replicación dedicada.
type PostgresSource struct {
	cfg    *config.PostgresConfig
	logger observability.Logger

	// Máximo confirmado por Acknowledge. El stream lo reporta al primario en
	// sus standby status updates.
	acked atomic.Uint64

	mu     sync.Mutex
	stream *changeStream
}

func NewPostgresSource(cfg *config.PostgresConfig,
	logger observability.Logger) (*PostgresSource, error) {

	if cfg == nil {
		return nil, fmt.Errorf("postgres config is nil")
	}

	if strings.TrimSpace(cfg.SlotName) == "" {
		return nil, fmt.Errorf("slot name is required")
	}

	if strings.TrimSpace(cfg.Publication) == "" {
		return nil, fmt.Errorf("publication name is required")
	}

	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}

	return &PostgresSource{
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (s *PostgresSource) ackedPosition() pipeline.StreamPosition {
	return pipeline.StreamPosition(s.acked.Load())
}

func (s *PostgresSource) streamClosed(stream *changeStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == stream {
		s.stream = nil
	}
}

// Prepare deja listos el slot y la publicación antes de que el backfill lea
// la primera fila. El slot captura el punto consistente del WAL al crearse:
// todo commit posterior sale por el stream aunque el scan ya haya pasado por
// su página.
func (s *PostgresSource) Prepare(ctx context.Context) error {

	conn, err := pgx.Connect(ctx, s.cfg.ConnectionString())

	if err != nil {
		return fmt.Errorf("connect sql: %w", err)
	}

	defer conn.Close(ctx)

	if err := ValidateReplicaConfiguration(ctx, conn); err != nil {
		return err
	}

	if err := VerifyTables(ctx, conn, s.cfg.Tables); err != nil {
		return err
	}

	s.logger.Info(ctx, "Creando slot de replicacion", "slot", s.cfg.SlotName)

	if err := CreateLogicalSlotIfMissing(ctx, conn, s.cfg.SlotName, PgoutputPlugin); err != nil {
		return fmt.Errorf("create slot: %w", err)
	}

	err = CreatePublicationAndSetTableIdentityFull(ctx, conn,
		s.cfg.Publication, s.cfg.Tables, s.logger)

	if err != nil {
		return fmt.Errorf("create publication: %w", err)
	}

	return nil
}

// Tables valida que cada tabla configurada exista en el origen y retorna la
// lista normalizada schema.tabla.
func (s *PostgresSource) Tables(ctx context.Context) ([]string, error) {

	conn, err := pgx.Connect(ctx, s.cfg.ConnectionString())

	if err != nil {
		return nil, fmt.Errorf("connect sql: %w", err)
	}

	defer conn.Close(ctx)

	if err := VerifyTables(ctx, conn, s.cfg.Tables); err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(s.cfg.Tables))
	for _, table := range s.cfg.Tables {
		tables = append(tables, QualifiedName(table))
	}

	return tables, nil
}

func (s *PostgresSource) OpenBackfill(ctx context.Context, table string,
	from pipeline.TableCursor) (pipeline.BackfillReader, error) {

	conn, err := pgx.Connect(ctx, s.cfg.ConnectionString())

	if err != nil {
		return nil, fmt.Errorf("connect backfill %s: %w", table, err)
	}

	reader, err := newBackfillReader(conn, table, from,
		s.cfg.BackfillBatchSize, s.logger)

	if err != nil {
		conn.Close(ctx)
		return nil, err
	}

	return reader, nil
}

// OpenChangeStream arranca la replicación desde la posición pedida sobre el
// slot creado en Prepare. El primario re-entrega desde su confirmed_flush_lsn
// si este quedó detrás de la posición pedida: el deduplicador descarta el
// exceso.
func (s *PostgresSource) OpenChangeStream(ctx context.Context,
	from pipeline.StreamPosition) (pipeline.ChangeStream, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil, fmt.Errorf("change stream already open")
	}

	cm := NewConnectionManager(s.cfg, s.logger).WithMaxAttempts(openMaxAttempts)

	if err := cm.ConnectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("connect replication: %w", err)
	}

	sqlConn, replConn := cm.GetConnections()

	closeAll := func() {
		cm.Close(ctx)
	}

	// Guardia idempotente: en el arranque normal Prepare ya lo creó.
	if err := CreateLogicalSlotIfMissing(ctx, sqlConn, s.cfg.SlotName, PgoutputPlugin); err != nil {
		closeAll()
		return nil, fmt.Errorf("create slot: %w", err)
	}

	// Sin posición pedida manda el slot: su punto confirmado precede al
	// backfill, y arrancar detrás de él solo produciría re-entrega inmediata.
	slotLSN, err := SlotConfirmedLSN(ctx, sqlConn, s.cfg.SlotName)

	if err != nil {
		closeAll()
		return nil, fmt.Errorf("read slot position: %w", err)
	}

	// La conexión SQL ya cumplió su parte, el stream vive solo sobre la de
	// replicación.
	if err := sqlConn.Close(ctx); err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("close sql connection: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, replConn)

	if err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("identify system: %w", err)
	}

	s.logger.Info(ctx, "Sistema identificado",
		"system_id", sysident.SystemID,
		"timeline", sysident.Timeline,
		"xlog_pos", sysident.XLogPos.String())

	startLSN := pglogrepl.LSN(from)
	if startLSN == 0 {
		startLSN = slotLSN
	}
	if startLSN == 0 {
		startLSN = sysident.XLogPos
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
	}

	err = pglogrepl.StartReplication(ctx, replConn, s.cfg.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArgs,
			Mode:       pglogrepl.LogicalReplication,
		})

	if err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("start replication: %w", err)
	}

	s.logger.Info(ctx, "Replicación iniciada",
		"slot", s.cfg.SlotName,
		"lsn", startLSN.String(),
		"tables", s.cfg.Tables)

	stream := newChangeStream(s, replConn, startLSN, s.logger)

	s.stream = stream

	return stream, nil
}

// Acknowledge registra el máximo confirmado. El stream lo comunica al
// primario en su próxima cadencia de status, lo que permite recortar el WAL
// retenido por el slot.
func (s *PostgresSource) Acknowledge(ctx context.Context,
	pos pipeline.StreamPosition) error {

	for {
		current := s.acked.Load()

		if uint64(pos) <= current {
			return nil
		}

		if s.acked.CompareAndSwap(current, uint64(pos)) {
			s.logger.Debug(ctx, "Posición confirmada", "position", pos.String())
			return nil
		}
	}
}

func (s *PostgresSource) Close(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		return stream.replConn.Close(ctx)
	}

	return nil
}
