package postgres

import (
	"context"
	"fmt"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/config"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConnectionManager mantiene el par de conexiones hacia el origen: una SQL
// normal para catálogo y backfill, y una de replicación para el stream.
type ConnectionManager struct {
	config *config.PostgresConfig
	logger observability.Logger
	retry  pipeline.RetryPolicy

	sqlConn  *pgx.Conn
	replConn *pgconn.PgConn
}

func NewConnectionManager(cfg *config.PostgresConfig,
	logger observability.Logger) *ConnectionManager {

	return &ConnectionManager{
		config: cfg,
		logger: logger,
		retry: pipeline.RetryPolicy{
			MaxAttempts: -1, // -1 = infinito
			Backoff:     pipeline.DefaultBackoff(),
		},
	}
}

// WithMaxAttempts acota los reintentos de conexión. El valor por defecto es
// infinito.
func (cm *ConnectionManager) WithMaxAttempts(attempts int) *ConnectionManager {
	cm.retry.MaxAttempts = attempts
	return cm
}

func (cm *ConnectionManager) ConnectWithRetry(ctx context.Context) error {

	attempt := 0

	return cm.retry.Do(ctx, func(ctx context.Context) error {

		attempt++

		err := cm.connect(ctx)

		if err == nil {
			cm.logger.Info(ctx, "Conexión a PostgreSQL establecida exitosamente")
			return nil
		}

		cm.logger.Error(ctx, "Error conectando a PostgreSQL", err,
			"attempt", attempt)

		return err
	})
}

func (cm *ConnectionManager) connect(ctx context.Context) error {

	connString := cm.config.ConnectionString()

	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	sqlConn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("connect sql: %w", err)
	}

	if err := ValidateReplicaConfiguration(ctx, sqlConn); err != nil {
		sqlConn.Close(ctx)
		return fmt.Errorf("validate config: %w", err)
	}

	replDSN := connString + " replication=database"
	replConn, err := pgconn.Connect(ctx, replDSN)
	if err != nil {
		sqlConn.Close(ctx)
		return fmt.Errorf("connect replication: %w", err)
	}

	cm.sqlConn = sqlConn
	cm.replConn = replConn

	return nil
}

func (cm *ConnectionManager) GetConnections() (*pgx.Conn, *pgconn.PgConn) {
	return cm.sqlConn, cm.replConn
}

func (cm *ConnectionManager) Close(ctx context.Context) {
	if cm.sqlConn != nil {
		cm.sqlConn.Close(ctx)
		cm.sqlConn = nil
	}
	if cm.replConn != nil {
		cm.replConn.Close(ctx)
		cm.replConn = nil
	}
}

func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if cm.sqlConn == nil {
		return fmt.Errorf("sql connection is nil")
	}

	var result int
	err := cm.sqlConn.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}
