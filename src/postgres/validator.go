package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func ValidateReplicaConfiguration(ctx context.Context, sqlConn *pgx.Conn) error {

	var walLevel string

	err := sqlConn.QueryRow(ctx, VALIDATE_WAL_LEVEL_QUERY).Scan(&walLevel)

	if err != nil {
		return fmt.Errorf("get wal_level: %w", err)
	}

	if walLevel != "logical" {
		return fmt.Errorf("wal_level is not set to logical")
	}

	return nil
}

func VerifyTables(ctx context.Context, sqlConn *pgx.Conn, tables []string) error {

	for _, table := range tables {

		var exists bool

		err := sqlConn.QueryRow(ctx, TABLE_EXISTS_QUERY, QualifiedName(table)).Scan(&exists)

		if err != nil {
			return fmt.Errorf("verificar tabla %s: %w", table, err)
		}

		if !exists {
			return fmt.Errorf("la tabla %s no existe en el origen", table)
		}
	}

	return nil
}
