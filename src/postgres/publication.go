package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/jackc/pgx/v5"
)

func BuildCreatePublicationSQL(pubName string, tables []string) (string, error) {

	pubIdent := pgx.Identifier{pubName}.Sanitize()

	tableIdents := make([]string, 0, len(tables))

	for _, table := range tables {

		tableIdent, err := SanitizeTable(table)

		if err != nil {
			return "", err
		}

		tableIdents = append(tableIdents, tableIdent)
	}

	q := fmt.Sprintf(CREATE_PUBLICATION_QUERY, pubIdent,
		strings.Join(tableIdents, ", "))

	return q, nil
}

func DropPublication(ctx context.Context, sqlConn *pgx.Conn, publication string) error {

	q := fmt.Sprintf(DROP_PUBLICATION_QUERY, pgx.Identifier{publication}.Sanitize())

	_, err := sqlConn.Exec(ctx, q)

	return err
}

func SetTableIdentityFull(ctx context.Context, sqlConn *pgx.Conn, table string) error {

	sanitizedTable, err := SanitizeTable(table)

	if err != nil {
		return err
	}

	q := fmt.Sprintf(SET_TABLE_IDENTITY_FULL_QUERY, sanitizedTable)

	_, err = sqlConn.Exec(ctx, q)

	return err
}

// CreatePublicationAndSetTableIdentityFull recrea la publicación cubriendo
// todas las tablas configuradas. REPLICA IDENTITY FULL garantiza que los
// deletes y updates traen la fila vieja completa.
func CreatePublicationAndSetTableIdentityFull(ctx context.Context,
	sqlConn *pgx.Conn, publication string, tables []string,
	logger observability.Logger) error {

	if sqlConn == nil {
		return fmt.Errorf("sql connection is nil")
	}

	logger.Info(ctx, "Dropping publication", "publication", publication)

	if err := DropPublication(ctx, sqlConn, publication); err != nil {
		return fmt.Errorf("drop publication: %w", err)
	}

	for _, table := range tables {
		logger.Info(ctx, "Setting table identity full", "table", table)
		if err := SetTableIdentityFull(ctx, sqlConn, table); err != nil {
			return fmt.Errorf("set table identity full: %w", err)
		}
	}

	logger.Info(ctx, "Building publication query", "publication", publication)

	publicationQuery, err := BuildCreatePublicationSQL(publication, tables)

	if err != nil {
		return err
	}

	logger.Info(ctx, "Executing publication query", "publication", publication)
	_, err = sqlConn.Exec(ctx, publicationQuery)

	if err != nil {
		if !IsDuplicateObjectError(err) {
			return err
		}
	}

	return nil
}
