package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

const PgoutputPlugin = "pgoutput"

func SlotExists(ctx context.Context, sqlConn *pgx.Conn, slotName string) (bool, error) {

	var exists bool

	err := sqlConn.QueryRow(ctx, SLOT_EXISTS_QUERY, slotName).Scan(&exists)

	return exists, err
}

func CreateLogicalSlotIfMissing(ctx context.Context, sqlConn *pgx.Conn, slot, plugin string) error {

	exists, err := SlotExists(ctx, sqlConn, slot)

	if err != nil {
		return fmt.Errorf("check slot exists: %w", err)
	}

	if exists {
		return nil
	}

	_, err = sqlConn.Exec(ctx, CREATE_LOGICAL_SLOT_QUERY, slot, plugin)

	return err
}

// SlotConfirmedLSN lee la posición confirmada del slot, 0 si el slot es nuevo.
func SlotConfirmedLSN(ctx context.Context, sqlConn *pgx.Conn, slot string) (pglogrepl.LSN, error) {

	var lsnText *string

	err := sqlConn.QueryRow(ctx, GET_SLOT_LSN_QUERY, slot).Scan(&lsnText)

	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get slot lsn: %w", err)
	}

	if lsnText == nil {
		return 0, nil
	}

	lsn, err := pglogrepl.ParseLSN(*lsnText)
	if err != nil {
		return 0, fmt.Errorf("parse slot lsn %q: %w", *lsnText, err)
	}

	return lsn, nil
}
