package postgres

const VALIDATE_WAL_LEVEL_QUERY = "SELECT setting FROM pg_settings WHERE name = 'wal_level'"

const SLOT_EXISTS_QUERY = "SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)"

const CREATE_LOGICAL_SLOT_QUERY = "SELECT slot_name FROM pg_create_logical_replication_slot($1, $2)"

const CREATE_PUBLICATION_QUERY = "CREATE PUBLICATION %s FOR TABLE %s WITH (publish = 'insert, update, delete')"

const DROP_PUBLICATION_QUERY = "DROP PUBLICATION IF EXISTS %s"

const SET_TABLE_IDENTITY_FULL_QUERY = "ALTER TABLE %s REPLICA IDENTITY FULL"

const TABLE_EXISTS_QUERY = "SELECT to_regclass($1) IS NOT NULL"

const GET_SLOT_LSN_QUERY = "SELECT COALESCE(confirmed_flush_lsn, restart_lsn) FROM pg_replication_slots WHERE slot_name = $1"

const PRIMARY_KEY_COLUMNS_QUERY = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey, a.attnum)`

const BACKFILL_FIRST_BATCH_QUERY = "SELECT ctid::text, * FROM %s ORDER BY ctid LIMIT %d"

const BACKFILL_NEXT_BATCH_QUERY = "SELECT ctid::text, * FROM %s WHERE ctid > $1::tid ORDER BY ctid LIMIT %d"

const CREATE_CHECKPOINT_TABLE_QUERY = `
CREATE TABLE IF NOT EXISTS cdc_checkpoint (
	id smallint PRIMARY KEY CHECK (id = 1),
	last_applied bigint NOT NULL
)`

const CREATE_CURSORS_TABLE_QUERY = `
CREATE TABLE IF NOT EXISTS cdc_table_cursors (
	table_name text PRIMARY KEY,
	token text NOT NULL,
	complete boolean NOT NULL
)`

const READ_CHECKPOINT_QUERY = "SELECT last_applied FROM cdc_checkpoint WHERE id = 1"

const READ_CURSORS_QUERY = "SELECT table_name, token, complete FROM cdc_table_cursors"

const UPSERT_CHECKPOINT_QUERY = `
INSERT INTO cdc_checkpoint (id, last_applied) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET last_applied = EXCLUDED.last_applied`

const UPSERT_CURSOR_QUERY = `
INSERT INTO cdc_table_cursors (table_name, token, complete) VALUES ($1, $2, $3)
ON CONFLICT (table_name) DO UPDATE SET token = EXCLUDED.token, complete = EXCLUDED.complete`
