package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"register/internal/infra/persistence/sqlrecord"
)

// ChangeRetention bounds record_changes to the newest entries. A feed that
// falls further behind is invalidated.
const ChangeRetention = 10000

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id UUID PRIMARY KEY,
		api_version INTEGER NOT NULL,
		created BIGINT,
		summary TEXT NOT NULL,
		state INTEGER NOT NULL,
		collected_inside BIGINT,
		collected_outside BIGINT,
		collected_client_name TEXT,
		collected_client_signature TEXT,
		collected_pqrs_name TEXT,
		collected_pqrs_signature TEXT,
		returned_inside BIGINT,
		returned_outside BIGINT,
		returned_client_name TEXT,
		returned_client_signature TEXT,
		returned_pqrs_name TEXT,
		returned_pqrs_signature TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS records_state_idx ON records (state)`,
	`CREATE INDEX IF NOT EXISTS records_created_idx ON records (created)`,
	`CREATE TABLE IF NOT EXISTS record_changes (
		seq BIGSERIAL PRIMARY KEY,
		op TEXT NOT NULL,
		id UUID,
		api_version INTEGER,
		created BIGINT,
		summary TEXT,
		state INTEGER,
		collected_inside BIGINT,
		collected_outside BIGINT,
		collected_client_name TEXT,
		collected_client_signature TEXT,
		collected_pqrs_name TEXT,
		collected_pqrs_signature TEXT,
		returned_inside BIGINT,
		returned_outside BIGINT,
		returned_client_name TEXT,
		returned_client_signature TEXT,
		returned_pqrs_name TEXT,
		returned_pqrs_signature TEXT
	)`,
	`CREATE OR REPLACE FUNCTION register_notify_change() RETURNS trigger AS $$
	DECLARE
		change_seq BIGINT;
	BEGIN
		IF TG_OP = 'TRUNCATE' THEN
			INSERT INTO record_changes (op) VALUES (TG_OP) RETURNING seq INTO change_seq;
		ELSIF TG_OP = 'DELETE' THEN
			INSERT INTO record_changes (op, id) VALUES (TG_OP, OLD.id) RETURNING seq INTO change_seq;
		ELSE
			INSERT INTO record_changes (op, ` + sqlrecord.SelectList + `)
				VALUES (TG_OP, ` + sqlrecord.ImageOf("NEW") + `)
				RETURNING seq INTO change_seq;
		END IF;
		DELETE FROM record_changes WHERE seq <= change_seq - ` + strconv.Itoa(ChangeRetention) + `;
		PERFORM pg_notify('` + Channel + `', change_seq::text);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS records_notify ON records`,
	`CREATE TRIGGER records_notify AFTER INSERT OR UPDATE OR DELETE ON records
		FOR EACH ROW EXECUTE FUNCTION register_notify_change()`,
	`DROP TRIGGER IF EXISTS records_notify_truncate ON records`,
	`CREATE TRIGGER records_notify_truncate AFTER TRUNCATE ON records
		FOR EACH STATEMENT EXECUTE FUNCTION register_notify_change()`,
}

// Migrate creates the records table, its indexes, the change log and the
// notify triggers.
// It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}
