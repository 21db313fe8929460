package sqlite

import "github.com/jmoiron/sqlx"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	record_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	data        BLOB NOT NULL,
	PRIMARY KEY (record_type, record_id)
);
`

// EnsureSchema creates the records table if it does not exist.
// It is safe to call on every startup.
func EnsureSchema(db *sqlx.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}
