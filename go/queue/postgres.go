package queue

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Import for registration side-effect.
)

// NewPostgresQueue opens a queue in a Postgres database. The row-claiming
// transaction uses FOR UPDATE SKIP LOCKED, so many worker processes poll
// concurrently without contending on the same rows.
func NewPostgresQueue(dsn string, opts Options) (*SQLQueue, error) {
	var db, err = sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	queue, err := newSQLQueue(db, postgresDialect(), opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return queue, nil
}

func postgresDialect() dialect {
	return dialect{
		Name:               "postgres",
		Placeholder:        postgresPlaceholder,
		SerialPK:           "BIGSERIAL PRIMARY KEY",
		SkipLocked:         "FOR UPDATE SKIP LOCKED",
		InsertIgnorePrefix: "INSERT",
		InsertIgnoreSuffix: "ON CONFLICT (dedupe_key) DO NOTHING",
	}
}

// postgresPlaceholder returns $N style parameters where N is the parameter
// number starting at 1.
func postgresPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}
