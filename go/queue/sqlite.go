package queue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// NewSQLiteQueue opens (creating if needed) a queue in a SQLite database at
// |path|. Suited to single-host deployments and tests; multi-host worker
// fleets use NewPostgresQueue.
func NewSQLiteQueue(path string, opts Options) (*SQLQueue, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// receivers queue up behind the busy timeout instead of failing
	// mid-transaction with SQLITE_BUSY.
	var dsn = fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	queue, err := newSQLQueue(db, sqliteDialect(), opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return queue, nil
}

func sqliteDialect() dialect {
	return dialect{
		Name:               "sqlite",
		Placeholder:        nil, // SQLite takes '?' natively.
		SerialPK:           "INTEGER PRIMARY KEY AUTOINCREMENT",
		SkipLocked:         "",
		InsertIgnorePrefix: "INSERT OR IGNORE",
		InsertIgnoreSuffix: "",
	}
}
