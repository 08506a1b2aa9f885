package history

import (
	"context"

	_ "modernc.org/sqlite"
)

// DialectSQLitePure selects the CGo-free modernc.org/sqlite driver instead
// of mattn/go-sqlite3, for builds that cannot use cgo. Registered under
// driver name "sqlite".
const DialectSQLitePure Dialect = "sqlite"

// OpenPureSQLite is a convenience wrapper around Open using the pure-Go
// sqlite driver.
func OpenPureSQLite(ctx context.Context, dsn string, cfg SQLConfig) (*SQLStore, error) {
	return Open(ctx, DialectSQLitePure, dsn, cfg)
}
