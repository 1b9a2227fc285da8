package testdb

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/taskmanager/internal/config"
	"github.com/phrazzld/taskmanager/internal/platform/logger"
	"github.com/phrazzld/taskmanager/internal/platform/mysql"
	"github.com/phrazzld/taskmanager/internal/platform/postgres"
	"github.com/stretchr/testify/require"
)

// Environment variables naming the test databases.
const (
	PostgresURLEnv      = "TASKMGR_TEST_POSTGRES_URL"
	PostgresFallbackEnv = "DATABASE_URL"
	MySQLDSNEnv         = "TASKMGR_TEST_MYSQL_DSN"
)

// TestTimeout bounds connection setup and migrations.
const TestTimeout = 30 * time.Second

// PostgresURL returns the configured PostgreSQL URL or "".
func PostgresURL() string {
	if u := os.Getenv(PostgresURLEnv); u != "" {
		return u
	}
	return os.Getenv(PostgresFallbackEnv)
}

// MySQLDSN returns the configured MySQL DSN or "".
func MySQLDSN() string {
	return os.Getenv(MySQLDSNEnv)
}

// Postgres returns a migrated PostgreSQL database with an empty tasks
// table, or skips the test.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := PostgresURL()
	if dbURL == "" {
		t.Skipf("%s not set - skipping integration test", PostgresURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, config.DatabaseConfig{Driver: "postgres", URL: dbURL, MaxOpenConns: 10})
	require.NoError(t, err, "connect to %s", MaskURL(dbURL))
	t.Cleanup(func() { closeDB(t, db) })

	log, _ := logger.NewTestLogger(t)
	require.NoError(t, postgres.Migrate(ctx, db, "up", log))
	Truncate(t, db)
	return db
}

// MySQL returns a migrated MySQL database with an empty tasks table, or
// skips the test.
func MySQL(t *testing.T) *sql.DB {
	t.Helper()

	dsn := MySQLDSN()
	if dsn == "" {
		t.Skipf("%s not set - skipping integration test", MySQLDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := mysql.Open(ctx, config.DatabaseConfig{Driver: "mysql", URL: dsn, MaxOpenConns: 10})
	require.NoError(t, err, "connect to mysql")
	t.Cleanup(func() { closeDB(t, db) })

	log, _ := logger.NewTestLogger(t)
	require.NoError(t, mysql.Migrate(ctx, db, "up", log))
	Truncate(t, db)
	return db
}

// Truncate removes every task.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), "DELETE FROM tasks")
	require.NoError(t, err, "empty tasks table")
}

// MaskURL hides the password of a URL-shaped connection string.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

func closeDB(t *testing.T, db *sql.DB) {
	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}
