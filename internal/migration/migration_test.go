package migration

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		entries, err := fs.ReadDir(embeddedMigrations, migrationsDir+"/"+dialect)
		require.NoError(t, err)
		ups, downs := map[string]bool{}, map[string]bool{}
		for _, e := range entries {
			name := e.Name()
			switch {
			case strings.HasSuffix(name, ".up.sql"):
				ups[strings.TrimSuffix(name, ".up.sql")] = true
			case strings.HasSuffix(name, ".down.sql"):
				downs[strings.TrimSuffix(name, ".down.sql")] = true
			}
		}
		require.NotEmpty(t, ups, dialect)
		for version := range ups {
			assert.True(t, downs[version], "%s migration %s has no down file", dialect, version)
		}
	}
}

func TestDialectsShipTheSameVersions(t *testing.T) {
	pg, err := fs.Glob(embeddedMigrations, migrationsDir+"/postgres/*.sql")
	require.NoError(t, err)
	lite, err := fs.Glob(embeddedMigrations, migrationsDir+"/sqlite/*.sql")
	require.NoError(t, err)
	require.Len(t, lite, len(pg))
	for i := range pg {
		assert.Equal(t, strings.TrimPrefix(pg[i], migrationsDir+"/postgres/"), strings.TrimPrefix(lite[i], migrationsDir+"/sqlite/"))
	}
}

func TestRunMigrationsRejectsUnknownDialect(t *testing.T) {
	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)

	require.Error(t, RunMigrations(nil, DialectSQLite))
	require.ErrorIs(t, RunMigrations(sqlDB, "mysql"), ErrUnsupportedDialect)
	_, err = Statements("mysql")
	require.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestRunMigrationsSQLite(t *testing.T) {
	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)

	require.NoError(t, RunMigrations(sqlDB, DialectSQLite))
	require.NoError(t, RunMigrations(sqlDB, DialectSQLite), "second run is a no-op")

	for _, table := range []string{
		"subscriptions", "trial_usage_events", "invoices", "invoice_tax_lines", "payment_retry_cycles",
		"payment_attempts", "cancellation_requests", "payment_events", "billing_events",
	} {
		var count int64
		require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count).Error)
		assert.EqualValues(t, 1, count, table)
	}

	insert := `INSERT INTO subscriptions (id, family_id, status, plan_tier, cadence, created_at, updated_at)
		VALUES (?, 'fam-1', ?, 'basic', 'monthly', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	require.NoError(t, conn.Exec(insert, 1, "trialing").Error)
	require.Error(t, conn.Exec(insert, 2, "active").Error, "one live subscription per family")
	require.NoError(t, conn.Exec(insert, 3, "expired").Error)
}

func TestStatementsSplitTheSQLiteSchema(t *testing.T) {
	statements, err := Statements(DialectSQLite)
	require.NoError(t, err)
	require.NotEmpty(t, statements)
	for _, stmt := range statements {
		assert.NotContains(t, stmt, ";")
		assert.True(t, strings.HasPrefix(stmt, "CREATE"), stmt)
	}
}

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}
