package migration

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/crewtrace/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{" POSTGRES ", DatabaseTypePostgres, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db:5432/crewtrace?sslmode=disable",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "crewtrace", "u", "p", "disable"))
	assert.Equal(t,
		"postgres://u:p@db:5432/crewtrace?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "crewtrace", "u", "p", ""))
	assert.Equal(t,
		"u:p@tcp(db:3306)/crewtrace?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "crewtrace", "u", "p", ""))
	assert.Equal(t,
		"file:/tmp/trace.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "/tmp/trace.db", "", "", ""))
	assert.Empty(t, BuildDatabaseURL("oracle", "", 0, "", "", "", ""))
}

func TestDatabaseURLFromConfig(t *testing.T) {
	url := DatabaseURLFromConfig(DatabaseTypePostgres, config.DatabaseConfig{
		Host: "pg", Port: 5432, User: "crewtrace", Password: "secret", Name: "crewtrace", SSLMode: "disable",
	})
	assert.Equal(t, "postgres://crewtrace:secret@pg:5432/crewtrace?sslmode=disable", url)

	url = DatabaseURLFromConfig(DatabaseTypeSQLite, config.DatabaseConfig{Name: "trace.db"})
	assert.Contains(t, url, "file:trace.db?")
}

func TestGetMigrationsPath(t *testing.T) {
	assert.Equal(t, "migrations/postgres", GetMigrationsPath(DatabaseTypePostgres))
	assert.Equal(t, "migrations/mysql", GetMigrationsPath(DatabaseTypeMySQL))
	assert.Equal(t, "migrations/sqlite", GetMigrationsPath(DatabaseTypeSQLite))
}

func TestAvailableMigrations_AllDialectsAligned(t *testing.T) {
	var reference []migrationFile
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		files, err := availableMigrations(dbType)
		require.NoError(t, err, dbType)
		require.Len(t, files, 3, dbType)

		for i := 1; i < len(files); i++ {
			assert.Greater(t, files[i].version, files[i-1].version)
		}
		if reference == nil {
			reference = files
			continue
		}
		assert.Equal(t, reference, files, "dialect %s diverges", dbType)
	}
	assert.Equal(t, "create_timing_records", reference[0].name)
	assert.Equal(t, "create_execution_log_entries", reference[1].name)
	assert.Equal(t, "create_trace_records", reference[2].name)

	_, err := availableMigrations("oracle")
	assert.Error(t, err)
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database URL is required")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func newSQLiteMigrator(t *testing.T) (*DefaultMigrator, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	m, err := NewMigrator(&Config{
		DatabaseType: DatabaseTypeSQLite,
		DatabaseURL:  dbPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dbPath
}

func tableExists(t *testing.T, dbPath, table string) bool {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrator_SQLite_UpDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sqlite integration test in short mode")
	}
	m, dbPath := newSQLiteMigrator(t)
	ctx := context.Background()

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	// 重复 Up 不报错
	require.NoError(t, m.Up(ctx))

	for _, table := range []string{"timing_records", "execution_log_entries", "trace_records"} {
		assert.True(t, tableExists(t, dbPath, table), table)
	}

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), info.CurrentVersion)
	assert.Equal(t, 3, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)

	require.NoError(t, m.Down(ctx))
	assert.False(t, tableExists(t, dbPath, "trace_records"))
	assert.True(t, tableExists(t, dbPath, "timing_records"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[1].Applied)
	assert.False(t, statuses[2].Applied)

	require.NoError(t, m.DownAll(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}

func TestCLI_Output(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sqlite integration test in short mode")
	}
	m, _ := newSQLiteMigrator(t)
	ctx := context.Background()

	var buf bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&buf)

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, buf.String(), "No migrations applied yet")

	buf.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, buf.String(), "Current version: 3")

	buf.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	out := buf.String()
	assert.Regexp(t, `000002\s+create_execution_log_entries\s+Applied`, out)
	assert.Contains(t, out, "Total: 3, Applied: 3, Pending: 0")

	buf.Reset()
	require.NoError(t, cli.RunSteps(ctx, -2))
	assert.Contains(t, buf.String(), "Current version: 1")
}
