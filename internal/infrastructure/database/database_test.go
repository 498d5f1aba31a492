package database

import (
	"testing"

	"transferd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	db, err := Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)

	for _, table := range []string{"account", "ledger_entry", "transfer_job", "outbox_message"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestDialectorFor(t *testing.T) {
	_, err := dialectorFor(&config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)

	_, err = dialectorFor(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)

	d, err := dialectorFor(&config.DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Database: "x"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	d, err = dialectorFor(&config.DatabaseConfig{Driver: "postgres", DSN: "host=db"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
