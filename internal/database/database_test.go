package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/dukasync/internal/models"
)

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"sync_outbox", "sync_state", "sync_conflicts",
		"products", "sales", "stock_movements",
	} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}

	_, err = filepath.Glob(filepath.Join(dir, "dukasync.db*"))
	require.NoError(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Product{LocalID: "p-1", Name: "Riz 50kg", Price: 25000}).Error)
	require.NoError(t, db.Close())

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	var count int64
	require.NoError(t, db2.Model(&models.Product{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
