package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
		LogLevel:        "silent",
	}, nil, &Options{PrepareStmt: false})
	require.NoError(t, err)
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "invalid", DSN: ":memory:"}, nil, nil)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_Close(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestDB_Transaction(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	type row struct {
		ID   uint `gorm:"primarykey"`
		Name string
	}
	require.NoError(t, db.AutoMigrate(&row{}))

	ctx := context.Background()
	t.Run("commit", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *gorm.DB) error {
			return tx.Create(&row{Name: "kept"}).Error
		})
		require.NoError(t, err)

		var count int64
		db.Model(&row{}).Where("name = ?", "kept").Count(&count)
		assert.Equal(t, int64(1), count)
	})

	t.Run("rollback", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *gorm.DB) error {
			if err := tx.Create(&row{Name: "dropped"}).Error; err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		var count int64
		db.Model(&row{}).Where("name = ?", "dropped").Count(&count)
		assert.Zero(t, count)
	})
}

func TestGetDialector_SQLitePragmas(t *testing.T) {
	d, err := getDialector(config.DatabaseConfig{Driver: "sqlite", DSN: "file.db?cache=shared"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	for _, driver := range []string{"postgres", "mysql"} {
		d, err := getDialector(config.DatabaseConfig{Driver: driver, DSN: "dsn"})
		require.NoError(t, err)
		assert.Equal(t, driver, d.Name())
	}
}

func TestGormLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"silent": logger.Silent,
		"error":  logger.Error,
		"warn":   logger.Warn,
		"info":   logger.Info,
		"":       logger.Warn,
		"bogus":  logger.Warn,
	}
	for in, want := range tests {
		assert.Equal(t, want, gormLogLevel(in), in)
	}
}
