// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package connectors

import (
	"database/sql"
	"fmt"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/pkg/commons"
)

// vecDriverName is the custom sqlite3 driver that loads the sqlite-vec
// extension on every new connection.
const vecDriverName = "sqlite3_vec"

var registerVecDriver sync.Once

// SqliteConnector hands out the shared gorm handle backed by a single
// SQLite file. SQLite serializes writers; that is acceptable here because
// every statement is transactionally atomic on its own.
type SqliteConnector interface {
	DB() *gorm.DB
	VecEnabled() bool
	Close() error
}

type sqliteConnector struct {
	db         *gorm.DB
	vecEnabled bool
}

// NewSqliteConnector opens (or creates) the database at dbPath, runs the
// schema migration, and prepares the vec0 virtual table when the sqlite-vec
// loadable extension is configured. An empty vecPath disables the vector
// table; embedding persistence then degrades to a no-op at a higher layer.
func NewSqliteConnector(logger commons.Logger, dbPath, vecPath string) (SqliteConnector, error) {
	driverName := "sqlite3"
	vecEnabled := vecPath != ""
	if vecEnabled {
		registerVecDriver.Do(func() {
			sql.Register(vecDriverName, &sqlite3.SQLiteDriver{
				Extensions: []string{vecPath},
			})
		})
		driverName = vecDriverName
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := gorm.Open(gormsqlite.New(gormsqlite.Config{
		DriverName: driverName,
		DSN:        dsn,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", dbPath, err)
	}

	if err := db.AutoMigrate(
		&entity.Tenant{},
		&entity.Room{},
		&entity.Publisher{},
		&entity.Recording{},
		&entity.RecordingTrack{},
		&entity.TranscriptSegment{},
		&entity.EmbeddingMetadata{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if vecEnabled {
		if err := db.Exec(
			"CREATE VIRTUAL TABLE IF NOT EXISTS vec_transcripts USING vec0(embedding float[384])",
		).Error; err != nil {
			return nil, fmt.Errorf("create vec_transcripts virtual table: %w", err)
		}
		logger.Infow("sqlite-vec extension loaded", "path", vecPath)
	} else {
		logger.Warnw("SQLITE_VEC_PATH not set, vector search disabled")
	}

	return &sqliteConnector{db: db, vecEnabled: vecEnabled}, nil
}

func (c *sqliteConnector) DB() *gorm.DB { return c.db }

func (c *sqliteConnector) VecEnabled() bool { return c.vecEnabled }

func (c *sqliteConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
