package database

import (
	"fmt"
	"strings"

	"github.com/Kikks/living-notes/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const memoryDSNFormat = "file:%s?mode=memory&cache=shared"

// OpenMemory opens a process-local SQLite database that lives only as long as
// the returned handle, then migrates the version archive schema.
// An empty name yields a unique database so independent callers never share state.
func OpenMemory(name string, log *zap.Logger) (*gorm.DB, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "living-notes-" + uuid.NewString()
	}

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf(memoryDSNFormat, name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// the in-memory database disappears when its last connection closes.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&notes.VersionRecord{}); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("database initialized", zap.String("name", name))
	}

	return db, nil
}
