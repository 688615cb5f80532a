package storage

import (
	"fmt"
	"log"
	"unicode/utf8"

	"livebridge/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MaxStoredCode bounds CommandRecord.Code.
const MaxStoredCode = 4096

// DefaultLimit is used when a caller asks for zero or negative rows.
const DefaultLimit = 100

// SQLiteStore is the gorm/sqlite audit store.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the audit tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}

	if err := db.AutoMigrate(&models.ConnectionRecord{}, &models.CommandRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	log.Printf("Audit trail at %s", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordConnection(rec *models.ConnectionRecord) error {
	return s.db.Create(rec).Error
}

func (s *SQLiteStore) RecordCommand(rec *models.CommandRecord) error {
	rec.Code = truncate(rec.Code, MaxStoredCode)
	return s.db.Create(rec).Error
}

func (s *SQLiteStore) RecentConnections(limit int) ([]models.ConnectionRecord, error) {
	var out []models.ConnectionRecord
	err := s.db.Order("id desc").Limit(normalizeLimit(limit)).Find(&out).Error
	return out, err
}

func (s *SQLiteStore) RecentCommands(limit int) ([]models.CommandRecord, error) {
	var out []models.CommandRecord
	err := s.db.Order("id desc").Limit(normalizeLimit(limit)).Find(&out).Error
	return out, err
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
