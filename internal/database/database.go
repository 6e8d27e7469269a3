// Package database persists the session audit trail in sqlite.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/session"
)

var DB *gorm.DB

func dbPath() string {
	if config.Cfg.DatabasePath != "" {
		return config.Cfg.DatabasePath
	}
	return filepath.Join(config.Cfg.DataPath, "shellgate.db")
}

func Init() error {
	path := dbPath()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&SessionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// RecentSessions returns the most recent audit rows, newest first.
func RecentSessions(limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	err := DB.Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Auditor implements the registry's AuditRecorder on top of the database.
// Persistence failures are logged, never propagated: the audit trail is
// best-effort and must not interfere with session lifecycle.
type Auditor struct{}

func (Auditor) SessionStarted(id, containerID, remoteAddr string) {
	rec := SessionRecord{
		SessionID:   id,
		ContainerID: containerID,
		RemoteAddr:  remoteAddr,
		CreatedAt:   time.Now(),
	}
	if err := DB.Create(&rec).Error; err != nil {
		log.Printf("[audit] record session start %s: %v", id, err)
	}
}

func (Auditor) SessionEnded(id string, reason session.Reason) {
	now := time.Now()
	err := DB.Model(&SessionRecord{}).
		Where("session_id = ?", id).
		Updates(map[string]interface{}{"terminated_at": &now, "reason": string(reason)}).Error
	if err != nil {
		log.Printf("[audit] record session end %s: %v", id, err)
	}
}
