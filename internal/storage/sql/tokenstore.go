// Package sql provides a relational TokenStore on top of GORM, for
// deployments that keep tokens in Postgres (or SQLite for local runs).
package sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// tokenRow is the push_tokens table.
type tokenRow struct {
	ID         string `gorm:"primaryKey;size:128"`
	UserID     string `gorm:"index:idx_push_tokens_user_valid;size:128;not null"`
	Token      string `gorm:"not null"`
	Platform   string `gorm:"size:16"`
	Provider   string `gorm:"size:16"`
	Valid      bool   `gorm:"index:idx_push_tokens_user_valid;not null"`
	CreatedAt  time.Time
	LastSeenAt time.Time
	UpdatedAt  time.Time
	LastError  string
}

func (tokenRow) TableName() string { return "push_tokens" }

func fromDomain(rec dispatch.TokenRecord) tokenRow {
	return tokenRow{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Token:      rec.Token,
		Platform:   string(rec.Platform),
		Provider:   string(rec.Provider),
		Valid:      rec.Valid,
		CreatedAt:  rec.CreatedAt,
		LastSeenAt: rec.LastSeenAt,
		UpdatedAt:  rec.UpdatedAt,
		LastError:  rec.LastError,
	}
}

func (r tokenRow) toDomain() dispatch.TokenRecord {
	return dispatch.TokenRecord{
		ID:         r.ID,
		UserID:     r.UserID,
		Token:      r.Token,
		Platform:   dispatch.Platform(r.Platform),
		Provider:   dispatch.Provider(r.Provider),
		Valid:      r.Valid,
		CreatedAt:  r.CreatedAt,
		LastSeenAt: r.LastSeenAt,
		UpdatedAt:  r.UpdatedAt,
		LastError:  r.LastError,
	}
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// SQLite serializes writers anyway; one connection also keeps
		// ":memory:" databases shared across goroutines.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&tokenRow{}); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}
	return db, nil
}

// GormStore implements TokenStore on a relational database.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewGormStore(db *gorm.DB, logger *slog.Logger) *GormStore {
	return &GormStore{
		db:     db,
		logger: logger.With("component", "SQLTokenStore"),
		now:    time.Now,
	}
}

// StoreToken overwrites every column of the row keyed by the derived ID.
func (s *GormStore) StoreToken(ctx context.Context, userID, token string, platform dispatch.Platform, provider dispatch.Provider) (string, error) {
	row := fromDomain(dispatch.NewTokenRecord(userID, token, platform, provider, s.now().UTC()))
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return "", fmt.Errorf("failed to store token %s: %w", row.ID, err)
	}
	return row.ID, nil
}

func (s *GormStore) ValidTokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	var rows []tokenRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND valid = ?", userID, true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query valid tokens: %w", err)
	}
	return toRecords(rows), nil
}

func (s *GormStore) Tokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	var rows []tokenRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	return toRecords(rows), nil
}

// MarkInvalid reads and rewrites each row independently; one missing or
// failing row does not stop the others.
func (s *GormStore) MarkInvalid(ctx context.Context, invalid []dispatch.Invalidation) error {
	errs := batch.Settle(ctx, invalid, batch.DefaultLimit, func(ctx context.Context, inv dispatch.Invalidation) error {
		var row tokenRow
		if err := s.db.WithContext(ctx).First(&row, "id = ?", inv.DocID).Error; err != nil {
			return fmt.Errorf("read %s: %w", inv.DocID, err)
		}
		row.Valid = false
		row.LastError = inv.Reason
		row.UpdatedAt = s.now().UTC()
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("write %s: %w", inv.DocID, err)
		}
		return nil
	})

	if failed := batch.Failed(errs); failed > 0 {
		s.logger.Warn("Some token invalidations failed", "failed", failed, "total", len(invalid))
	}
	return errors.Join(errs...)
}

func toRecords(rows []tokenRow) []dispatch.TokenRecord {
	records := make([]dispatch.TokenRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toDomain())
	}
	return records
}
