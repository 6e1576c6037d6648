package otp

import (
	"context"
	"time"

	"farmreach/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps tickets in the otp_tickets table. Expired rows are ignored
// by Consume and removed by PurgeExpired.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Put(ctx context.Context, t Ticket) error {
	row := models.OTPTicket{
		UserID:       t.UserID,
		CodeHash:     t.CodeHash,
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
		AttemptsLeft: t.AttemptsLeft,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code_hash", "issued_at", "expires_at", "attempts_left"}),
	}).Create(&row).Error
}

// Consume runs as single statements: the matching delete only takes a ticket
// with attempts left, and each miss decrements atomically before exhausted
// tickets are removed.
func (s *DBStore) Consume(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Where("user_id = ? AND code_hash = ? AND expires_at > ? AND attempts_left > 0", userID, codeHash, now).
		Delete(&models.OTPTicket{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	err := db.Model(&models.OTPTicket{}).
		Where("user_id = ? AND expires_at > ?", userID, now).
		UpdateColumn("attempts_left", gorm.Expr("attempts_left - 1")).Error
	if err != nil {
		return false, err
	}
	if err := db.Where("user_id = ? AND attempts_left <= 0", userID).Delete(&models.OTPTicket{}).Error; err != nil {
		return false, err
	}
	return false, nil
}

func (s *DBStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.OTPTicket{})
	return res.RowsAffected, res.Error
}

// SchedulePurge registers PurgeExpired on c using a cron spec such as
// "@every 15m".
func SchedulePurge(c *cron.Cron, s *DBStore, spec string, lg *zap.SugaredLogger) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			lg.Errorw("otp ticket purge failed", "error", err)
			return
		}
		if n > 0 {
			lg.Infow("purged expired otp tickets", "count", n)
		}
	})
	return err
}
