package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/webhook"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ webhook.Ledger = (*LedgerRepository)(nil)

func (r *LedgerRepository) Insert(ctx context.Context, entry *intent.WebhookLedgerEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, fmt.Errorf("insert ledger entry %s: %w", entry.ProviderEventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *LedgerRepository) Get(ctx context.Context, providerEventID string) (*intent.WebhookLedgerEntry, error) {
	var entry intent.WebhookLedgerEntry
	err := r.db.WithContext(ctx).Where("provider_event_id = ?", providerEventID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("ledger entry not found", apperrors.ErrCodeOrphanEvent)
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) Complete(ctx context.Context, providerEventID string, outcome intent.LedgerOutcome, appliedTransition *string, processedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&intent.WebhookLedgerEntry{}).
		Where("provider_event_id = ? AND outcome = ?", providerEventID, intent.OutcomeReceived).
		UpdateColumns(map[string]interface{}{
			"outcome":            outcome,
			"applied_transition": appliedTransition,
			"processed_at":       processedAt,
		}).Error
}

func (r *LedgerRepository) IncrementAttempts(ctx context.Context, providerEventID string) (int, error) {
	db := r.db.WithContext(ctx)

	err := db.Model(&intent.WebhookLedgerEntry{}).
		Where("provider_event_id = ?", providerEventID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		return 0, err
	}

	var attempts int
	err = db.Model(&intent.WebhookLedgerEntry{}).
		Where("provider_event_id = ?", providerEventID).
		Pluck("attempts", &attempts).Error
	return attempts, err
}

func (r *LedgerRepository) ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]intent.WebhookLedgerEntry, error) {
	var out []intent.WebhookLedgerEntry
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND received_at < ?", intent.OutcomeReceived, receivedBefore).
		Order("received_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *LedgerRepository) CountByOutcome(ctx context.Context) (map[intent.LedgerOutcome]int64, error) {
	var rows []struct {
		Outcome intent.LedgerOutcome
		Total   int64
	}
	err := r.db.WithContext(ctx).
		Model(&intent.WebhookLedgerEntry{}).
		Select("outcome, COUNT(*) AS total").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[intent.LedgerOutcome]int64, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Total
	}
	return counts, nil
}
