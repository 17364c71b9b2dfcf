package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/database"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpkg "github.com/frahmantamala/member-payments/internal/intent"
	"github.com/frahmantamala/member-payments/pkg/logger"
)

type IntentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewIntentRepository(db *gorm.DB) *IntentRepository {
	return &IntentRepository{
		db: db,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

var _ intentpkg.Store = (*IntentRepository)(nil)

// WithClock swaps the repository's clock. Tests use it to age rows.
func (r *IntentRepository) WithClock(now func() time.Time) *IntentRepository {
	return &IntentRepository{db: r.db, now: now}
}

func (r *IntentRepository) CreateOrGet(ctx context.Context, in intentpkg.NewIntent) (*intent.PaymentIntent, bool, error) {
	var metadata datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, false, apperrors.NewValidationError("metadata must be a JSON object", apperrors.ErrCodeValidationFailed).WithCause(err)
		}
		metadata = raw
	}

	now := r.now()
	record := &intent.PaymentIntent{
		ID:                uuid.NewString(),
		IdempotencyKey:    in.IdempotencyKey,
		AmountCents:       in.AmountCents,
		Currency:          in.Currency,
		SubjectID:         in.SubjectID,
		Status:            lifecycle.StatusPending,
		Metadata:          metadata,
		CreationClaimedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert payment intent: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return record, true, nil
	}

	existing, err := r.getByKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if !existing.SameParameters(in.AmountCents, in.Currency, in.SubjectID) {
		return nil, false, apperrors.ErrIdempotencyConflict.WithDetails(map[string]string{
			"intent_id": existing.ID,
		})
	}
	return existing, false, nil
}

func (r *IntentRepository) getByKey(ctx context.Context, key string) (*intent.PaymentIntent, error) {
	var p intent.PaymentIntent
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *IntentRepository) GetByID(ctx context.Context, id string) (*intent.PaymentIntent, error) {
	var p intent.PaymentIntent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *IntentRepository) GetByProviderRef(ctx context.Context, ref string) (*intent.PaymentIntent, error) {
	var p intent.PaymentIntent
	err := r.db.WithContext(ctx).Where("provider_ref = ?", ref).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *IntentRepository) AttachProviderRef(ctx context.Context, id, ref, checkoutURL string) error {
	updates := map[string]interface{}{"provider_ref": ref}
	if checkoutURL != "" {
		updates["checkout_url"] = checkoutURL
	}

	res := r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Where("id = ? AND provider_ref IS NULL", id).
		UpdateColumns(updates)
	if res.Error != nil {
		if database.IsUniqueViolation(res.Error) {
			return apperrors.ErrProviderRefMismatch.WithCause(fmt.Errorf("provider ref %s already bound to another intent", ref))
		}
		return fmt.Errorf("attach provider ref: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Ref() == ref {
		return nil
	}
	return apperrors.ErrProviderRefMismatch.WithCause(fmt.Errorf("intent %s has %s, refusing %s", id, current.Ref(), ref))
}

// Transition moves the intent to `to` only if its current status is in allowedFrom. Source states
// the lifecycle table does not allow are dropped, so no caller can write an illegal step.
func (r *IntentRepository) Transition(ctx context.Context, id string, allowedFrom []lifecycle.Status, to lifecycle.Status, reason *string) (bool, error) {
	legal := make([]lifecycle.Status, 0, len(allowedFrom))
	for _, from := range allowedFrom {
		if lifecycle.Allowed(from, to) {
			legal = append(legal, from)
		}
	}
	if len(legal) < len(allowedFrom) {
		logger.From(ctx).Warn("refusing transition outside the lifecycle table",
			"anomaly", true,
			"intent_id", id,
			"allowed_from", allowedFrom,
			"to", to)
	}
	if len(legal) == 0 {
		return false, nil
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": r.now(),
	}
	if reason != nil {
		updates["failure_reason"] = *reason
	}

	res := r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Where("id = ? AND status IN ?", id, legal).
		UpdateColumns(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition intent %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *IntentRepository) ListStale(ctx context.Context, statuses []lifecycle.Status, updatedBefore time.Time, limit int) ([]intent.PaymentIntent, error) {
	var out []intent.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND provider_ref IS NOT NULL", statuses, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *IntentRepository) ListCreationCandidates(ctx context.Context, claimedBefore time.Time, limit int) ([]intent.PaymentIntent, error) {
	var out []intent.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND provider_ref IS NULL", lifecycle.StatusPending).
		Where("creation_claimed_at IS NULL OR creation_claimed_at < ?", claimedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *IntentRepository) ClaimCreation(ctx context.Context, id string, previous *time.Time, now time.Time) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Where("id = ? AND status = ? AND provider_ref IS NULL", id, lifecycle.StatusPending)
	if previous == nil {
		q = q.Where("creation_claimed_at IS NULL")
	} else {
		q = q.Where("creation_claimed_at = ?", *previous)
	}

	res := q.UpdateColumn("creation_claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("claim creation for %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *IntentRepository) ReleaseCreationClaim(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Where("id = ? AND provider_ref IS NULL", id).
		UpdateColumn("creation_claimed_at", nil).Error
}

func (r *IntentRepository) RecordQueryFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	db := r.db.WithContext(ctx)

	err := db.Model(&intent.PaymentIntent{}).
		Where("id = ?", id).
		UpdateColumn("query_failures", gorm.Expr("query_failures + 1")).Error
	if err != nil {
		return 0, false, fmt.Errorf("record query failure for %s: %w", id, err)
	}

	var failures int
	err = db.Model(&intent.PaymentIntent{}).
		Where("id = ?", id).
		Pluck("query_failures", &failures).Error
	if err != nil {
		return 0, false, err
	}
	if failures < threshold {
		return failures, false, nil
	}

	res := db.Model(&intent.PaymentIntent{}).
		Where("id = ? AND needs_attention = ?", id, false).
		UpdateColumn("needs_attention", true)
	if res.Error != nil {
		return failures, false, res.Error
	}
	return failures, res.RowsAffected == 1, nil
}

func (r *IntentRepository) ResetQueryFailures(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Where("id = ? AND (query_failures > 0 OR needs_attention = ?)", id, true).
		UpdateColumns(map[string]interface{}{
			"query_failures":  0,
			"needs_attention": false,
		}).Error
}

func (r *IntentRepository) CountByStatus(ctx context.Context) (map[lifecycle.Status]int64, error) {
	var rows []struct {
		Status lifecycle.Status
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&intent.PaymentIntent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[lifecycle.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *IntentRepository) ListNeedingAttention(ctx context.Context, limit int) ([]intent.PaymentIntent, error) {
	var out []intent.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("needs_attention = ?", true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrIntentNotFound
	}
	return err
}
