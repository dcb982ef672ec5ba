package balance

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// AppliedDelta records one bucket mutation against one balance record.
// The posting engine keeps these for compensation: applying the inverse
// delta restores the record exactly.
type AppliedDelta struct {
	Key      entity.BalanceKey
	Category entity.InventoryCategory
	Delta    types.Quantity
}

// Inverse returns the compensating delta.
func (d AppliedDelta) Inverse() AppliedDelta {
	return AppliedDelta{Key: d.Key, Category: d.Category, Delta: d.Delta.Neg()}
}

// Service provides business operations for the balance register.
// Transactions are managed by the caller (posting engine).
type Service struct {
	repo Repository
}

// NewService creates a new balance register service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// mirrorKeys returns the key itself plus the aggregate records kept in sync
// with it: a serial key mirrors to its non-serial record, and any batch key
// (including the one a serial mirrors to) mirrors to the non-batch aggregate
// at the same location.
func mirrorKeys(key entity.BalanceKey) []entity.BalanceKey {
	keys := []entity.BalanceKey{key}
	cur := key
	if cur.SerialNumber != "" {
		cur = cur.WithoutSerial()
		keys = append(keys, cur)
	}
	if cur.BatchID != "" {
		keys = append(keys, cur.WithoutBatch())
	}
	return keys
}

// ApplyDelta adds delta to one bucket of the record at key, creating the
// record lazily when the delta is positive, and keeps every aggregate mirror
// in sync. No bucket may go below zero; the whole call fails instead of
// clamping. Returns every mutation applied so the caller can compensate.
func (s *Service) ApplyDelta(ctx context.Context, key entity.BalanceKey, category entity.InventoryCategory, delta types.Quantity) ([]AppliedDelta, error) {
	if !category.Valid() {
		return nil, apperror.NewValidation("unknown inventory category").
			WithDetail("category", string(category))
	}
	if delta.IsZero() {
		return nil, nil
	}

	applied := make([]AppliedDelta, 0, 3)
	for _, k := range mirrorKeys(key) {
		if err := s.applyOne(ctx, k, category, delta); err != nil {
			// Undo mirrors already touched in this call before reporting.
			for i := len(applied) - 1; i >= 0; i-- {
				inv := applied[i].Inverse()
				if uerr := s.applyOne(ctx, inv.Key, inv.Category, inv.Delta); uerr != nil {
					logger.Error(ctx, "failed to undo mirror delta",
						"key", inv.Key.String(), "error", uerr)
				}
			}
			return nil, err
		}
		applied = append(applied, AppliedDelta{Key: k, Category: category, Delta: delta})
	}

	return applied, nil
}

func (s *Service) applyOne(ctx context.Context, key entity.BalanceKey, category entity.InventoryCategory, delta types.Quantity) error {
	rec, err := s.repo.GetForUpdate(ctx, key)
	if err != nil {
		return apperror.NewPersistence(fmt.Errorf("get balance %s: %w", key.String(), err))
	}

	created := false
	if rec == nil {
		if delta.IsNegative() {
			return apperror.NewInsufficientQuantity(key.MaterialID.String(), delta.Abs().Float64(), 0)
		}
		rec = entity.NewBalanceRecord(key)
		created = true
	}

	if err := rec.ApplyDelta(category, delta); err != nil {
		return apperror.NewInsufficientQuantity(
			key.MaterialID.String(),
			delta.Abs().Float64(),
			rec.Bucket(category).Float64(),
		).WithDetail("location_id", key.LocationID.String()).
			WithDetail("category", string(category))
	}

	if created {
		if err := s.repo.Create(ctx, rec); err != nil {
			return apperror.NewPersistence(fmt.Errorf("create balance %s: %w", key.String(), err))
		}
		return nil
	}
	if err := s.repo.Update(ctx, rec); err != nil {
		return apperror.NewPersistence(fmt.Errorf("update balance %s: %w", key.String(), err))
	}
	return nil
}

// Revert applies the inverse of previously applied deltas in LIFO order.
// Used by the rollback coordinator; errors are reported but the unwind
// continues so every record gets its chance to be restored.
func (s *Service) Revert(ctx context.Context, applied []AppliedDelta) error {
	var firstErr error
	for i := len(applied) - 1; i >= 0; i-- {
		inv := applied[i].Inverse()
		if err := s.applyOne(ctx, inv.Key, inv.Category, inv.Delta); err != nil {
			logger.Error(ctx, "compensation failed for balance delta",
				"key", inv.Key.String(), "category", inv.Category, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reapply re-applies previously captured deltas in their original order,
// without re-mirroring (the captured list already contains every mirror).
// Used when a reversal itself has to be compensated.
func (s *Service) Reapply(ctx context.Context, applied []AppliedDelta) error {
	for _, d := range applied {
		if err := s.applyOne(ctx, d.Key, d.Category, d.Delta); err != nil {
			return err
		}
	}
	return nil
}

// SetBatchExpiry stamps the expiry date used for allocation ordering onto
// the record at key. Missing records are ignored; aggregates never carry
// an expiry.
func (s *Service) SetBatchExpiry(ctx context.Context, key entity.BalanceKey, expiry *time.Time) error {
	rec, err := s.repo.GetForUpdate(ctx, key)
	if err != nil {
		return apperror.NewPersistence(fmt.Errorf("get balance %s: %w", key.String(), err))
	}
	if rec == nil {
		return nil
	}
	rec.BatchExpiry = expiry
	if err := s.repo.Update(ctx, rec); err != nil {
		return apperror.NewPersistence(fmt.Errorf("update balance %s: %w", key.String(), err))
	}
	return nil
}

// Get returns the record for a key, or a zero-valued record when none exists.
func (s *Service) Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if rec == nil {
		return entity.NewBalanceRecord(key), nil
	}
	return rec, nil
}

// CheckAvailability verifies the unrestricted bucket at key holds at least
// required. This is the strict pre-check: unlike cost preview it never
// degrades gracefully.
func (s *Service) CheckAvailability(ctx context.Context, key entity.BalanceKey, required types.Quantity) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Unrestricted < required {
		return apperror.NewInsufficientQuantity(
			key.MaterialID.String(),
			required.Float64(),
			rec.Unrestricted.Float64(),
		)
	}
	return nil
}

// ListForAllocation returns balance records the allocation engine should
// consider for a material, shaped by the item's tracking flags.
func (s *Service) ListForAllocation(ctx context.Context, materialID, plantID id.ID, shape KeyShape) ([]*entity.BalanceRecord, error) {
	recs, err := s.repo.ListByMaterial(ctx, materialID, plantID, shape)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return recs, nil
}

// LocationStock returns all records at a location (reporting).
func (s *Service) LocationStock(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error) {
	return s.repo.ListByLocation(ctx, locationID)
}
