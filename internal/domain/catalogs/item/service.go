package item

import (
	"context"
	"fmt"

	"stockledger/internal/core/id"
	"stockledger/pkg/logger"
)

// Service provides Item master lookups for the posting engine and callers.
// Lookups are cached per call chain by the orchestrator, not here.
type Service struct {
	repo Repository
}

// NewService creates a new item service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get retrieves an item by ID.
func (s *Service) Get(ctx context.Context, itemID id.ID) (*Item, error) {
	return s.repo.GetByID(ctx, itemID)
}

// Create validates and persists a new item.
func (s *Service) Create(ctx context.Context, it *Item) error {
	if err := it.Validate(ctx); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, it); err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	logger.Info(ctx, "item created", "id", it.ID, "code", it.Code)
	return nil
}

// Update validates and saves item changes.
func (s *Service) Update(ctx context.Context, it *Item) error {
	if err := it.Validate(ctx); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, it); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// List returns items matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	return s.repo.List(ctx, filter)
}
