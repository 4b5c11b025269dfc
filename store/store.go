// Package store provides the Postgres-backed implementations of the
// service's storage ports.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/peoplepeeper/quota/limiters"
	"github.com/peoplepeeper/quota/models"
)

// ProfileStore implements service.ProfileStore on bun
type ProfileStore struct {
	db *bun.DB
}

// NewProfileStore creates a profile store over the given database
func NewProfileStore(db *bun.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func (s *ProfileStore) GetProfile(ctx context.Context, accountID string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.NewSelect().
		Model(&profile).
		Where("p.id = ?", accountID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding profile: %w", err)
	}
	return &profile, nil
}

// IncrementChecksUsed bumps the lifetime counter by one in a single
// update, so the counter stays monotonic under concurrent writers.
func (s *ProfileStore) IncrementChecksUsed(ctx context.Context, accountID string) error {
	res, err := s.db.NewUpdate().
		Model((*models.Profile)(nil)).
		Set("checks_used = checks_used + 1").
		Set("updated_at = ?", time.Now()).
		Where("id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("profile not found: %s", accountID)
	}
	return nil
}

// SearchStore implements service.SearchStore on bun
type SearchStore struct {
	db *bun.DB
}

// NewSearchStore creates a search history store over the given database
func NewSearchStore(db *bun.DB) *SearchStore {
	return &SearchStore{db: db}
}

func (s *SearchStore) CountSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*models.Search)(nil)).
		Where("user_id = ?", accountID).
		Where("created_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting searches: %w", err)
	}
	return int64(count), nil
}

func (s *SearchStore) Insert(ctx context.Context, search *models.Search) error {
	_, err := s.db.NewInsert().
		Model(search).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("inserting search: %w", err)
	}
	return nil
}

func (s *SearchStore) DeleteSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*models.Search)(nil)).
		Where("user_id = ?", accountID).
		Where("created_at >= ?", since).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting searches: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return deleted, nil
}

// PlanStore implements service.PlanStore on bun
type PlanStore struct {
	db *bun.DB
}

// NewPlanStore creates a plan store over the given database
func NewPlanStore(db *bun.DB) *PlanStore {
	return &PlanStore{db: db}
}

func (s *PlanStore) GetPolicy(ctx context.Context, planID string) (limiters.Policy, error) {
	var plan models.Plan
	err := s.db.NewSelect().
		Model(&plan).
		Where("id = ?", planID).
		Scan(ctx)
	if err != nil {
		return limiters.Policy{}, fmt.Errorf("finding plan: %w", err)
	}

	var policy limiters.Policy
	if err := msgpack.Unmarshal(plan.Policy, &policy); err != nil {
		return limiters.Policy{}, fmt.Errorf("unmarshaling policy: %w", err)
	}
	return policy, nil
}
