// Package profilecache adapts preference.ProfileStore onto the generic
// pkg/cache.Cache interface, so RecipientProfile storage reuses the same
// memory/redis backends as everything else rather than inventing a third
// persistence mechanism.
package profilecache

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/cache"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
)

// Store adapts a cache.Cache into a preference.ProfileStore. Profiles never
// expire on their own; TTL 0 means "no expiration" per cache.Cache's contract.
type Store struct {
	cache cache.Cache
}

// New wraps an existing cache.Cache backend.
func New(c cache.Cache) *Store {
	return &Store{cache: c}
}

func key(recipientID string) string {
	return "profile:" + recipientID
}

func (s *Store) Get(ctx context.Context, recipientID string) (preference.RecipientProfile, error) {
	var p preference.RecipientProfile
	if err := s.cache.Get(ctx, key(recipientID), &p); err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return preference.RecipientProfile{}, errors.NotFound("recipient profile not found", err)
		}
		return preference.RecipientProfile{}, errors.Wrap(err, "profile store unavailable")
	}
	return p, nil
}

func (s *Store) Put(ctx context.Context, profile preference.RecipientProfile) error {
	if err := s.cache.Set(ctx, key(profile.RecipientID), profile, 0); err != nil {
		return errors.Wrap(err, "failed to store recipient profile")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, recipientID string) error {
	if err := s.cache.Delete(ctx, key(recipientID)); err != nil {
		return errors.Wrap(err, "failed to delete recipient profile")
	}
	return nil
}
