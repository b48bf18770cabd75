// Package memory implements interest.Index with an in-process set of sets,
// guarded by a single RWMutex, following the same map-backed, no-external-
// dependency pattern as pkg/cache/adapters/memory.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
)

// Index is an in-memory interest.Index.
type Index struct {
	mu      sync.RWMutex
	wallets map[string]map[string]struct{}
	markets map[string]map[string]struct{}
	global  map[string]struct{}
}

// New creates an empty in-memory interest index.
func New() *Index {
	return &Index{
		wallets: make(map[string]map[string]struct{}),
		markets: make(map[string]map[string]struct{}),
		global:  make(map[string]struct{}),
	}
}

func (idx *Index) Add(ctx context.Context, key interest.Key, recipientID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch {
	case key.Global:
		idx.global[recipientID] = struct{}{}
	case key.Wallet != "":
		set, ok := idx.wallets[key.Wallet]
		if !ok {
			set = make(map[string]struct{})
			idx.wallets[key.Wallet] = set
		}
		set[recipientID] = struct{}{}
	case key.Market != "":
		set, ok := idx.markets[key.Market]
		if !ok {
			set = make(map[string]struct{})
			idx.markets[key.Market] = set
		}
		set[recipientID] = struct{}{}
	}
	return nil
}

func (idx *Index) Remove(ctx context.Context, key interest.Key, recipientID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch {
	case key.Global:
		delete(idx.global, recipientID)
	case key.Wallet != "":
		if set, ok := idx.wallets[key.Wallet]; ok {
			delete(set, recipientID)
		}
	case key.Market != "":
		if set, ok := idx.markets[key.Market]; ok {
			delete(set, recipientID)
		}
	}
	return nil
}

func (idx *Index) Interested(ctx context.Context, wallet, market string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(set map[string]struct{}) {
		for r := range set {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				out = append(out, r)
			}
		}
	}

	if wallet != "" {
		add(idx.wallets[wallet])
	}
	if market != "" {
		add(idx.markets[market])
	}
	add(idx.global)

	return out, nil
}

func (idx *Index) Close() error {
	return nil
}
