// Package directory resolves recipient selectors to staff IDs.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrUnknownSelector is returned when a selector has no recipients.
var ErrUnknownSelector = errors.New("unknown selector")

// Resolver maps a recipient selector to recipient IDs.
type Resolver interface {
	ResolveRecipients(ctx context.Context, selector string) ([]string, error)
}

// Static resolves selectors from a fixed table. The table can be replaced
// at runtime on config reload.
type Static struct {
	mu        sync.RWMutex
	selectors map[string][]string
}

func NewStatic(selectors map[string][]string) *Static {
	s := &Static{}
	s.Replace(selectors)
	return s
}

// Replace swaps the selector table.
func (s *Static) Replace(selectors map[string][]string) {
	table := make(map[string][]string, len(selectors))
	for k, ids := range selectors {
		table[k] = dedupe(ids)
	}
	s.mu.Lock()
	s.selectors = table
	s.mu.Unlock()
}

func (s *Static) ResolveRecipients(_ context.Context, selector string) ([]string, error) {
	s.mu.RLock()
	ids, ok := s.selectors[selector]
	s.mu.RUnlock()
	if !ok || len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, selector)
	}
	return append([]string(nil), ids...), nil
}

// RedisSets resolves a selector from the set stored at {prefix}{selector}.
type RedisSets struct {
	client *redis.Client
	prefix string
}

func NewRedisSets(client *redis.Client, prefix string) *RedisSets {
	return &RedisSets{client: client, prefix: prefix}
}

func (r *RedisSets) ResolveRecipients(ctx context.Context, selector string) ([]string, error) {
	key := r.prefix + selector
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, selector)
	}
	return dedupe(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
