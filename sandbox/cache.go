package sandbox

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingProvider keeps recently used handles so a resumed or long run does
// not reconnect on every tool call. Handles are keyed by sandbox ID, and
// every run owns a distinct ID, so no handle is shared between runs.
type CachingProvider struct {
	next  Provider
	cache *lru.Cache[string, Sandbox]
}

// NewCachingProvider wraps next with an LRU of the given size.
func NewCachingProvider(next Provider, size int) (*CachingProvider, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, Sandbox](size)
	if err != nil {
		return nil, fmt.Errorf("create sandbox cache: %w", err)
	}
	return &CachingProvider{next: next, cache: cache}, nil
}

func (p *CachingProvider) Create(ctx context.Context, template string) (Sandbox, error) {
	sb, err := p.next.Create(ctx, template)
	if err != nil {
		return nil, err
	}
	p.cache.Add(sb.ID(), sb)
	return sb, nil
}

func (p *CachingProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if sb, ok := p.cache.Get(id); ok {
		return sb, nil
	}
	sb, err := p.next.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	p.cache.Add(id, sb)
	return sb, nil
}

// Forget drops a handle, typically once its run has finished.
func (p *CachingProvider) Forget(id string) {
	p.cache.Remove(id)
}
