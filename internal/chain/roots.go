package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"QuorumVault/internal/models"
)

type cachedRoot struct {
	root    string
	fetched time.Time
}

// RootCache confirms that a policy's stored roles root matches the root the
// registry has on chain. Lookups are cached for ttl.
type RootCache struct {
	client Client
	ttl    time.Duration
	nowFn  func() time.Time

	mu    sync.Mutex
	roots map[string]cachedRoot
}

func NewRootCache(client Client, ttl time.Duration) *RootCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RootCache{
		client: client,
		ttl:    ttl,
		nowFn:  time.Now,
		roots:  make(map[string]cachedRoot),
	}
}

// CheckRoot returns PolicyMismatch when the roots differ and Unavailable when
// the registry cannot be asked.
func (c *RootCache) CheckRoot(ctx context.Context, policyID, root string) error {
	onChain, err := c.lookup(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrRootNotFound) {
			return models.Errorf(models.KindPolicyMismatch, "policy %s has no root on chain", policyID)
		}
		return models.Unavailablef(err, "fetch membership root")
	}
	if !strings.EqualFold(onChain, root) {
		e := models.Errorf(models.KindPolicyMismatch, "roles root differs from registry")
		e.PolicyID = policyID
		return e.WithAmounts(onChain, root)
	}
	return nil
}

func (c *RootCache) lookup(ctx context.Context, policyID string) (string, error) {
	now := c.nowFn()
	c.mu.Lock()
	if r, ok := c.roots[policyID]; ok && now.Sub(r.fetched) < c.ttl {
		c.mu.Unlock()
		return r.root, nil
	}
	c.mu.Unlock()

	root, err := c.client.GetMembershipRoot(ctx, policyID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.roots[policyID] = cachedRoot{root: root, fetched: now}
	c.mu.Unlock()
	return root, nil
}
