// Package assets commits generated artifacts to storage, deduplicating
// repeated text payloads per lead and notifying subscribers on change.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadline/internal/domain"
	"leadline/internal/repo"
)

// ContentHash returns the hex digest used for text deduplication.
// Identical payloads always hash identically; the scheme is not
// cryptographic and only guards against exact re-commits.
func ContentHash(payload string) string {
	var h uint32
	for _, b := range []byte(payload) {
		h = h*31 + uint32(b)
	}
	return fmt.Sprintf("%08x", h)
}

// CommitResult reports the stored asset and whether storage was skipped
// because an identical text payload already existed for the same lead.
type CommitResult struct {
	Asset     domain.Asset
	Duplicate bool
}

// Subscriber receives every non-duplicate commit and every deletion.
type Subscriber func(event string, a domain.Asset)

// Committer serializes asset writes so duplicate detection and
// subscriber notification observe a consistent order.
type Committer struct {
	mu   sync.Mutex
	repo repo.Repo
	now  func() time.Time

	subMu sync.Mutex
	subs  map[int]Subscriber
	nextS int
}

func NewCommitter(r repo.Repo, now func() time.Time) *Committer {
	if now == nil {
		now = time.Now
	}
	return &Committer{repo: r, now: now, subs: map[int]Subscriber{}}
}

// Subscribe registers a callback for commit and delete notifications.
// The returned function removes the subscription.
func (c *Committer) Subscribe(fn Subscriber) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextS
	c.nextS++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Committer) notify(event string, a domain.Asset) {
	c.subMu.Lock()
	fns := make([]Subscriber, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(event, a)
	}
}

// Commit stores an asset. Text payloads are hashed and compared against
// existing assets for the same lead; an exact duplicate returns the
// stored asset with Duplicate set and writes nothing. Leads are the
// deduplication scope: the same payload under two different leads is
// stored twice, and assets without a lead form their own scope.
func (c *Committer) Commit(ctx context.Context, a domain.Asset) (CommitResult, error) {
	if strings.TrimSpace(a.Type) == "" {
		return CommitResult{}, errors.New("asset type required")
	}
	if strings.TrimSpace(a.Payload) == "" {
		return CommitResult{}, errors.New("asset payload required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Type == domain.AssetText {
		hash := ContentHash(a.Payload)
		existing, err := c.repo.FindTextAssetByHash(ctx, a.LeadID, hash)
		if err == nil {
			return CommitResult{Asset: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return CommitResult{}, err
		}
		a.ContentHash = &hash
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = c.now().UTC().Format(time.RFC3339)
	}
	if err := c.repo.InsertAsset(ctx, a); err != nil {
		return CommitResult{}, err
	}
	c.notify("asset.committed", a)
	return CommitResult{Asset: a}, nil
}

// Delete removes a stored asset and notifies subscribers.
func (c *Committer) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.repo.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if err := c.repo.DeleteAsset(ctx, id); err != nil {
		return err
	}
	c.notify("asset.deleted", a)
	return nil
}
