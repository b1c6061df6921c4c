package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"tutorgo/internal/models"
)

const DefaultCleanupInterval = time.Hour

// StartCleaner removes expired uploads every interval until ctx ends.
func (p *Pipeline) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go p.cleanupLoop(ctx, interval)
}

func (p *Pipeline) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.CleanupExpired(ctx); n > 0 {
				p.logger.Info("removed expired materials", "count", n)
			}
		}
	}
}

// CleanupExpired deletes the files and records of expired uploads and returns how many went.
func (p *Pipeline) CleanupExpired(ctx context.Context) int {
	now := p.now().UTC()

	var expired []models.Material
	p.materialsMu.Lock()
	for convID, list := range p.materials {
		kept := list[:0]
		for _, m := range list {
			if m.ExpiresAt.After(now) {
				kept = append(kept, m)
				continue
			}
			expired = append(expired, m)
		}
		if len(kept) == 0 {
			delete(p.materials, convID)
		} else {
			p.materials[convID] = kept
		}
	}
	p.materialsMu.Unlock()

	for _, m := range expired {
		if err := os.Remove(m.StoredPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("remove material file", "path", m.StoredPath, "error", err)
		}
		// prune the per-conversation directory once it is empty
		_ = os.Remove(filepath.Dir(m.StoredPath))
		for _, o := range p.observers {
			if err := o.MaterialRemoved(ctx, m.ID); err != nil {
				p.logger.Warn("material observer failed", "material_id", m.ID, "error", err)
			}
		}
	}
	p.pruneInflight(ctx)
	return len(expired)
}

// pruneInflight forgets file identities whose task has finished.
func (p *Pipeline) pruneInflight(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for identity, id := range p.inflight {
		task, err := p.tasks.Status(ctx, id)
		if err != nil || task.State.Terminal() {
			delete(p.inflight, identity)
		}
	}
}
