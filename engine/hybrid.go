package engine

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/SharedCode/splitstore"
)

// HybridCourseIndexStore composes a primary (relational, authoritative) and
// a secondary (document, legacy mirror) CourseIndexStore. Reads go to the
// primary only; writes fan out to both with one shared LastUpdate stamp; the
// collision check runs in the primary only, so there is a single source of
// truth while the legacy backend stays usable as a rollback path.
type HybridCourseIndexStore struct {
	primary   splitstore.CourseIndexStore
	secondary splitstore.CourseIndexStore
}

// NewHybridCourseIndexStore composes the two backends.
func NewHybridCourseIndexStore(primary, secondary splitstore.CourseIndexStore) *HybridCourseIndexStore {
	return &HybridCourseIndexStore{
		primary:   primary,
		secondary: secondary,
	}
}

// Get reads from the primary. A primary miss is a miss; there is no fallback
// to the secondary. CCX-annotated keys are unwrapped to the underlying
// course key for compatibility with callers that leak them through.
func (h *HybridCourseIndexStore) Get(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	if key.IsCCX() {
		log.Warn(fmt.Sprintf("a CCX key leaked through to the course index store, reading underlying course key: %s", key))
		key = key.ToCourseKey()
	}
	return h.primary.Get(ctx, key, ignoreCase)
}

// FindMatching reads from the primary.
func (h *HybridCourseIndexStore) FindMatching(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	return h.primary.FindMatching(ctx, query)
}

// FindMatchingLegacy reads from the secondary. Only the one-shot Backfill
// uses this; ordinary reads never touch the legacy backend.
func (h *HybridCourseIndexStore) FindMatchingLegacy(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	return h.secondary.FindMatching(ctx, query)
}

// Insert stamps LastUpdate once, writes the primary, then mirrors to the
// secondary with the same stamp. A mirror failure is logged and returned;
// the primary row is already durable at that point.
func (h *HybridCourseIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	if index.LastUpdate.IsZero() {
		index.LastUpdate = time.Now().UTC()
	}
	if err := h.primary.Insert(ctx, index); err != nil {
		return err
	}
	if err := h.secondary.Insert(ctx, index); err != nil {
		log.Warn(fmt.Sprintf("course index mirror insert failed for %s, secondary is lagging: %v", index.CourseKey(), err))
		return err
	}
	return nil
}

// Update runs the collision check in the primary only. If the primary
// rejects the update (stale from token) the write is skipped with a warning
// and the secondary is left untouched. If the primary accepts, the change is
// mirrored unconditionally with the same LastUpdate stamp.
func (h *HybridCourseIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	index.LastUpdate = time.Now().UTC()
	applied, err := h.primary.Update(ctx, index, from)
	if err != nil {
		return false, err
	}
	if !applied {
		// last_update not only tells us when this course was last updated
		// but also helps prevent collisions. The loser retries its whole bulk.
		log.Warn(fmt.Sprintf("collision applying course index for %s, change was discarded", index.CourseKey()))
		return false, nil
	}
	if _, err := h.secondary.Update(ctx, index, nil); err != nil {
		log.Warn(fmt.Sprintf("course index mirror update failed for %s, secondary is lagging: %v", index.CourseKey(), err))
		return true, err
	}
	return true, nil
}

// Delete removes the row from both backends.
func (h *HybridCourseIndexStore) Delete(ctx context.Context, key splitstore.CourseKey) error {
	if err := h.primary.Delete(ctx, key); err != nil {
		return err
	}
	return h.secondary.Delete(ctx, key)
}
