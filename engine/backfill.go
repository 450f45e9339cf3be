package engine

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/SharedCode/splitstore"
)

// Backfill copies course indexes from the legacy (secondary) backend into
// the primary. It is the one-shot migration run on upgrade:
//
//   - a legacy index absent from the primary is copied verbatim, keeping its
//     object id and last_update token;
//   - an index present in both where the legacy edited_on is newer overwrites
//     the primary's fields, except the course id;
//   - everything else is left alone, so running it again is a no-op.
func Backfill(ctx context.Context, store *HybridCourseIndexStore) error {
	legacy, err := store.FindMatchingLegacy(ctx, splitstore.CourseIndexQuery{})
	if err != nil {
		return fmt.Errorf("backfill, 'failed reading legacy course indexes: %w", err)
	}
	var copied, updated int
	for _, legacyIndex := range legacy {
		existing, err := store.primary.Get(ctx, legacyIndex.CourseKey(), false)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := store.primary.Insert(ctx, legacyIndex.Copy()); err != nil {
				return err
			}
			copied++
			continue
		}
		if !legacyIndex.EditedOn.After(existing.EditedOn) {
			continue
		}
		// Legacy row is newer. Overwrite everything except the course id
		// (and the primary's surrogate id, which is immutable there).
		overwrite := legacyIndex.Copy()
		overwrite.ObjectID = existing.ObjectID
		overwrite.Org = existing.Org
		overwrite.Course = existing.Course
		overwrite.Run = existing.Run
		if _, err := store.primary.Update(ctx, overwrite, nil); err != nil {
			return err
		}
		updated++
	}
	log.Info(fmt.Sprintf("course index backfill done, %d copied, %d overwritten from legacy", copied, updated))
	return nil
}
