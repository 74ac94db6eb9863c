package api

import (
	"context"
	"fmt"

	"github.com/pgtrickle/trickled/internal/cdc"
)

// DropStreamTable implements drop_stream_table: removes the storage table,
// the per-source CDC infrastructure no other stream table still depends
// on, and the catalog rows.
func (s *Service) DropStreamTable(ctx context.Context, schema, name string) error {
	if schema == "" {
		schema = "public"
	}

	meta, err := s.store.GetByName(ctx, schema, name)
	if err != nil {
		return err
	}

	deps, err := s.store.GetDependencies(ctx, meta.ID)
	if err != nil {
		return fmt.Errorf("load dependencies for %s.%s: %w", schema, name, err)
	}

	qualifiedName := schema + "." + quoteIdent(name)
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", qualifiedName)); err != nil {
		return fmt.Errorf("drop storage table %s: %w", qualifiedName, err)
	}

	if err := s.store.RemoveDependenciesForStreamTable(ctx, meta.ID); err != nil {
		return fmt.Errorf("remove dependencies for %s.%s: %w", schema, name, err)
	}

	for _, d := range deps {
		if s.sourceStillNeeded(ctx, meta.ID, d.SourceRelid) {
			continue
		}
		if err := cdc.DropChangeTrigger(ctx, s.pool, d.SourceRelid, changeSchema); err != nil {
			return fmt.Errorf("drop change trigger for source relid=%d: %w", d.SourceRelid, err)
		}
		if err := cdc.DropChangeBufferTable(ctx, s.pool, d.SourceRelid, changeSchema); err != nil {
			return fmt.Errorf("drop change buffer for source relid=%d: %w", d.SourceRelid, err)
		}
	}

	return s.store.Delete(ctx, meta.ID)
}

// sourceStillNeeded reports whether any stream table other than
// excludeStreamTableID still depends on sourceRelid, in which case its CDC
// infrastructure must stay in place.
func (s *Service) sourceStillNeeded(ctx context.Context, excludeStreamTableID int64, sourceRelid uint32) bool {
	deps, err := s.store.GetAllDependencies(ctx)
	if err != nil {
		s.log.Warn("api: failed to check remaining dependents before dropping CDC", "source_relid", sourceRelid, "error", err)
		return true
	}
	for _, d := range deps {
		if d.SourceRelid == sourceRelid && d.StreamTableID != excludeStreamTableID {
			return true
		}
	}
	return false
}
