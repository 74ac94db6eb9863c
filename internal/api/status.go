package api

import (
	"context"
	"fmt"

	"github.com/pgtrickle/trickled/internal/catalog"
)

// Status is the read-only status view spec.md §6 names: a stream table's
// catalog row plus its most recent refresh_history entry.
type Status struct {
	Meta          *catalog.StreamTableMeta
	LatestRefresh *catalog.RefreshRecord
	Dependencies  []*catalog.Dependency
}

// GetStatus returns one stream table's status.
func (s *Service) GetStatus(ctx context.Context, schema, name string) (*Status, error) {
	if schema == "" {
		schema = "public"
	}
	meta, err := s.store.GetByName(ctx, schema, name)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestRefresh(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("load latest refresh for %s.%s: %w", schema, name, err)
	}
	deps, err := s.store.GetDependencies(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies for %s.%s: %w", schema, name, err)
	}
	return &Status{Meta: meta, LatestRefresh: latest, Dependencies: deps}, nil
}

// ListStreamTables returns every stream table's status, skipping (and
// logging) any catalog row that fails to decode rather than aborting the
// whole listing.
func (s *Service) ListStreamTables(ctx context.Context) ([]*Status, error) {
	metas, errs := s.store.GetAll(ctx)
	for _, e := range errs {
		s.log.Warn("api: corrupted catalog row skipped while listing stream tables", "error", e)
	}

	statuses := make([]*Status, 0, len(metas))
	for _, m := range metas {
		latest, err := s.store.LatestRefresh(ctx, m.ID)
		if err != nil {
			s.log.Warn("api: load latest refresh failed while listing stream tables", "pgt_id", m.ID, "error", err)
		}
		deps, err := s.store.GetDependencies(ctx, m.ID)
		if err != nil {
			s.log.Warn("api: load dependencies failed while listing stream tables", "pgt_id", m.ID, "error", err)
		}
		statuses = append(statuses, &Status{Meta: m, LatestRefresh: latest, Dependencies: deps})
	}
	return statuses, nil
}
