package api

import (
	"context"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/optree"
	"github.com/pgtrickle/trickled/internal/schedule"
)

// AlterOptions is alter_stream_table's argument set, per spec.md §6:
// alter_stream_table(name, schedule?, refresh_mode?, status?). Nil fields
// leave the corresponding column unchanged.
type AlterOptions struct {
	Schema      string
	Name        string
	Schedule    *string // "" means switch to CALCULATED
	RefreshMode *string
	Status      *string
}

// AlterStreamTable implements alter_stream_table. Switching RefreshMode to
// DIFFERENTIAL re-probes the existing defining query for differentiability,
// since a query that was fine under FULL maintenance may use an operator
// the DVM can't differentiate.
func (s *Service) AlterStreamTable(ctx context.Context, opts AlterOptions) (*catalog.StreamTableMeta, error) {
	if opts.Schema == "" {
		opts.Schema = "public"
	}

	meta, err := s.store.GetByName(ctx, opts.Schema, opts.Name)
	if err != nil {
		return nil, err
	}

	if opts.Schedule != nil {
		if *opts.Schedule != "" {
			if _, err := schedule.Parse(*opts.Schedule, s.cfg.MinScheduleSeconds); err != nil {
				return nil, err
			}
		}
		if err := s.store.UpdateSchedule(ctx, meta.ID, *opts.Schedule); err != nil {
			return nil, err
		}
	}

	if opts.RefreshMode != nil {
		mode, err := dag.ParseRefreshMode(*opts.RefreshMode)
		if err != nil {
			return nil, err
		}
		if mode == dag.RefreshDifferential {
			tree, err := optree.Analyze(meta.DefiningQuery, s.resolver)
			if err != nil {
				return nil, err
			}
			if _, err := dvm.GenerateTemplate(tree, opts.Schema, opts.Name); err != nil {
				return nil, err
			}
		}
		if err := s.store.UpdateRefreshMode(ctx, meta.ID, mode); err != nil {
			return nil, err
		}
	}

	if opts.Status != nil {
		status, err := dag.ParseStatus(*opts.Status)
		if err != nil {
			return nil, errkind.Newf(errkind.InvalidArgument, "invalid status %q: %w", *opts.Status, err)
		}
		if err := s.store.UpdateStatus(ctx, meta.ID, status); err != nil {
			return nil, err
		}
	}

	return s.store.GetByID(ctx, meta.ID)
}
