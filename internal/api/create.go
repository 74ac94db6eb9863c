package api

import (
	"context"
	"fmt"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/cdc"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/optree"
	"github.com/pgtrickle/trickled/internal/schedule"
)

// CreateOptions is create_stream_table's argument set, per spec.md §6:
// create_stream_table(name, query, schedule, refresh_mode, initialize).
type CreateOptions struct {
	Schema      string
	Name        string
	Query       string
	Schedule    string // empty means CALCULATED
	RefreshMode string // "FULL" or "DIFFERENTIAL"
	Initialize  bool
}

// CreateStreamTable implements create_stream_table: validates the
// arguments and defining query, creates the storage table and per-source
// CDC infrastructure, and registers the catalog rows. On success the
// returned meta has Status INITIALIZING if Initialize was false (the
// scheduler performs the first REINITIALIZE on its next tick) or ACTIVE
// with IsPopulated true if Initialize was true (this call populated it
// directly via CREATE TABLE AS).
func (s *Service) CreateStreamTable(ctx context.Context, opts CreateOptions) (*catalog.StreamTableMeta, error) {
	if opts.Schema == "" {
		opts.Schema = "public"
	}

	if _, err := s.store.GetByName(ctx, opts.Schema, opts.Name); err == nil {
		return nil, errkind.Newf(errkind.AlreadyExists, "stream table %s.%s already exists", opts.Schema, opts.Name)
	} else if !errkind.Is(err, errkind.NotFound) {
		return nil, err
	}

	var scheduleText string
	if opts.Schedule != "" {
		if _, err := schedule.Parse(opts.Schedule, s.cfg.MinScheduleSeconds); err != nil {
			return nil, err
		}
		scheduleText = opts.Schedule
	}

	refreshMode, err := dag.ParseRefreshMode(opts.RefreshMode)
	if err != nil {
		return nil, err
	}

	tree, err := optree.Analyze(opts.Query, s.resolver)
	if err != nil {
		return nil, err
	}

	if refreshMode == dag.RefreshDifferential {
		if _, err := dvm.GenerateTemplate(tree, opts.Schema, opts.Name); err != nil {
			return nil, err
		}
	}

	if err := s.checkWouldCreateCycle(ctx, tree); err != nil {
		return nil, err
	}

	full := dvm.GenerateFullSelect(tree, opts.Query)
	qualifiedName := opts.Schema + "." + quoteIdent(opts.Name)
	if err := s.createStorageTable(ctx, qualifiedName, full, opts.Initialize); err != nil {
		return nil, err
	}

	relid, err := relidOf(ctx, s.pool, opts.Schema, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve new storage table oid: %w", err)
	}

	id, err := s.store.Insert(ctx, &catalog.StreamTableMeta{
		Relid:         relid,
		Name:          opts.Name,
		Schema:        opts.Schema,
		DefiningQuery: opts.Query,
		OriginalQuery: opts.Query,
		Schedule:      scheduleText,
		RefreshMode:   refreshMode,
	})
	if err != nil {
		return nil, err
	}

	if err := s.attachSources(ctx, id, tree.SourceOIDs()); err != nil {
		return nil, err
	}

	if opts.Initialize {
		if err := s.store.UpdateStatus(ctx, id, dag.StatusActive); err != nil {
			return nil, err
		}
		if _, err := s.pool.Exec(ctx, `UPDATE pgtrickle.stream_tables SET is_populated = true WHERE pgt_id = $1`, id); err != nil {
			return nil, fmt.Errorf("mark stream table populated: %w", err)
		}
	}

	return s.store.GetByID(ctx, id)
}

// createStorageTable builds the stream table's physical storage via
// CREATE TABLE ... AS, letting Postgres infer every column's type from
// the defining query instead of re-deriving them here. initialize=false
// populates the shape only (WITH NO DATA); initialize=true populates it
// immediately, equivalent to running a REINITIALIZE refresh inline.
func (s *Service) createStorageTable(ctx context.Context, qualifiedName string, full *dvm.FullResult, initialize bool) error {
	ctas := fmt.Sprintf("CREATE TABLE %s AS %s", qualifiedName, full.SQL)
	if !initialize {
		ctas += " WITH NO DATA"
	}
	if _, err := s.pool.Exec(ctx, ctas); err != nil {
		return errkind.Newf(errkind.InvalidArgument, "create storage table %s: %w", qualifiedName, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD PRIMARY KEY ("__row_id")`, qualifiedName)); err != nil {
		return fmt.Errorf("add primary key to %s: %w", qualifiedName, err)
	}
	if full.HasCount {
		// __count already exists from the CTAS's projected column; pin down
		// the NOT NULL DEFAULT 0 invariant every subsequent MERGE relies on.
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE %s ALTER COLUMN "__count" SET DEFAULT 0, ALTER COLUMN "__count" SET NOT NULL`, qualifiedName,
		)); err != nil {
			return fmt.Errorf("pin __count invariant on %s: %w", qualifiedName, err)
		}
	}
	return nil
}

// attachSources wires CDC (change buffer table + trigger) onto every
// source relation the defining query scans and records the dependency
// catalog rows, per spec.md §3/§6.
func (s *Service) attachSources(ctx context.Context, streamTableID int64, sourceOIDs []uint32) error {
	for _, oid := range sourceOIDs {
		cols, err := cdc.ResolveSourceColumnDefs(ctx, s.pool, oid)
		if err != nil {
			return err
		}
		pk, err := cdc.ResolvePKColumns(ctx, s.pool, oid)
		if err != nil {
			return err
		}
		if err := cdc.CreateChangeBufferTable(ctx, s.pool, oid, changeSchema, cols); err != nil {
			return err
		}
		if _, err := cdc.CreateChangeTrigger(ctx, s.pool, oid, changeSchema, pk, cols); err != nil {
			return err
		}

		colNames := make([]string, len(cols))
		for i, c := range cols {
			colNames[i] = c.Name
		}
		if err := s.store.AddDependency(ctx, &catalog.Dependency{
			StreamTableID: streamTableID,
			SourceRelid:   oid,
			SourceType:    "base_table",
			ColumnsUsed:   colNames,
			CDCMode:       catalog.CDCModeTrigger,
		}); err != nil {
			return err
		}
	}
	return nil
}

// checkWouldCreateCycle rebuilds the current dependency graph plus the
// proposed new edges and rejects the creation if it closes a cycle, per
// spec.md's cycle semantics and TESTABLE PROPERTIES #8.
func (s *Service) checkWouldCreateCycle(ctx context.Context, tree *optree.Node) error {
	metas, errs := s.store.GetAll(ctx)
	for _, e := range errs {
		s.log.Warn("api: corrupted catalog row skipped during cycle check", "error", e)
	}

	graph := dag.New()
	const candidateID int64 = -1 // sentinel: the not-yet-inserted stream table
	for _, m := range metas {
		graph.AddStreamTableNode(dag.Node{ID: dag.StreamTable(m.ID), Name: m.QualifiedName()})
	}
	graph.AddStreamTableNode(dag.Node{ID: dag.StreamTable(candidateID), Name: "(new stream table)"})

	deps, err := s.store.GetAllDependencies(ctx)
	if err != nil {
		return fmt.Errorf("load dependencies for cycle check: %w", err)
	}
	for _, d := range deps {
		graph.AddEdge(resolveSourceNode(metas, d.SourceRelid), dag.StreamTable(d.StreamTableID))
	}

	for _, oid := range tree.SourceOIDs() {
		graph.AddEdge(resolveSourceNode(metas, oid), dag.StreamTable(candidateID))
	}

	return graph.DetectCycles()
}

// resolveSourceNode maps a source relid to a stream-table node if some
// existing stream table's storage table has that relid, or a base-table
// node otherwise.
func resolveSourceNode(metas []*catalog.StreamTableMeta, relid uint32) dag.NodeID {
	for _, m := range metas {
		if m.Relid == relid {
			return dag.StreamTable(m.ID)
		}
	}
	return dag.BaseTable(relid)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
