package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/mapping"
	"github.com/steveyegge/trackbridge/internal/push"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/resolver"
	"github.com/steveyegge/trackbridge/internal/snapshot"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/telemetry"
	"github.com/steveyegge/trackbridge/internal/transfer"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/ui"
)

// Phase names.
const (
	phaseExtract   = "extract"
	phaseMap       = "map"
	phaseTransform = "transform"
	phasePush      = "push"
	phaseDownload  = "download"
	phaseUpload    = "upload"
)

// phasesFor returns the phases of kind in run order.
func phasesFor(kind types.EntityKind) []string {
	if kind == types.KindAttachment {
		return []string{phaseExtract, phaseMap, phaseDownload, phaseUpload}
	}
	return []string{phaseExtract, phaseMap, phaseTransform, phasePush}
}

// selectPhases applies --phases and --skip. The result keeps run order
// whatever order the flags list names in.
func selectPhases(kind types.EntityKind, only, skip []string) ([]string, error) {
	all := phasesFor(kind)
	for _, name := range append(slices.Clone(only), skip...) {
		if !slices.Contains(all, name) {
			return nil, fmt.Errorf("unknown phase %q for %s (want %s)", name, kind, strings.Join(all, ", "))
		}
	}
	var out []string
	for _, p := range all {
		if len(only) > 0 && !slices.Contains(only, p) {
			continue
		}
		if slices.Contains(skip, p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no phases left to run for %s", kind)
	}
	return out, nil
}

type migrateOptions struct {
	phases         []string
	skip           []string
	confirmPush    bool
	dryRun         bool
	useExtendedAPI bool
	downloadLimit  int
	uploadLimit    int
	workers        int
	limit          int
}

func newMigrateCmd(a *app, kind types.EntityKind) *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Migrate %s (%s)", kind, strings.Join(phasesFor(kind), " → ")),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("workers") {
				opts.workers = a.settings.Attachments.Workers
			}
			return a.runMigrate(cmd, kind, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.phases, "phases", nil, "Only run these phases (comma-separated)")
	cmd.Flags().StringSliceVar(&opts.skip, "skip", nil, "Skip these phases (comma-separated)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Process at most N records per phase (0 = all)")
	if kind == types.KindAttachment {
		cmd.Flags().IntVar(&opts.downloadLimit, "download-limit", 0, "Download at most N attachments (0 = all)")
		cmd.Flags().IntVar(&opts.uploadLimit, "upload-limit", 0, "Upload at most N attachments (0 = all)")
		cmd.Flags().IntVar(&opts.workers, "workers", 0, "Parallel transfer workers (default: attachments.workers)")
		cmd.Flags().BoolVar(&opts.confirmPush, "confirm-push", false, "Actually upload attachments to Redmine")
		cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "List uploads without sending them, even with --confirm-push")
	} else {
		cmd.Flags().BoolVar(&opts.confirmPush, "confirm-push", false, "Actually create entities in Redmine")
		cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print push payloads without sending them, even with --confirm-push")
	}
	cmd.Flags().BoolVar(&opts.useExtendedAPI, "use-extended-api", false, "Allow the Redmine extended API plugin")
	return cmd
}

func (a *app) runMigrate(cmd *cobra.Command, kind types.EntityKind, opts *migrateOptions) error {
	phases, err := selectPhases(kind, opts.phases, opts.skip)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	r := &run{
		app:   a,
		kind:  kind,
		opts:  opts,
		store: store,
		out:   cmd.OutOrStdout(),
		print: printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr()},
	}
	a.logger.Debug("migration started", "kind", kind, "phases", phases)
	for _, phase := range phases {
		if err := r.phase(ctx, phase); err != nil {
			return fmt.Errorf("%s %s: %w", kind, phase, err)
		}
	}
	return nil
}

// run carries one kind through its phases. Clients are built on first use
// so phases that stay local need no credentials.
type run struct {
	app   *app
	kind  types.EntityKind
	opts  *migrateOptions
	store storage.Store
	out   io.Writer
	print printer

	source *jira.Client
	target *redmine.Client
}

func (r *run) sourceClient() (*jira.Client, error) {
	if r.source == nil {
		c, err := r.app.sourceClient()
		if err != nil {
			return nil, err
		}
		r.source = c
	}
	return r.source, nil
}

func (r *run) targetClient() (*redmine.Client, error) {
	if r.target == nil {
		c, err := r.app.targetClient()
		if err != nil {
			return nil, err
		}
		r.target = c
	}
	return r.target, nil
}

func (r *run) phase(ctx context.Context, name string) (err error) {
	ctx, span := telemetry.StartPhase(ctx, r.app.runID, r.kind, name)
	defer func() { span.End(err) }()

	switch name {
	case phaseExtract:
		return r.extract(ctx, span)
	case phaseMap:
		return r.mapRecords(ctx, span)
	case phaseTransform:
		return r.transform(ctx, span)
	case phasePush:
		return r.push(ctx, span)
	case phaseDownload:
		return r.download(ctx, span)
	case phaseUpload:
		return r.upload(ctx, span)
	}
	return fmt.Errorf("unknown phase %q", name)
}

func (r *run) title(phase string) string {
	return phase + " " + string(r.kind)
}

func (r *run) extract(ctx context.Context, span *telemetry.Phase) error {
	src, err := r.sourceClient()
	if err != nil {
		return err
	}
	tgt, err := r.targetClient()
	if err != nil {
		return err
	}
	ex := snapshot.NewExtractor(r.store, src, tgt, r.app.logger)
	ex.UseExtendedAPI = r.opts.useExtendedAPI
	ex.OnMessage = r.print.message
	ex.OnWarning = r.print.warning

	res, err := ex.Extract(ctx, r.kind)
	if err != nil {
		return err
	}
	span.Count("staged", res.Source)
	span.Count("snapshot", res.Target)
	counters := []ui.Counter{{Label: "source", N: res.Source, Tone: ui.ToneInfo}}
	if !res.TargetSkipped {
		counters = append(counters, ui.Counter{Label: "target", N: res.Target, Tone: ui.ToneInfo})
	}
	ui.WriteSummary(r.out, r.title(phaseExtract), counters)
	return nil
}

func (r *run) mapRecords(ctx context.Context, span *telemetry.Phase) error {
	res, err := mapping.NewSynchronizer(r.store, r.app.logger).Sync(ctx, r.kind)
	if err != nil {
		return err
	}
	span.Count("inserted", res.Inserted)
	span.Count("refreshed", res.Refreshed)
	span.Count("unchanged", res.Unchanged)
	ui.WriteSummary(r.out, r.title(phaseMap), []ui.Counter{
		{Label: "inserted", N: res.Inserted, Tone: ui.TonePass},
		{Label: "refreshed", N: res.Refreshed, Tone: ui.ToneInfo},
		{Label: "unchanged", N: res.Unchanged, Tone: ui.ToneInfo},
	})
	return nil
}

func (r *run) transform(ctx context.Context, span *telemetry.Phase) error {
	v, err := r.app.vocabulary()
	if err != nil {
		return err
	}
	engine := resolver.NewEngine(r.store, v, r.app.logger)
	engine.OnMessage = r.print.message
	engine.OnWarning = r.print.warning

	stats, err := engine.Transform(ctx, r.kind, resolver.Options{Limit: r.opts.limit})
	if err != nil {
		return err
	}
	for status, n := range stats.ByStatus {
		span.Count(string(status), n)
	}
	span.Count("preserved", stats.Preserved)
	ui.WriteSummary(r.out, r.title(phaseTransform), []ui.Counter{
		{Label: "evaluated", N: stats.Evaluated, Tone: ui.ToneInfo},
		{Label: "updated", N: stats.Updated, Tone: ui.TonePass},
		{Label: "unchanged", N: stats.Unchanged, Tone: ui.ToneInfo},
		{Label: "preserved", N: stats.Preserved, Tone: ui.ToneWarn},
	})
	writeStatusCounts(r.out, r.kind.Family(), stats.ByStatus)
	return nil
}

func (r *run) push(ctx context.Context, span *telemetry.Phase) error {
	tgt, err := r.targetClient()
	if err != nil {
		return err
	}
	ex := push.NewExecutor(r.store, tgt, r.app.logger)
	ex.Out = r.out
	ex.OnMessage = r.print.message
	ex.OnWarning = r.print.warning

	res, err := ex.Push(ctx, r.kind, push.Options{
		Confirm:        r.opts.confirmPush,
		DryRun:         r.opts.dryRun,
		Limit:          r.opts.limit,
		UseExtendedAPI: r.opts.useExtendedAPI,
	})
	if err != nil {
		return err
	}
	span.Count("previewed", res.Previewed)
	span.Count("succeeded", res.Succeeded)
	span.Count("failed", res.Failed)
	span.Count("preserved", res.Preserved)
	if res.Previewed > 0 {
		ui.WriteSummary(r.out, r.title(phasePush), []ui.Counter{
			{Label: "previewed", N: res.Previewed, Tone: ui.ToneInfo},
		})
		return nil
	}
	ui.WriteSummary(r.out, r.title(phasePush), []ui.Counter{
		{Label: "succeeded", N: res.Succeeded, Tone: ui.TonePass},
		{Label: "failed", N: res.Failed, Tone: ui.ToneFail},
		{Label: "preserved", N: res.Preserved, Tone: ui.ToneWarn},
	})
	return nil
}

func (r *run) pipeline() *transfer.Pipeline {
	p := transfer.New(r.store, nil, nil, r.app.settings.Attachments.Dir, r.app.logger)
	p.OnMessage = r.print.message
	p.OnWarning = r.print.warning
	return p
}

func (r *run) download(ctx context.Context, span *telemetry.Phase) error {
	src, err := r.sourceClient()
	if err != nil {
		return err
	}
	arc, err := r.app.archive(ctx)
	if err != nil {
		return err
	}
	p := r.pipeline()
	p.Source = src
	p.Archive = arc

	res, err := p.Download(ctx, transfer.Options{Workers: r.opts.workers, Limit: r.opts.downloadLimit})
	if err != nil {
		return err
	}
	return r.transferSummary(span, phaseDownload, res)
}

func (r *run) upload(ctx context.Context, span *telemetry.Phase) error {
	tgt, err := r.targetClient()
	if err != nil {
		return err
	}
	p := r.pipeline()
	p.Target = tgt

	res, err := p.Upload(ctx, transfer.Options{
		Workers: r.opts.workers,
		Limit:   r.opts.uploadLimit,
		Confirm: r.opts.confirmPush,
		DryRun:  r.opts.dryRun,
	})
	if err != nil {
		return err
	}
	return r.transferSummary(span, phaseUpload, res)
}

func (r *run) transferSummary(span *telemetry.Phase, phase string, res *transfer.Result) error {
	if res.Previewed > 0 {
		span.Count("previewed", res.Previewed)
		ui.WriteSummary(r.out, r.title(phase), []ui.Counter{
			{Label: "previewed", N: res.Previewed, Tone: ui.ToneInfo},
		})
		return nil
	}
	span.Count("succeeded", res.Succeeded)
	span.Count("failed", res.Failed)
	span.Count("preserved", res.Preserved)
	ui.WriteSummary(r.out, r.title(phase), []ui.Counter{
		{Label: "succeeded", N: res.Succeeded, Tone: ui.TonePass},
		{Label: "failed", N: res.Failed, Tone: ui.ToneFail},
		{Label: "preserved", N: res.Preserved, Tone: ui.ToneWarn},
	})
	return nil
}

// writeStatusCounts prints non-zero counts in the family's status order.
func writeStatusCounts(w io.Writer, fam *types.Family, counts map[types.Status]int) {
	for _, s := range fam.Statuses() {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(w, "  %s%-22s %d\n", ui.TreeLast, ui.RenderStatus(string(s)), n)
		}
	}
}
