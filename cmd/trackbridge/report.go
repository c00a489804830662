package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/timeparsing"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/ui"
)

// maxNoteWidth truncates notes in the attention list.
const maxNoteWidth = 80

func newReportCmd(a *app) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "report [kind...]",
		Short: "Show record counts per status and what needs attention",
		Long: `Show how many records of each kind sit in each status, then list the
records that need a person or a retry: manual, awaiting a dependency, or
failed, with their notes.

--since limits the report to records changed after a point in time:
  --since 7d
  --since 2026-01-15
  --since "2 days ago"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := types.AllKinds
			if len(args) > 0 {
				kinds = nil
				for _, arg := range args {
					k, err := types.ParseKind(arg)
					if err != nil {
						return err
					}
					kinds = append(kinds, k)
				}
			}
			var cutoff time.Time
			if since != "" {
				t, err := timeparsing.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				cutoff = t
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for i, kind := range kinds {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSeparator())
				}
				if err := writeReport(ctx, cmd.OutOrStdout(), store, kind, cutoff); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only records changed since (e.g. 7d, 2026-01-15, \"2 days ago\")")
	return cmd
}

func writeReport(ctx context.Context, w io.Writer, store storage.Store, kind types.EntityKind, cutoff time.Time) error {
	counts, err := statusCounts(ctx, store, kind, cutoff)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(w, "%s %s\n", ui.RenderCategory(string(kind)), ui.RenderMuted(fmt.Sprintf("(%d)", total)))
	if total == 0 {
		return nil
	}
	fam := kind.Family()
	writeStatusCounts(w, fam, counts)

	var attention []types.Status
	for _, s := range fam.Statuses() {
		if s.NeedsAttention() && counts[s] > 0 {
			attention = append(attention, s)
		}
	}
	if len(attention) == 0 {
		return nil
	}
	recs, err := store.ListMappings(ctx, kind, storage.MappingFilter{Statuses: attention, UpdatedSince: cutoff})
	if err != nil {
		return fmt.Errorf("list %s needing attention: %w", kind, err)
	}
	for _, rec := range recs {
		line := fmt.Sprintf("    %-24s %s", rec.SourceID, ui.RenderStatus(string(rec.Status)))
		if rec.Notes != "" {
			line += "  " + ui.RenderMuted(truncate(rec.Notes, maxNoteWidth))
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// statusCounts uses the store's aggregate unless a cutoff forces a scan.
func statusCounts(ctx context.Context, store storage.Store, kind types.EntityKind, cutoff time.Time) (map[types.Status]int, error) {
	if cutoff.IsZero() {
		return store.CountByStatus(ctx, kind)
	}
	recs, err := store.ListMappings(ctx, kind, storage.MappingFilter{UpdatedSince: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	counts := make(map[types.Status]int)
	for _, rec := range recs {
		counts[rec.Status]++
	}
	return counts, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
