package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/reset"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/ui"
)

func newResetCmd(a *app) *cobra.Command {
	var (
		failed    bool
		clearHash string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "reset <kind>",
		Short: "Put failed or hand-edited records back under automation",
		Long: `Put mapping records back under automation.

  --failed            requeue every failed record of the kind so the next run
                      retries it (attachments whose file is still on disk only
                      retry the upload)
  --clear-hash=ID     accept the current, hand-edited state of one record as
                      automation's own so later runs update it again

Hand-edited records are never requeued by --failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseKind(args[0])
			if err != nil {
				return err
			}
			if !failed && clearHash == "" {
				return fmt.Errorf("nothing to reset: pass --failed or --clear-hash=<source_id>")
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()

			if clearHash != "" {
				was, err := reset.ClearHash(ctx, store, kind, clearHash)
				if err != nil {
					return err
				}
				if was {
					fmt.Fprintf(out, "%s %s %s rehashed; automation will update it again\n", ui.RenderPassIcon(), kind.Singular(), clearHash)
				} else {
					fmt.Fprintf(out, "%s %s %s was not edited by hand; hash refreshed\n", ui.RenderSkipIcon(), kind.Singular(), clearHash)
				}
			}
			if !failed {
				return nil
			}

			impact, err := reset.CountImpact(ctx, store, kind)
			if err != nil {
				return err
			}
			if impact.Overridden > 0 {
				fmt.Fprintf(out, "%s %d failed %s edited by hand will be left alone\n", ui.RenderWarnIcon(), impact.Overridden, kind)
			}
			if impact.Failed == 0 {
				fmt.Fprintf(out, "No failed %s to requeue\n", kind)
				return nil
			}
			if !yes {
				ok, err := confirmReset(kind, impact.Failed)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Reset cancelled")
					return nil
				}
			}

			res, err := reset.Requeue(ctx, store, kind, a.logger)
			if err != nil {
				return err
			}
			ui.WriteSummary(out, "reset "+string(kind), []ui.Counter{
				{Label: "requeued", N: res.Requeued, Tone: ui.TonePass},
				{Label: "preserved", N: res.Preserved, Tone: ui.ToneWarn},
			})
			writeStatusCounts(out, kind.Family(), res.ByStatus)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Requeue failed records")
	cmd.Flags().StringVar(&clearHash, "clear-hash", "", "Rehash the record with this source id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirmReset(kind types.EntityKind, n int) (bool, error) {
	if !ui.IsInputTerminal() {
		return false, fmt.Errorf("refusing to requeue %d %s without confirmation; pass --yes", n, kind)
	}
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Requeue %d failed %s?", n, kind)).
				Description("Their failure notes will be cleared.").
				Affirmative("Requeue").
				Negative("Cancel").
				Value(&ok),
		),
	).WithTheme(huh.ThemeDracula())
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation: %w", err)
	}
	return ok, nil
}
