package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/ui"
)

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether the Redmine extended API plugin is reachable",
		Long: `Check whether the Redmine extended API plugin is reachable.

Tags, and any push run with --use-extended-api, need the plugin mounted at
target.extended_api_prefix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.targetClient()
			if err != nil {
				return err
			}
			ok, err := c.ProbeExtendedAPI(cmd.Context())
			if err != nil {
				return fmt.Errorf("probe %s: %w", c.URL, err)
			}
			where := ui.RenderAccent(c.URL + c.ExtendedPrefix)
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Extended API available at %s\n", ui.RenderPassIcon(), where)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Extended API not available at %s\n", ui.RenderWarnIcon(), where)
			}
			return nil
		},
	}
}
