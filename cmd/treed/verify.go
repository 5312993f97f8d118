package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/treeorder/engine"
	"github.com/jacentio/treeorder/internal/config"
)

func newVerifyCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the stored tree for broken ordering or structure",
		Long: "Load every item from the configured store and report position gaps or duplicates, " +
			"missing or non-folder parents, and parent cycles. Exits non-zero when any are found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := cfg.Log.Logger(os.Stderr)

			b, err := openBackend(ctx, *cfg, logger)
			if err != nil {
				return err
			}
			defer b.close()

			eng := engine.New(b.store, b.locker, nil, engine.DefaultConfig(), logger)
			violations, err := eng.Verify(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if violations == nil {
					violations = []engine.Violation{}
				}
				if err := enc.Encode(violations); err != nil {
					return fmt.Errorf("failed to encode violations: %w", err)
				}
			} else {
				for _, v := range violations {
					fmt.Fprintln(out, v.String())
				}
			}

			if len(violations) > 0 {
				return fmt.Errorf("found %d violation(s)", len(violations))
			}
			if !jsonOutput {
				fmt.Fprintln(out, "ok")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output violations as JSON")
	return cmd
}
