package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/contagion-engine/internal/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("scenario")
			jsonOut, _ := cmd.Flags().GetBool("json")

			sc, err := config.Load(path)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d banks, %d markets, %d steps, policy %s)\n",
				path, len(sc.Banks), len(sc.Markets), sc.Steps, sc.Policy)
			return nil
		},
	}
	cmd.Flags().String("scenario", "", "Scenario YAML file (required)")
	cmd.MarkFlagRequired("scenario")
	return cmd
}
