package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	statusRunID  string
	statusTenant string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a run by ID or list recent runs for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if statusRunID == "" && statusTenant == "" {
			return eris.New("status: one of --run or --tenant is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusRunID != "" {
			run, err := st.GetRun(ctx, statusRunID)
			if err != nil {
				return eris.Wrapf(err, "get run %s", statusRunID)
			}
			return enc.Encode(run)
		}

		runs, err := st.ListRuns(ctx, statusTenant, statusLimit)
		if err != nil {
			return eris.Wrapf(err, "list runs for %s", statusTenant)
		}
		return enc.Encode(runs)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "run ID to look up")
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "tenant to list runs for")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max runs to list")
	rootCmd.AddCommand(statusCmd)
}
