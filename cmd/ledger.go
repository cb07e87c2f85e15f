package main

import (
	"github.com/spf13/cobra"

	"github.com/sitetrace/changeflow/internal/model"
)

var verifyConcurrency int

var historyCmd = &cobra.Command{
	Use:   "history <candidate|order|ingestion> <id>",
	Short: "Show an entity's full transition history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		history, err := e.Ledger.History(cmd.Context(), model.EntityType(args[0]), args[1])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"history": history, "count": len(history)})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the ledger for every entity and report drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		mismatches, err := e.Ledger.VerifyAll(cmd.Context(), verifyConcurrency)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"mismatches": mismatches, "count": len(mismatches)})
	},
}

func init() {
	verifyCmd.Flags().IntVar(&verifyConcurrency, "concurrency", 4, "parallel verifications")
	rootCmd.AddCommand(historyCmd, verifyCmd)
}
