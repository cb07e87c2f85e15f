package main

import (
	"github.com/spf13/cobra"

	"github.com/sitetrace/changeflow/internal/model"
)

var (
	candidateStatuses []string
	candidateActor    string
	rejectReason      string
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Inspect and review change candidates",
}

var candidatesListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's candidates, optionally filtered by status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		statuses := make([]model.CandidateStatus, len(candidateStatuses))
		for i, s := range candidateStatuses {
			statuses[i] = model.CandidateStatus(s)
		}
		candidates, err := e.Store.ListCandidates(cmd.Context(), args[0], statuses...)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"candidates": candidates, "count": len(candidates)})
	},
}

var candidatesShowCmd = &cobra.Command{
	Use:   "show <candidate-id>",
	Short: "Show a candidate with its evidence links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		c, err := e.Store.GetCandidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		evidence, err := e.Store.ListEvidence(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"candidate": c, "evidence": evidence})
	},
}

var candidatesConfirmCmd = &cobra.Command{
	Use:   "confirm <candidate-id>",
	Short: "Confirm a proposed candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		c, err := e.Lifecycle.Confirm(cmd.Context(), args[0],
			model.Actor{Type: model.ActorContractor, ID: candidateActor})
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

var candidatesRejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a proposed candidate with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		c, err := e.Lifecycle.Reject(cmd.Context(), args[0],
			model.Actor{Type: model.ActorContractor, ID: candidateActor}, rejectReason)
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

func init() {
	candidatesListCmd.Flags().StringSliceVar(&candidateStatuses, "status", nil, "filter by status (repeatable)")
	candidatesConfirmCmd.Flags().StringVar(&candidateActor, "actor", "", "contractor user id (required)")
	candidatesConfirmCmd.MarkFlagRequired("actor") //nolint:errcheck
	candidatesRejectCmd.Flags().StringVar(&candidateActor, "actor", "", "contractor user id (required)")
	candidatesRejectCmd.MarkFlagRequired("actor") //nolint:errcheck
	candidatesRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason (required)")
	candidatesRejectCmd.MarkFlagRequired("reason") //nolint:errcheck

	candidatesCmd.AddCommand(candidatesListCmd, candidatesShowCmd, candidatesConfirmCmd, candidatesRejectCmd)
	rootCmd.AddCommand(candidatesCmd)
}
