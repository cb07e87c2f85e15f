package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sitetrace/changeflow/internal/ingest"
	"github.com/sitetrace/changeflow/internal/model"
)

// ingestFile is the on-disk shape accepted by the ingest command: one raw
// record plus the proposals the external extraction produced for it.
type ingestFile struct {
	ProjectID   string             `json:"project_id"`
	Channel     model.Channel      `json:"channel"`
	ExternalID  string             `json:"external_id"`
	Payload     map[string]any     `json:"payload"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Sender      string             `json:"sender,omitempty"`
	Subject     string             `json:"subject,omitempty"`
	Proposals   []model.Proposal   `json:"proposals,omitempty"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Ingest a communication record with its extracted proposals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read input file")
		}
		var in ingestFile
		if err := json.Unmarshal(data, &in); err != nil {
			return eris.Wrap(err, "parse input file")
		}

		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		rec := &model.IngestionRecord{
			ProjectID:   in.ProjectID,
			Channel:     in.Channel,
			ExternalID:  in.ExternalID,
			Payload:     in.Payload,
			Attachments: in.Attachments,
			Sender:      in.Sender,
			Subject:     in.Subject,
		}
		accepted, err := e.Ingest.Accept(cmd.Context(), rec)
		if err != nil {
			return err
		}
		out := map[string]any{"intake": accepted}

		if accepted.Status == ingest.Accepted && len(in.Proposals) > 0 {
			processed, err := e.Ingest.Process(cmd.Context(), accepted.Record.ID, in.Proposals)
			if err != nil {
				return err
			}
			out["processing"] = processed
		}
		return printJSON(out)
	},
}

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List ingestion records stuck in processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		records, err := e.Ingest.Stale(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"records": records, "count": len(records)})
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	ingestCmd.AddCommand(staleCmd)
	rootCmd.AddCommand(ingestCmd)
}
