package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a single document from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, err := readDocument(ingestFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Supervisor.Run(ctx, doc)
		if result != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(result)
		}
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("document ingested",
			zap.String("document_id", doc.ID),
			zap.String("status", string(result.Status)),
			zap.Int("promoted", result.PromotedCount),
			zap.Int("rejected", result.RejectedCount),
			zap.Int("pending_review", result.PendingReviewCount),
			zap.Float64("cost_usd", result.CostUSD),
		)
		return nil
	},
}

// readDocument loads a document from path, or stdin when path is "-".
func readDocument(path string) (*model.Document, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = os.ReadFile("/dev/stdin")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read document %s", path)
	}

	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse document %s", path)
	}
	return &doc, nil
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "path to document JSON (use - for stdin)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
