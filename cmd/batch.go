package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/model"
)

var (
	batchDir   string
	batchJSONL string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Ingest many documents concurrently",
	Long:  "Reads documents from a directory of JSON files or a JSONL file and runs them through the pipeline with bounded concurrency. Documents fail independently.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if batchDir == "" && batchJSONL == "" {
			return eris.New("batch: one of --dir or --jsonl is required")
		}

		docs, err := loadBatchDocuments()
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			zap.L().Info("no documents to process")
			return nil
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var mu sync.Mutex
		var complete, partial, failed int

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Batch.MaxConcurrentDocuments)

		for _, doc := range docs {
			doc := doc
			g.Go(func() error {
				result, err := env.Supervisor.Run(gctx, doc)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil, result == nil, result.Status == model.RunStatusFailed:
					failed++
					zap.L().Error("document failed",
						zap.String("document_id", doc.ID), zap.Error(err))
				case result.Status == model.RunStatusPartial:
					partial++
				default:
					complete++
				}
				// One bad document never aborts the batch.
				return nil
			})
		}
		_ = g.Wait()

		zap.L().Info("batch complete",
			zap.Int("total", len(docs)),
			zap.Int("complete", complete),
			zap.Int("partial", partial),
			zap.Int("failed", failed),
		)
		return nil
	},
}

func loadBatchDocuments() ([]*model.Document, error) {
	if batchJSONL != "" {
		return readJSONL(batchJSONL)
	}

	entries, err := filepath.Glob(filepath.Join(batchDir, "*.json"))
	if err != nil {
		return nil, eris.Wrapf(err, "glob %s", batchDir)
	}

	docs := make([]*model.Document, 0, len(entries))
	for _, path := range entries {
		doc, err := readDocument(path)
		if err != nil {
			zap.L().Warn("skipping unreadable document", zap.String("path", path), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func readJSONL(path string) ([]*model.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var docs []*model.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			zap.L().Warn("skipping malformed line",
				zap.String("path", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		docs = append(docs, &doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return docs, nil
}

func init() {
	batchCmd.Flags().StringVar(&batchDir, "dir", "", "directory of document JSON files")
	batchCmd.Flags().StringVar(&batchJSONL, "jsonl", "", "JSONL file with one document per line")
	rootCmd.AddCommand(batchCmd)
}
