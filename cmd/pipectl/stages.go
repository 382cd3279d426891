package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-pipeline/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

var (
	processForce bool

	embedForce      bool
	embedBatchSize  int
	embedMaxBatches int

	retryRun bool
)

var processCmd = &cobra.Command{
	Use:   "process <source-id>",
	Short: "Extract and chunk a registered source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := application.Ingestor.ProcessSource(cmd.Context(), args[0],
			ingestion_engine.ProcessOptions{ForceReprocess: processForce})
		if err != nil {
			return err
		}
		return output(cmd, res, func() {
			cmd.Printf("%s: %d pages, %d chunks, %d tokens\n", res.SourceID, res.PagesProcessed, res.ChunksCreated, res.TotalTokens)
		})
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed <source-id>",
	Short: "Generate embeddings for chunks that lack one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := application.Ingestor.GenerateEmbeddings(cmd.Context(), args[0], ingestion_engine.EmbedOptions{
			BatchSize:      embedBatchSize,
			MaxBatches:     embedMaxBatches,
			ForceReprocess: embedForce,
		})
		if err != nil {
			return err
		}
		return output(cmd, res, func() {
			cmd.Printf("%s: %d embedded in %d batches, %d remaining (model %s, %d tokens, ~$%.6f)\n",
				res.SourceID, res.EmbeddingsGenerated, res.Batches, res.Remaining, res.Model, res.TotalTokens, res.CostEstimate)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <source-id>",
	Short: "Show job states and overall progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := application.Ingestor.Status(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		return output(cmd, st, func() {
			cmd.Printf("%s  %s  %.1f%%  chunks %d/%d embedded\n",
				st.SourceID, st.OverallStatus, st.OverallProgress, st.EmbeddedCount, st.ChunkCount)
			for _, j := range st.Jobs {
				line := fmt.Sprintf("  %-16s %-10s %3d%%", j.JobType, j.Status, j.Progress)
				if j.ErrorMessage != nil {
					line += "  " + *j.ErrorMessage
				}
				cmd.Println(line)
			}
			if st.EstimatedCompletion != nil {
				cmd.Printf("  eta %s\n", st.EstimatedCompletion.Format("15:04:05"))
			}
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <source-id>",
	Short: "Reset failed stages to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := application.Ingestor.Retry(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		if err := output(cmd, res, func() {
			cmd.Printf("%s: reset %v, resume at %s\n", res.SourceID, res.Reset, res.ResumeAt)
		}); err != nil {
			return err
		}
		if !retryRun {
			return nil
		}

		if res.ResumeAt != models.JobEmbedding {
			if _, err := application.Ingestor.ProcessSource(cmd.Context(), args[0], ingestion_engine.ProcessOptions{}); err != nil {
				return err
			}
		}
		emb, err := application.Ingestor.GenerateEmbeddings(cmd.Context(), args[0], ingestion_engine.EmbedOptions{})
		if err != nil {
			return err
		}
		cmd.Printf("%s: %d embedded, complete=%t\n", emb.SourceID, emb.EmbeddingsGenerated, emb.AllComplete)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <source-id>",
	Short: "Cancel pending and running stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := application.Ingestor.Cancel(cmd.Context(), args[0], ""); err != nil {
			return err
		}
		cmd.Printf("%s: cancelled\n", args[0])
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processForce, "force", false, "reprocess a completed source from scratch")

	embedCmd.Flags().BoolVar(&embedForce, "force", false, "discard existing vectors and embed everything")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 0, "chunks per provider request (0 uses EMBED_BATCH_SIZE)")
	embedCmd.Flags().IntVar(&embedMaxBatches, "max-batches", 0, "stop after this many batches (0 means all)")

	retryCmd.Flags().BoolVar(&retryRun, "run", false, "run the reset stages in the foreground")

	rootCmd.AddCommand(processCmd, embedCmd, statusCmd, retryCmd, cancelCmd)
}

func output(cmd *cobra.Command, v any, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
