package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	middleware "github.com/markdave123-py/contexta-pipeline/internal/api/middlewares"
	"github.com/markdave123-py/contexta-pipeline/internal/config"
	"github.com/markdave123-py/contexta-pipeline/internal/services"
)

var (
	searchOwner     string
	searchLimit     int
	searchThreshold float64
	searchChunks    bool

	tokenTTL time.Duration
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search an owner's indexed sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchOwner == "" {
			return errors.New("--owner is required")
		}
		if _, err := application.Search.Rebuild(cmd.Context()); err != nil {
			return fmt.Errorf("load index: %w", err)
		}

		req := services.SearchRequest{Query: args[0], Limit: searchLimit, IncludeChunks: &searchChunks}
		if cmd.Flags().Changed("threshold") {
			req.Threshold = &searchThreshold
		}
		results, err := application.Search.Search(cmd.Context(), searchOwner, req)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		return output(cmd, results, func() {
			if len(results) == 0 {
				cmd.Println("No results found.")
				return
			}
			for i, r := range results {
				cmd.Printf("  [%d] %s (%.3f) %s\n", i+1, r.DocumentTitle, r.Similarity, r.Kind)
				if r.Text != "" {
					cmd.Printf("      p.%d #%d %s\n", r.PageNumber, r.ChunkIndex, snippet(r.Text, 120))
				}
			}
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Load every completed source into the search index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := application.Search.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("indexed %d sources\n", n)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:         "token <owner-id>",
	Short:       "Issue an API token for an owner",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipApp: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		token, err := middleware.IssueToken([]byte(cfg.JWTSecret), args[0], tokenTTL)
		if err != nil {
			return err
		}
		cmd.Println(token)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchOwner, "owner", "", "owner whose sources are searched")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "maximum number of results")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0.7, "minimum cosine similarity")
	searchCmd.Flags().BoolVar(&searchChunks, "chunks", true, "include chunk-level matches")

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(searchCmd, reindexCmd, tokenCmd)
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
