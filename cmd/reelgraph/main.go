// Command reelgraph drives the film-review GraphRAG pipeline: index
// bootstrap, the ingestion stages, queries, and an HTTP serve mode.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jhyunlee/reelgraph"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "reelgraph",
		Short:         "GraphRAG pipeline for film-review transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			})))
			// Secrets come from the environment; a .env next to the
			// binary is a convenience for local runs.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		bootstrapCmd(),
		chunkCmd(),
		extractCmd(),
		resolveCmd(),
		ingestCmd(),
		summarizeCmd(),
		publishCmd(),
		pipelineCmd(),
		queryCmd(),
		serveCmd(),
		statsCmd(),
		validateCmd(),
		clearCmd(),
		promptCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file over the defaults and applies the
// environment overrides for secrets.
func loadConfig() (reelgraph.Config, error) {
	cfg, err := reelgraph.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *reelgraph.Config) {
	if v := os.Getenv("REELGRAPH_NEPTUNE_ENDPOINT"); v != "" {
		cfg.Graph.Endpoint = v
	}
	if v := os.Getenv("REELGRAPH_OPENSEARCH_USERNAME"); v != "" {
		cfg.Search.Username = v
	}
	if v := os.Getenv("REELGRAPH_OPENSEARCH_PASSWORD"); v != "" {
		cfg.Search.Password = v
	}
	if v := os.Getenv("REELGRAPH_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("REELGRAPH_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("REELGRAPH_WEB_SEARCH_API_KEY"); v != "" {
		cfg.WebSearch.APIKey = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && cfg.Graph.AccessKeyID == "" {
		cfg.Graph.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && cfg.Graph.SecretAccessKey == "" {
		cfg.Graph.SecretAccessKey = v
	}
}

// withPipeline builds the pipeline, runs fn, and closes it. A SIGINT
// cancels the stage context so long runs exit between work items.
func withPipeline(fn func(ctx context.Context, p *reelgraph.Pipeline) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := reelgraph.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

// printJSON writes stage results to stdout for scripting.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func bootstrapCmd() *cobra.Command {
	var recreate bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the search indices and import catalog entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.Bootstrap(ctx, recreate)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
	cmd.Flags().BoolVar(&recreate, "recreate", false, "delete and recreate the indices first")
	return cmd
}

func chunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk",
		Short: "Split review transcripts into chunk artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.RunChunking(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract entities and relationships from chunk artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.RunExtraction(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve extracted names to their canonical forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.RunResolution(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Load resolved chunk artifacts into the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.RunGraphLoad(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func summarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize",
		Short: "Summarize graph nodes and edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.RunSummarization(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish summarized entities and chunks to the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				entities, chunks, err := p.RunPublish(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"entities": entities, "chunks": chunks})
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline",
		Short: "Run every ingestion stage in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				out := map[string]any{}
				var err error
				if out["chunking"], err = p.RunChunking(ctx); err != nil {
					return fmt.Errorf("chunking: %w", err)
				}
				if out["extraction"], err = p.RunExtraction(ctx); err != nil {
					return fmt.Errorf("extraction: %w", err)
				}
				if out["resolution"], err = p.RunResolution(ctx); err != nil {
					return fmt.Errorf("resolution: %w", err)
				}
				if out["ingestion"], err = p.RunGraphLoad(ctx); err != nil {
					return fmt.Errorf("graph load: %w", err)
				}
				if out["summarization"], err = p.RunSummarization(ctx); err != nil {
					return fmt.Errorf("summarization: %w", err)
				}
				entities, chunks, err := p.RunPublish(ctx)
				if err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				out["publish"] = map[string]any{"entities": entities, "chunks": chunks}
				return printJSON(out)
			})
		},
	}
}

func queryCmd() *cobra.Command {
	var mode string
	var dataOnly bool
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question over the graph and index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				if mode == "graph" {
					answer, err := p.GraphQuery(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(answer)
				}
				result, err := p.Query(ctx, args[0], dataOnly)
				if err != nil {
					return err
				}
				if dataOnly {
					return printJSON(result)
				}
				fmt.Println(result.Answer)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "chunk", "retrieval mode: chunk or graph")
	cmd.Flags().BoolVar(&dataOnly, "data-only", false, "return structured results without the final answer")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph and index contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				stats, err := p.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check graph/index consistency after an ingest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				report, err := p.Validate(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d checks failed", report.Failed)
				}
				return nil
			})
		},
	}
}

func clearCmd() *cobra.Command {
	var yes, graphOnly, indexOnly bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Wipe the graph and/or delete the search indices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			clearGraph, clearIndex := !indexOnly, !graphOnly
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				return p.Clear(ctx, clearGraph, clearIndex)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	cmd.Flags().BoolVar(&graphOnly, "graph-only", false, "only clear the graph")
	cmd.Flags().BoolVar(&indexOnly, "index-only", false, "only delete the indices")
	return cmd
}

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage agent prompts on entity nodes",
	}
	var label string

	set := &cobra.Command{
		Use:   "set <name> <prompt>",
		Short: "Store an agent instruction on an entity node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				return p.SetEntityPrompt(ctx, label, args[0], args[1])
			})
		},
	}
	unset := &cobra.Command{
		Use:   "unset <name>",
		Short: "Remove the agent instruction from an entity node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(func(ctx context.Context, p *reelgraph.Pipeline) error {
				return p.SetEntityPrompt(ctx, label, args[0], "")
			})
		},
	}
	for _, c := range []*cobra.Command{set, unset} {
		c.Flags().StringVar(&label, "label", "ACTOR", "entity label")
		cmd.AddCommand(c)
	}
	return cmd
}
