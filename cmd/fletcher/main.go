package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/pipeline"
)

var version = "dev"

var (
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string

	cfg *config.Run
)

func main() {
	root := &cobra.Command{
		Use:     "fletcher",
		Short:   "Adapter fine-tuning for quantized decoder checkpoints",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Registry tokens and friends come from the environment;
			// a local .env is a convenience, not a requirement.
			_ = godotenv.Load()

			var err error
			cfg, err = loadConfig()
			if err != nil {
				return err
			}

			if cfg.Training.LoggingDir != "" {
				if err := logger.SetupWithDir(logLevel, logFormat, cfg.Training.LoggingDir); err != nil {
					return err
				}
			} else {
				logger.Setup(logLevel, logFormat)
			}

			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(metricsAddr); err != nil {
						logger.Log.Error("metrics server stopped", "error", err.Error())
					}
				}()
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "run configuration file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(runCmd(), prepareCmd(), trainCmd(), mergeCmd(), generateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Run, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat("fletcher.yaml"); err == nil {
		return config.Load("fletcher.yaml")
	}
	def := config.Default()
	return &def, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: prepare, train, merge, sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := pipeline.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("steps:      %d\n", sum.Steps)
			fmt.Printf("train loss: %.4f\n", sum.TrainLoss)
			fmt.Printf("eval loss:  %.4f\n", sum.EvalLoss)
			fmt.Printf("test loss:  %.4f\n", sum.TestLoss)
			fmt.Printf("adapter:    %s\n", sum.AdapterPath)
			fmt.Printf("merged:     %s\n", sum.MergedPath)
			fmt.Printf("query:      %s\n", sum.Query)
			fmt.Printf("completion: %s\n", sum.Completion)
			return nil
		},
	}
}

func prepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Project the source dataset and write the intermediate file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Dataset.Validate(); err != nil {
				return err
			}
			split, err := pipeline.Prepare(cfg)
			if err != nil {
				return err
			}
			defer split.Release()
			fmt.Printf("train: %d  validation: %d  test: %d\n",
				split.Train.NumRows(), split.Validation.NumRows(), split.Test.NumRows())
			return nil
		},
	}
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the adapter and save it, without merging",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := pipeline.Train(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("steps: %d  train loss: %.4f  test loss: %.4f\n", out.Steps, out.TrainLoss, out.TestLoss)
			fmt.Printf("adapter: %s\n", out.AdapterPath)
			return nil
		},
	}
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Fold a saved adapter into float base weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pipeline.Merge(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("merged: %s\n", path)
			return nil
		},
	}
}

func generateCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Decode one query with the merged checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := pipeline.Sample(cmd.Context(), cfg, query)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "user query to decode")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
