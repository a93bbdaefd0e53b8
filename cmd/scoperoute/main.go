package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"scoperoute/internal/config"
	"scoperoute/internal/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	verbose    bool
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scoperoute",
	Short: "Route questions to taxonomy scopes before retrieval",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := zap.NewProductionConfig()
		if verbose {
			logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = logCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scoperoute.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline for collaborator calls")

	ingestCmd.Flags().Bool("replace", false, "Clear each scanned cube before storing its passages")

	rootCmd.AddCommand(scopesCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(identifyCmd)
}

func withTimeout() (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "List the taxonomy scopes, their cubes and keywords",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		table, err := cfg.LoadTaxonomy()
		if err != nil {
			return err
		}

		fmt.Printf("📚 %d scopes\n", table.Len())
		for _, s := range table.Scopes() {
			fmt.Printf("  • %s\n", s.ID)
			fmt.Printf("      cubes:    %s\n", strings.Join(s.Cubes, ", "))
			fmt.Printf("      keywords: %s\n", strings.Join(s.Keywords, ", "))
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [corpus-root]",
	Short: "Split, embed and store the documents of every cube under the corpus root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "corpus"
		if len(args) > 0 {
			root = args[0]
		}
		replace, _ := cmd.Flags().GetBool("replace")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := withTimeout()
		defer cancel()

		s, err := pipeline.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Printf("📂 Ingesting corpus: %s\n", root)
		res, err := s.Ingest(ctx, root, replace)
		if err != nil {
			return err
		}
		for _, dir := range res.Skipped {
			fmt.Printf("⚠️  Skipped %s: not a cube of the taxonomy\n", dir)
		}

		counts, err := s.Store.CountByCube(ctx)
		if err != nil {
			return err
		}
		for _, cube := range s.Table.Cubes() {
			scope, _ := s.Table.ScopeOf(cube)
			fmt.Printf("  • %-20s %-20s %d passages\n", scope, cube, counts[cube])
		}
		fmt.Printf("🎉 Stored %d passages from %d files. Database: %s\n", res.Stored, res.Files, cfg.Storage.Path)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [question]",
	Short: "Resolve a question to a scope, retrieving context or asking for clarification as needed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := withTimeout()
		defer cancel()

		s, err := pipeline.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		state, err := s.Resolver.Resolve(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var identifyCmd = &cobra.Command{
	Use:   "identify [question]",
	Short: "Classify a question against the taxonomy without retrieval or composition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		r, err := pipeline.OpenIdentifier(cfg, logger)
		if err != nil {
			return err
		}
		return printJSON(r.Identify(strings.Join(args, " ")))
	},
}
