package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/application"
	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/infrastructure/config"
	"github.com/shesha-run/shesha/internal/infrastructure/logger"
	"github.com/shesha-run/shesha/internal/interfaces/cli"
)

// progressPrinter writes one terse line per trace step as the engine
// produces it, so a long-running query isn't silent on a terminal.
func progressPrinter(stepType entity.TraceStepType, iteration int, content string, _ entity.TokenUsage) {
	fmt.Fprintf(os.Stderr, "  [%d] %s\n", iteration, stepType)
}

const (
	cliName    = "shesha"
	cliVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Shesha — recursive language model runtime",
		Long:  "Shesha CLI — drives the RLM engine against a project's document corpus from a terminal.",
	}

	queryCmd := &cobra.Command{
		Use:   "query <project> <question...>",
		Short: "Run one query against a project's document corpus",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runQuery,
	}
	queryCmd.Flags().StringSlice("paper", nil, "restrict to these document names (repeatable); default is the full corpus")
	queryCmd.Flags().String("model", "", "override the configured default model")
	queryCmd.Flags().Bool("trace", false, "print the full step trace after the answer")
	rootCmd.AddCommand(queryCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest <project> <name> <file>",
		Short: "Store a document's content under a project",
		Args:  cobra.ExactArgs(3),
		RunE:  runIngest,
	}
	rootCmd.AddCommand(ingestCmd)

	listCmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's document names",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(newServeCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newShesha(level string) (*application.Shesha, *zap.Logger, error) {
	log, err := logger.NewLogger(logger.Config{
		Level:      level,
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	s, err := application.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("shesha init: %w", err)
	}
	return s, log, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, log, err := newShesha("warn")
	if err != nil {
		return err
	}
	defer s.Close()
	defer log.Sync()

	projectID, question := args[0], strings.Join(args[1:], " ")
	papers, _ := cmd.Flags().GetStringSlice("paper")
	showTrace, _ := cmd.Flags().GetBool("trace")
	model, _ := cmd.Flags().GetString("model")

	project := s.ProjectWithModel(projectID, model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	cancelCh := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			close(cancelCh)
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	result, err := project.Query(ctx, question, progressPrinter, cancelCh, papers)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	fmt.Println()
	fmt.Println(cli.RenderAnswer(result.Answer))
	fmt.Println()
	fmt.Printf("tokens: %d prompt / %d completion  elapsed: %s\n",
		result.TokenUsage.PromptTokens, result.TokenUsage.CompletionTokens, time.Since(started).Round(time.Millisecond))

	if showTrace {
		fmt.Println()
		for _, step := range result.Trace.Steps {
			fmt.Printf("[%d] %-22s %s\n", step.Iteration, step.Type, truncate(step.Content, 200))
		}
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	s, log, err := newShesha("warn")
	if err != nil {
		return err
	}
	defer s.Close()
	defer log.Sync()

	projectID, name, path := args[0], args[1], args[2]
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	project := s.Project(projectID)
	if err := project.Ingest(context.Background(), name, string(content)); err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	fmt.Printf("stored %q (%d bytes) in project %q\n", name, len(content), projectID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, log, err := newShesha("warn")
	if err != nil {
		return err
	}
	defer s.Close()
	defer log.Sync()

	project := s.Project(args[0])
	names, err := project.ListDocuments(context.Background())
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
