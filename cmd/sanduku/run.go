package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/registry"
)

var (
	runConfigPath string
	runTenant     string
	runDomain     string
	runBudgetMs   int
	runDeclared   []string
)

var runCmd = &cobra.Command{
	Use:   "run [script.js]",
	Short: "Validate and execute one script, print the result as JSON",
	Long: `Runs a single script through the full pipeline (validation, sandbox
execution, result collection) without starting the HTTP server. Reads
the script from the given file, or from stdin when no file is given.
The process exits non-zero unless the execution status is "success".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Print the capability catalog as JSON",
	RunE:  runCapabilities,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, capabilitiesCmd} {
		cmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
	runCmd.Flags().StringVar(&runTenant, "tenant", "local", "tenant ID for the execution")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "task domain hint")
	runCmd.Flags().IntVar(&runBudgetMs, "budget-ms", 0, "time budget in milliseconds (0 = platform default)")
	runCmd.Flags().StringSliceVar(&runDeclared, "capability", nil, "declared capability (repeatable)")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn, // Keep stdout clean for the result JSON.
	}))

	source, err := readSource(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(goutils.Env("SANDUKU_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Cleanup()

	components.Engine.Start()
	defer components.Engine.Stop()

	result := components.Engine.Execute(context.Background(), protocol.ExecutionRequest{
		SourceCode:           source,
		TenantID:             runTenant,
		Domain:               runDomain,
		DeclaredCapabilities: runDeclared,
		TimeBudgetMs:         runBudgetMs,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if result.Status != protocol.StatusSuccess {
		return fmt.Errorf("execution finished with status %q", result.Status)
	}
	return nil
}

func runCapabilities(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(goutils.Env("SANDUKU_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	reg, err := registry.Build(cfg.Registry.CatalogPath)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reg.List())
}

func readSource(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading script: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading script from stdin: %w", err)
	}
	return string(data), nil
}
