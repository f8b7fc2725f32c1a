// Sanduku — sandboxed execution engine for untrusted generated scripts.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — sandboxed execution engine for LLM-generated scripts.",
	Long: `Sanduku validates and executes untrusted generated scripts inside
resource-limited sandboxes. Scripts reach platform data only through a
closed capability registry; credentials never enter the sandbox.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, capabilitiesCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
