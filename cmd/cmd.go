// Package cmd implements the pathllm command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaiHe-better/PathLLM/envconfig"
	"github.com/KaiHe-better/PathLLM/logutil"
	"github.com/KaiHe-better/PathLLM/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "pathllm",
		Short:   "Whole-slide embedding fusion",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		encodeCmd(),
		inspectCmd(),
	)

	return rootCmd
}
