/*
Package cli implements settlectl, the operator command line.

PURPOSE:
  Offline tools around the engine: preview a commission breakdown,
  resolve competence months, and inspect or repair the outbox.

COMMANDS:
  settlectl preview --credit 100000 [--angel] [--rules rules.json]
  settlectl competence 2025-03-19 [more dates...]
  settlectl outbox list --queue-db outbox.db
  settlectl outbox drop <local-id> --queue-db outbox.db
  settlectl outbox recover --queue-db outbox.db --remote-db sales.db

GLOBAL FLAGS:
  --config   JSON or YAML configuration (built-in defaults otherwise)
  --format   text | json
  --verbose  diagnostics on stderr

SEE ALSO:
  - cmd/settlectl/main.go: Entry point
  - factory/config.go: Configuration format
*/
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/factory"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for settlectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "settlectl",
		Short: "settlectl - commission settlement operator tool",
		Long:  "Preview commissions, resolve competence months and manage the outbox of the settlement engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "configuration file (JSON or YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewCompetenceCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))

	return cmd
}

// loadConfig returns the configured or built-in engine configuration.
func (o *RootOptions) loadConfig() (factory.Config, error) {
	if o.ConfigPath == "" {
		return factory.Default(), nil
	}
	cfg, err := factory.Load(o.ConfigPath)
	if err != nil {
		return factory.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
