package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
)

// PreviewOptions holds flags of the preview command.
type PreviewOptions struct {
	Credit    string
	HasAngel  bool
	RulesPath string
	Overlap   string
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PreviewOptions{}

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Compute a commission breakdown",
		Long: `Compute the commission breakdown of a credit value without registering a sale.

Without --rules the configured default table applies. --rules reads a JSON
array of rate rules:

  [{"start_installment": 1, "end_installment": 10,
    "consultant_rate": "1", "manager_rate": "0.3", "angel_rate": "0"}]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Credit, "credit", "", "credit value (required)")
	cmd.Flags().BoolVar(&opts.HasAngel, "angel", false, "sale has an angel")
	cmd.Flags().StringVar(&opts.RulesPath, "rules", "", "JSON file with custom rate rules")
	cmd.Flags().StringVar(&opts.Overlap, "overlap", string(commission.OverlapSum), "overlap mode for custom rules (sum|first_match)")
	_ = cmd.MarkFlagRequired("credit")

	return cmd
}

func runPreview(rootOpts *RootOptions, opts *PreviewOptions, cmd *cobra.Command) error {
	f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}
	credit, err := generic.ParseMoney(opts.Credit)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --credit", err)
	}

	schedule := commission.DefaultSchedule()
	if opts.RulesPath != "" {
		rules, err := readRules(opts.RulesPath)
		if err != nil {
			return err
		}
		mode := commission.OverlapMode(opts.Overlap)
		if mode != commission.OverlapSum && mode != commission.OverlapFirstMatch {
			return WrapExitError(ExitCommandError, "invalid --overlap", fmt.Errorf("%q", opts.Overlap))
		}
		schedule = commission.Schedule{Custom: rules, Overlap: mode}
		f.VerboseLog("Loaded %d custom rule(s) from %s", len(rules), opts.RulesPath)
	}

	b := cfg.Calculator.Calculate(credit, opts.HasAngel, schedule)
	return f.Success(b, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "RANGE\tN\tCONSULTANT\tMANAGER\tANGEL")
		for _, row := range b.Rows {
			n := row.InstallmentCount()
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", row.Range, n,
				row.Consultant.Subtotal(n).Display(),
				row.Manager.Subtotal(n).Display(),
				row.Angel.Subtotal(n).Display())
		}
		fmt.Fprintf(w, "TOTAL\t\t%s\t%s\t%s\n",
			b.Totals.Consultant.Display(), b.Totals.Manager.Display(), b.Totals.Angel.Display())
		fmt.Fprintf(w, "GRAND TOTAL\t\t%s\t\t\n", b.GrandTotal.Display())
		if !b.Validated {
			fmt.Fprintln(w, "(credit value must be positive)")
		}
	})
}

func readRules(path string) ([]commission.RateRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read rules", err)
	}
	var rules []commission.RateRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to parse rules", err)
	}
	return rules, nil
}
