package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/generic"
)

// CompetenceResult is one resolved payment date.
type CompetenceResult struct {
	Date            string `json:"date"`
	CompetenceMonth string `json:"competence_month"`
	CutoffDay       int    `json:"cutoff_day"`
}

// NewCompetenceCommand creates the competence command.
func NewCompetenceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "competence <date> [date...]",
		Short: "Resolve the competence month of payment dates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			results := make([]CompetenceResult, 0, len(args))
			for _, arg := range args {
				date, err := generic.ParseDate(arg)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid date", err)
				}
				results = append(results, CompetenceResult{
					Date:            date.String(),
					CompetenceMonth: cfg.Calendar.Resolve(date).String(),
					CutoffDay:       cfg.Calendar.CutoffDay(date.Month()),
				})
			}

			return f.Success(results, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "DATE\tCUTOFF\tCOMPETENCE")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%d\t%s\n", r.Date, r.CutoffDay, r.CompetenceMonth)
				}
			})
		},
	}
}
