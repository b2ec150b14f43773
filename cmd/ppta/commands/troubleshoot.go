package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/tracing"
	"github.com/54b3r/ppta-go/internal/troubleshoot"
)

// NewTroubleshootCmd constructs the `ppta troubleshoot` command, which prints
// a generated troubleshooting procedure for a fault.
func NewTroubleshootCmd() *cobra.Command {
	var req troubleshoot.Request

	cmd := &cobra.Command{
		Use:   "troubleshoot",
		Short: "Generate a step-by-step troubleshooting procedure for a fault",
		Long: `Generate an ordered troubleshooting procedure for an engine fault, grounded
in the ingested manuals. Steps are instructions, checks, decisions or
measurements with expected ranges.

Examples:
  ppta troubleshoot --engine W20V34SG --alarm "LO pressure low" --description "trips at 80% load"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := req.Validate(); err != nil {
				return err
			}

			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			settings, err := resolveSettings(log)
			if err != nil {
				return fmt.Errorf("troubleshoot: %w", err)
			}

			flush := tracing.Enable(log)
			defer flush()

			st, err := buildStack(ctx, settings, nil, log)
			if err != nil {
				return fmt.Errorf("troubleshoot: %w", err)
			}
			defer st.Close(log)

			steps, err := st.planner.Plan(ctx, req)
			if err != nil {
				return fmt.Errorf("troubleshoot: %w", err)
			}
			printSteps(cmd.OutOrStdout(), steps)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Engine, "engine", "", "Engine model (required)")
	cmd.Flags().StringVar(&req.Alarm, "alarm", "", "Active alarm code or name")
	cmd.Flags().StringVar(&req.Description, "description", "", "What the operator observes (required)")

	return cmd
}

// printSteps renders steps as a numbered plain-text procedure.
func printSteps(w io.Writer, steps []troubleshoot.Step) {
	for i, s := range steps {
		fmt.Fprintf(w, "%d. [%s] %s\n", i+1, s.Type, s.Title)
		if s.Description != "" {
			fmt.Fprintf(w, "   %s\n", s.Description)
		}
		if s.Content != "" {
			fmt.Fprintf(w, "   %s\n", s.Content)
		}
		for _, o := range s.Options {
			fmt.Fprintf(w, "   - %s", o.Text)
			if o.Next != "" {
				fmt.Fprintf(w, " (go to %s)", o.Next)
			}
			fmt.Fprintln(w)
		}
		for _, m := range s.Measurements {
			fmt.Fprintf(w, "   * %s: %s %s\n", m.Parameter, m.ExpectedRange, m.Unit)
		}
	}
}
