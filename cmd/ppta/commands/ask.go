package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/session"
	"github.com/54b3r/ppta-go/internal/tracing"
)

// NewAskCmd constructs the `ppta ask` command, which answers a single
// question through the same coordinator the chat endpoint uses.
func NewAskCmd() *cobra.Command {
	var mode, engine, alarm, sessionID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the assistant a question about your engines",
		Long: `Answer one question using the ingested manuals as context.

Without --session the question is answered on its own. With --session the
previous turns of that session are loaded from the configured session store
and the new exchange is appended, so follow-up questions keep their context.

Examples:
  ppta ask "what is the normal lube oil pressure at full load?"
  ppta ask --mode troubleshooting --engine W18V50 --alarm 1043 "HT water temperature keeps rising"
  ppta ask --session unit3 "and what should the filter differential be?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			settings, err := resolveSettings(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			flush := tracing.Enable(log)
			defer flush()

			st, err := buildStack(ctx, settings, nil, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close(log)

			question := strings.Join(args, " ")
			var diag *session.DiagnosticContext
			if engine != "" || alarm != "" {
				diag = &session.DiagnosticContext{Engine: engine, AlarmType: alarm}
			}
			opt := session.WithMode(session.ParseMode(mode))

			var reply session.Turn
			if sessionID != "" {
				conv, err := st.conversation()
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				if conv == nil {
					return fmt.Errorf("ask: --session requires a session store (SESSION_STORE=sqlite or redis)")
				}
				reply, err = conv.Continue(ctx, sessionID, question, diag, opt)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
			} else {
				reply, err = st.coordinator.HandleTurn(ctx, nil, question, diag, opt)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, reply.Content)
			if len(reply.References) > 0 {
				fmt.Fprintf(out, "\nSources: %s\n", strings.Join(reply.References, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Answer style: general, troubleshooting, training, rca, fmea, fishbone, historical")
	cmd.Flags().StringVar(&engine, "engine", "", "Engine model, e.g. W18V50")
	cmd.Flags().StringVar(&alarm, "alarm", "", "Active alarm code or name")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue a stored conversation")

	return cmd
}
