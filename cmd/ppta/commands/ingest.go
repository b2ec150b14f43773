package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/logging"
)

// errIngestFailed is returned when at least one file did not complete.
var errIngestFailed = errors.New("ingest: one or more documents failed")

// NewIngestCmd constructs the `ppta ingest` command, which runs documents
// through the ingestion pipeline into the vector store.
func NewIngestCmd() *cobra.Command {
	var watchDir string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest manuals and maintenance documents into the vector store",
		Long: `Extract, chunk, embed and store documents so chat answers and troubleshooting
procedures can cite them.

Each file is validated against UPLOAD_ALLOWED_TYPES and UPLOAD_MAX_BYTES and
processed to completion; the command exits non-zero when any file is rejected
or fails. Document status is recorded in the same database the server uses, so
ingested documents show up under GET /api/documents.

With --watch the command keeps running and ingests every allowed file created
in DIR until interrupted.

Examples:
  ppta ingest manuals/W32-operation-manual.pdf
  ppta ingest notes/*.md service-bulletins/*.docx
  ppta ingest --watch /srv/ppta/drop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && watchDir == "" {
				return fmt.Errorf("ingest: pass at least one file or --watch DIR")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			settings, err := resolveSettings(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			st, err := buildStack(ctx, settings, nil, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer st.Close(log)

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					log.Error("ingest: cannot read file", slog.String("path", path), logging.Err(err))
					failed++
					continue
				}
				doc, err := st.pipeline.Process(ctx, ingestion.File{Name: filepath.Base(path), Data: data})
				if err != nil {
					log.Error("ingest: document rejected", slog.String("path", path), logging.Err(err))
					failed++
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%d chunks\t%s\n", doc.ID, doc.Status, doc.ChunkCount, path)
				if doc.Status != ingestion.StatusCompleted {
					log.Error("ingest: document failed",
						slog.String("path", path),
						slog.String("document_id", doc.ID),
						slog.String("reason", doc.Error),
					)
					failed++
				}
			}

			if watchDir != "" {
				w := ingestion.NewWatcher(watchDir, st.pipeline, st.pipeline.Policy(), 0)
				err := w.Run(ctx)
				st.drain(ctx)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%w (%d of %d)", errIngestFailed, failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Watch DIR and ingest files dropped into it until interrupted")

	return cmd
}
