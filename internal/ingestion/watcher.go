package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/ppta-go/internal/logging"
)

// Submitter accepts a file for ingestion. *Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, f File) (Document, error)
}

// DefaultSettle is how long a new file must stay unmodified before it is read.
const DefaultSettle = 500 * time.Millisecond

// Watcher submits files created in a drop directory. Files whose extension
// is not allowed by the policy are ignored. Each created path is submitted
// once, after writes to it have settled.
type Watcher struct {
	dir    string
	sub    Submitter
	policy Policy
	settle time.Duration
}

// NewWatcher returns a Watcher for dir. settle <= 0 uses DefaultSettle.
func NewWatcher(dir string, sub Submitter, policy Policy, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{dir: dir, sub: sub, policy: policy, settle: settle}
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With(slog.String("dir", w.dir))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingestion: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("ingestion: watch %s: %w", w.dir, err)
	}
	log.Info("ingestion: watching drop directory")

	pending := make(map[string]*time.Timer)
	ready := make(chan string)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.policy.ExtensionAllowed(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				path := event.Name
				if t, ok := pending[path]; ok {
					t.Reset(w.settle)
					continue
				}
				pending[path] = time.AfterFunc(w.settle, func() {
					select {
					case ready <- path:
					case <-ctx.Done():
					}
				})
			case event.Has(fsnotify.Write):
				if t, ok := pending[event.Name]; ok {
					t.Reset(w.settle)
				}
			}

		case path := <-ready:
			delete(pending, path)
			w.submit(ctx, log, path)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("ingestion: watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) submit(ctx context.Context, log *slog.Logger, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("ingestion: cannot read dropped file", slog.String("path", path), logging.Err(err))
		return
	}
	doc, err := w.sub.Submit(ctx, File{Name: filepath.Base(path), Data: data})
	if err != nil {
		log.Warn("ingestion: dropped file rejected", slog.String("path", path), logging.Err(err))
		return
	}
	log.Info("ingestion: dropped file submitted",
		slog.String("path", path),
		slog.String("document_id", doc.ID),
	)
}
