package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bdougie/visionsearch/internal/backend"
	"github.com/bdougie/visionsearch/internal/config"
	"github.com/bdougie/visionsearch/internal/media"
	"github.com/bdougie/visionsearch/internal/models"
	"github.com/bdougie/visionsearch/internal/storage"
	"github.com/bdougie/visionsearch/internal/workflow"
)

const usage = `Usage: visionsearch --file path/to/image.jpg [--kind image|video] [--query label]
                    [--server URL] [--config config.json] [--history dir] [--postgres URL]
                    [--strict] [--clear] [--catalog] [--debug]

Without --query, labels are read from stdin. Commands:
  ?prefix   list matching labels
  :clear    reset and exit
  :quit     exit`

type cliArgs struct {
	file       string
	kind       string
	query      string
	configPath string
	server     string
	history    string
	postgres   string
	strict     bool
	clear      bool
	catalog    bool
	debug      bool
}

func parseArgs(args []string) (cliArgs, error) {
	var a cliArgs
	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s needs a value", args[i])
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		var dst *string
		switch args[i] {
		case "--file":
			dst = &a.file
		case "--kind":
			dst = &a.kind
		case "--query":
			dst = &a.query
		case "--config":
			dst = &a.configPath
		case "--server":
			dst = &a.server
		case "--history":
			dst = &a.history
		case "--postgres":
			dst = &a.postgres
		case "--strict":
			a.strict = true
		case "--clear":
			a.clear = true
		case "--catalog":
			a.catalog = true
		case "--debug":
			a.debug = true
		default:
			return a, fmt.Errorf("unknown argument %q", args[i])
		}
		if dst != nil {
			v, err := value(i)
			if err != nil {
				return a, err
			}
			*dst = v
			i++
		}
	}

	if a.file == "" {
		return a, errors.New("--file is required")
	}
	return a, nil
}

// apply lets command line flags override the loaded configuration
func (a cliArgs) apply(cfg *config.Config) {
	if a.server != "" {
		cfg.ServerURL = a.server
	}
	if a.history != "" {
		cfg.HistoryDir = a.history
	}
	if a.postgres != "" {
		cfg.PostgresURL = a.postgres
	}
	if a.strict {
		cfg.StrictRender = true
	}
	if a.clear {
		cfg.ClearRemote = true
	}
	if a.catalog {
		cfg.UseCatalog = true
	}
	if a.debug {
		cfg.LogLevel = "debug"
	}
}

func main() {
	ctx := context.Background()

	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s\n", err, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(args.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	args.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := cfg.Level()

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)

	history, closeHistory, err := openHistory(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open history", "error", err)
		os.Exit(1)
	}
	defer closeHistory()

	client := backend.New(cfg.ServerURL,
		backend.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.HTTPTimeout)}),
		backend.WithLogger(logger),
	)
	wf := workflow.New(client, workflow.Options{
		Logger:       logger,
		History:      history,
		StalePolicy:  cfg.StalePolicy,
		StrictRender: cfg.StrictRender,
		ClearRemote:  cfg.ClearRemote,
		UseCatalog:   cfg.UseCatalog,
	})

	finder, _ := history.(similarFinder)
	if err := run(ctx, wf, finder, args, os.Stdin, os.Stdout); err != nil {
		logger.Error("visionsearch failed", "error", err)
		closeHistory()
		os.Exit(1)
	}
}

// openHistory picks Postgres when a connection string is configured and the
// JSON journal otherwise.
func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Recorder, func(), error) {
	if cfg.PostgresURL == "" {
		journal := storage.NewJournalStore(cfg.HistoryDir)
		logger.Debug("Recording history", "path", journal.Path())
		return journal, func() {
			if err := journal.Flush(); err != nil {
				logger.Error("Failed to flush history", "error", err)
			}
		}, nil
	}

	if err := storage.InitSchema(ctx, cfg.PostgresURL); err != nil {
		return nil, nil, err
	}
	store, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Recording history in Postgres")
	return store, store.Close, nil
}

// similarFinder looks up earlier detections with boxes close to a new one
type similarFinder interface {
	NearestDetections(ctx context.Context, box models.BoundingBox, limit int) ([]storage.DetectionMatch, error)
}

func run(ctx context.Context, wf *workflow.Workflow, finder similarFinder, args cliArgs, in io.Reader, out io.Writer) error {
	file, err := media.OpenFile(args.file)
	if err != nil {
		return err
	}

	var kind models.ArtifactKind
	if args.kind != "" {
		kind, err = models.ParseArtifactKind(args.kind)
	} else {
		kind, err = media.KindOf(file)
	}
	if err != nil {
		return err
	}
	if err := wf.SelectType(kind); err != nil {
		return err
	}
	if _, err := wf.SelectFile(file); err != nil {
		return err
	}

	if err := upload(ctx, wf); err != nil {
		return err
	}

	snap := wf.Snapshot()
	fmt.Fprintf(out, "%s: %d indexes, labels: %s\n", snap.Step, len(snap.Refs), strings.Join(snap.Labels, ", "))

	if args.query != "" {
		return query(ctx, wf, finder, args.query, out)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "label> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == ":quit":
			return nil
		case line == ":clear":
			return wf.Clear(ctx)
		case strings.HasPrefix(line, "?"):
			labels, err := wf.Suggest(ctx, strings.TrimPrefix(line, "?"))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, strings.Join(labels, ", "))
		default:
			if err := query(ctx, wf, finder, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// upload starts the upload and draws a progress bar on stderr
func upload(ctx context.Context, wf *workflow.Workflow) error {
	progress := make(chan int, 128)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pct := range progress {
			bar := strings.Repeat("#", pct/5) + strings.Repeat(".", 20-pct/5)
			fmt.Fprintf(os.Stderr, "\rUploading [%s] %3d%%", bar, pct)
		}
		fmt.Fprintln(os.Stderr)
	}()

	err := wf.StartUpload(ctx, progress)
	close(progress)
	<-done
	return err
}

func query(ctx context.Context, wf *workflow.Workflow, finder similarFinder, label string, out io.Writer) error {
	if labels := wf.Snapshot().Labels; !labels.Contains(strings.TrimSpace(label)) {
		fmt.Fprintf(out, "%q is not a label of this upload, searching anyway\n", label)
	}
	if err := wf.QueryAnnotation(ctx, label); err != nil {
		return err
	}

	snap := wf.Snapshot()
	fmt.Fprintf(out, "%s: %d detections for %q\n", snap.Step, models.CountDetections(snap.Results), snap.Query)
	for _, a := range snap.Artifacts {
		if a.InferenceTimeMs != nil {
			fmt.Fprintf(out, "  %-20s %s (%.0f ms)\n", a.ModelName, a.URL, *a.InferenceTimeMs)
		} else {
			fmt.Fprintf(out, "  %-20s %s\n", a.ModelName, a.URL)
		}
	}
	for _, f := range snap.Failures {
		fmt.Fprintf(out, "  %-20s failed: %v\n", f.ModelName, f.Err)
	}

	detections := models.FlattenDetections(snap.Results)
	if finder == nil || len(detections) == 0 {
		return nil
	}
	matches, err := finder.NearestDetections(ctx, detections[0].Box, 3)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Fprintf(out, "  similar: %s %s in %s (query %q, distance %.1f)\n", m.Label, m.Box, m.IndexRef, m.Query, m.Distance)
	}
	return nil
}
