package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/reel/internal/config"
	"github.com/bamsammich/reel/internal/engine"
	"github.com/bamsammich/reel/internal/event"
	"github.com/bamsammich/reel/internal/index"
	"github.com/bamsammich/reel/internal/stats"
	"github.com/bamsammich/reel/internal/transport"
	"github.com/bamsammich/reel/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var o options

	rootCmd := &cobra.Command{
		Use:   "reel",
		Short: "Tape and file archiver with multi-volume and sparse file support",
		Args: func(cmd *cobra.Command, args []string) error {
			if o.showVersion {
				return nil
			}
			return cobra.NoArgs(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.showVersion {
				fmt.Fprintf(os.Stdout, "reel %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.Flags().BoolVar(&o.showVersion, "version", false, "print version and exit")
	o.register(rootCmd.PersistentFlags())

	for _, sc := range []struct {
		op    engine.Op
		use   string
		alias string
		short string
		args  cobra.PositionalArgs
	}{
		{engine.OpCreate, "create [flags] <file>...", "c", "Create a new archive", cobra.MinimumNArgs(1)},
		{engine.OpAppend, "append [flags] <file>...", "r", "Append files to the end of an archive", cobra.MinimumNArgs(1)},
		{engine.OpExtract, "extract [flags]", "x", "Extract files from an archive", cobra.NoArgs},
		{engine.OpList, "list [flags]", "t", "List the contents of an archive", cobra.NoArgs},
		{engine.OpDiff, "diff [flags]", "d", "Find differences between an archive and the file system", cobra.NoArgs},
	} {
		rootCmd.AddCommand(&cobra.Command{
			Use:           sc.use,
			Aliases:       []string{sc.alias},
			Short:         sc.short,
			Args:          sc.args,
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOp(cmd, sc.op, &o, args)
			},
		})
	}
	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func runOp(cmd *cobra.Command, op engine.Op, o *options, args []string) error {
	// Load optional config file.
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyConfigDefaults(cmd.Flags(), cfg, o)

	// Configure logging.
	logLevel := slog.LevelWarn
	if o.verbose {
		logLevel = slog.LevelDebug
	} else if !o.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if o.logFile != "" {
		lf, lfErr := os.Create(o.logFile)
		if lfErr != nil {
			return fmt.Errorf("open log file: %w", lfErr)
		}
		defer lf.Close()
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))

	vopts, err := o.volumeOptions()
	if err != nil {
		return err
	}
	vopts.Version = version
	sparseOpts, err := o.sparseOptions()
	if err != nil {
		return err
	}

	media := transport.NewMedia(transport.SSHOpts{
		KeyFile:    o.sshKeyFile,
		KnownHosts: o.knownHosts,
		Insecure:   o.insecure,
	}, o.forceLocal)
	defer media.Close()
	vopts.Open = media.Open

	var idx *index.Index
	if o.indexDB != "" || o.index {
		idx, err = index.Open(o.indexDB, vopts.Archives[0])
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		slog.Debug("member index", "path", idx.Path())
	}

	// Set up context with signal handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	// When --log is set, tee events through a logging goroutine that
	// writes structured records before forwarding to the presenter.
	presenterEvents := (<-chan event.Event)(events)
	if o.logFile != "" {
		teed := make(chan event.Event, 256)
		go func() {
			for ev := range events {
				attrs := []slog.Attr{
					slog.String("type", ev.Type.String()),
					slog.String("path", ev.Path),
					slog.Int64("size", ev.Size),
					slog.Int64("volume", ev.Volume),
				}
				if ev.Error != nil {
					attrs = append(attrs, slog.String("error", ev.Error.Error()))
				}
				slog.LogAttrs(context.Background(), slog.LevelDebug, "reel.event", attrs...)
				teed <- ev
			}
			close(teed)
		}()
		presenterEvents = teed
	}

	// The member listing goes to stderr when the archive is written to
	// stdout.
	out := os.Stdout
	if op == engine.OpCreate || op == engine.OpAppend {
		for _, a := range vopts.Archives {
			if a == "-" {
				out = os.Stderr
			}
		}
	}
	presenter := ui.NewPresenter(ui.Config{
		Writer:    out,
		ErrWriter: os.Stderr,
		Stats:     collector,
		Progress:  o.progress,
		Quiet:     o.quiet,
		Verbose:   o.verbose && op != engine.OpList,
	})

	engineCfg := engine.Config{
		Op:            op,
		Volume:        vopts,
		Paths:         args,
		Dir:           o.dir,
		Sparse:        o.sparse,
		SparseOptions: sparseOpts,
		IgnoreZeros:   o.ignoreZeros,
		KeepOldFiles:  o.keepOld,
		Verbose:       o.verbose,
		Out:           os.Stdout,
		Index:         idx,
		Events:        events,
		Stats:         collector,
	}

	slog.Debug("starting "+op.String(),
		"archives", vopts.Archives,
		"format", vopts.Format,
		"blocking_factor", vopts.BlockingFactor,
		"multi_volume", vopts.MultiVolume,
	)

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		presenterErr = presenter.Run(presenterEvents)
	}()

	result := engine.Run(ctx, engineCfg)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}

	if o.totals {
		printTotals(op, result)
	}
	if o.verbose && !o.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}

	switch {
	case result.Err == nil:
		return nil
	case errors.Is(result.Err, engine.ErrMembersDiffer), errors.Is(result.Err, engine.ErrMembersFailed):
		slog.Warn(op.String()+" finished with problems", "error", result.Err)
		return &exitError{code: 1}
	}
	slog.Error(op.String()+" failed", "error", result.Err)
	return &exitError{code: 2}
}

func printTotals(op engine.Op, res engine.Result) {
	t := res.Totals
	switch op {
	case engine.OpCreate:
		fmt.Fprintln(os.Stderr, stats.FormatTotal("Total bytes written", t.Written, t.Duration))
	case engine.OpAppend:
		fmt.Fprintln(os.Stderr, stats.FormatTotal("Total bytes read", t.Read, t.Duration))
		fmt.Fprintln(os.Stderr, stats.FormatTotal("Total bytes written", t.Written, t.Duration))
	default:
		fmt.Fprintln(os.Stderr, stats.FormatTotal("Total bytes read", t.Read, t.Duration))
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// progressDefault is the interval of progress lines when --progress is
// given without a value.
const progressDefault = 5 * time.Second
