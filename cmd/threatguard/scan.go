package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/threatguard/pkg/alerting"
	"github.com/hed1ad/threatguard/pkg/engine"
	eventio "github.com/hed1ad/threatguard/pkg/io"
	"github.com/hed1ad/threatguard/pkg/modelstore"
)

type scanOptions struct {
	output string
	all    bool
	alert  bool
	iface  string
}

type scanStats struct {
	Events   int
	Findings int
}

func newScanCmd(a *app) *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan [files...]",
		Short: "Run event files (JSON, CSV, PCAP, syslog) or a live interface through the engine",
		Long: "Scan reads every file with the reader matching its extension and writes one\n" +
			"JSON result per event with findings. Stored models are used when the model\n" +
			"database exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.iface == "" {
				return errors.New("nothing to scan: pass files or --interface")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if opts.output != "" && opts.output != "-" {
				f, err := os.Create(opts.output)
				if err != nil {
					return err
				}
				out = f
			}
			w := eventio.NewJSONWriter(out)
			defer w.Close()

			stats, err := a.scan(ctx, args, opts, w)
			a.logger.Info().Int("events", stats.Events).Int("findings", stats.Findings).Msg("scan finished")
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "result file, - for stdout")
	cmd.Flags().BoolVar(&opts.all, "all", false, "also write results for clean events")
	cmd.Flags().BoolVar(&opts.alert, "alert", false, "raise log alerts for findings")
	cmd.Flags().StringVarP(&opts.iface, "interface", "i", "", "capture live from a network interface")
	return cmd
}

func (a *app) scan(ctx context.Context, paths []string, opts scanOptions, w eventio.Writer) (scanStats, error) {
	var stats scanStats

	e, err := a.buildEngine(nil)
	if err != nil {
		return stats, err
	}
	if err := a.restoreForScan(e); err != nil {
		return stats, err
	}

	var alerts *alerting.Manager
	if opts.alert {
		alerts = alerting.NewManager(
			alerting.WithNotifier(alerting.NewLogNotifier(a.logger)),
			alerting.WithMinSeverity(a.cfg.Alerting.Severity()),
			alerting.WithDedup(a.cfg.Alerting.DedupSize, a.cfg.Alerting.DedupWindow),
			alerting.WithLogger(a.logger),
		)
	}

	sources := make([]string, 0, len(paths)+1)
	sources = append(sources, paths...)
	if opts.iface != "" {
		sources = append(sources, "iface:"+opts.iface)
	}

	for i, src := range sources {
		var r eventio.Reader
		if i >= len(paths) {
			r, err = openLive(opts.iface)
		} else {
			r, err = eventio.Open(src)
		}
		if err != nil {
			return stats, fmt.Errorf("open %s: %w", src, err)
		}

		err = scanReader(ctx, e, r, src, opts, alerts, w, &stats)
		r.Close()
		if err != nil {
			return stats, err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return stats, nil
}

func scanReader(ctx context.Context, e *engine.Engine, r eventio.Reader, source string, opts scanOptions, alerts *alerting.Manager, w eventio.Writer, stats *scanStats) error {
	events, err := r.Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream %s: %w", source, err)
	}

	n := 0
	for record := range events {
		n++
		stats.Events++
		findings := e.Detect(record)
		stats.Findings += len(findings)

		if alerts != nil && len(findings) > 0 {
			alerts.Process(ctx, source, findings)
		}
		if len(findings) == 0 && !opts.all {
			continue
		}
		if err := w.Write(eventio.Result{
			Timestamp: time.Now().UTC(),
			RequestID: fmt.Sprintf("%s#%d", source, n),
			Source:    source,
			Threats:   findings,
		}); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := eventio.StreamErr(r); err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}
	return nil
}

// restoreForScan loads stored models without creating a database.
func (a *app) restoreForScan(e *engine.Engine) error {
	path := a.cfg.Storage.ModelDB
	if path == "" || !a.cfg.Storage.LoadOnStart {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug().Str("path", path).Msg("no model database, scanning with signatures only")
		return nil
	}

	store, err := modelstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = e.LoadModels(store)
	return err
}
