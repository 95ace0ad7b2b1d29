package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/threatguard/pkg/alerting"
	"github.com/hed1ad/threatguard/pkg/api"
	"github.com/hed1ad/threatguard/pkg/engine"
	"github.com/hed1ad/threatguard/pkg/metrics"
	"github.com/hed1ad/threatguard/pkg/modelstore"
	"github.com/hed1ad/threatguard/pkg/signature"
	"github.com/hed1ad/threatguard/pkg/threat"
	"github.com/hed1ad/threatguard/pkg/transport/natsio"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the NATS event consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.cfg
	rec := metrics.New(cfg.Metrics.Namespace)

	e, err := a.buildEngine(rec)
	if err != nil {
		return err
	}

	store, err := modelstore.Open(cfg.Storage.ModelDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := a.prepareModels(e, store); err != nil {
		return err
	}

	var bus *natsio.Bus
	if cfg.NATS.Enabled {
		bus, err = natsio.NewBus(cfg.NATS.Config, a.logger)
		if err != nil {
			return err
		}
		defer bus.Close()
	}

	alertOpts := []alerting.Option{
		alerting.WithMinSeverity(cfg.Alerting.Severity()),
		alerting.WithDedup(cfg.Alerting.DedupSize, cfg.Alerting.DedupWindow),
		alerting.WithLogger(a.logger),
		alerting.WithMetrics(rec),
	}
	if cfg.Alerting.Log.Enabled {
		alertOpts = append(alertOpts, alerting.WithNotifier(alerting.NewLogNotifier(a.logger)))
	}
	if cfg.Alerting.NATS.Enabled && bus != nil {
		alertOpts = append(alertOpts, alerting.WithNotifier(alerting.NewNATSNotifier(bus, cfg.NATS.AlertsPrefix)))
	}
	alerts := alerting.NewManager(alertOpts...)

	apiOpts := []api.Option{
		api.WithLogger(a.logger),
		api.WithAlerter(alerts),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithHealthCheck("model_store", func(context.Context) error {
			_, err := store.List()
			return err
		}),
	}
	if cfg.Storage.SaveOnTrain {
		apiOpts = append(apiOpts, api.WithAfterTrain(func(engine.TrainReport) {
			if _, err := e.SaveModels(store); err != nil {
				a.logger.Error().Err(err).Msg("saving trained models failed")
			}
		}))
	}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, api.WithMetrics(rec.Registry(), cfg.Metrics.Path))
	}
	if bus != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck("nats", func(context.Context) error {
			if !bus.Conn().IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}))
		if err := bus.Serve(ctx, e, func(ctx context.Context, source string, fs []threat.Finding) {
			alerts.Process(ctx, source, fs)
		}, rec); err != nil {
			return err
		}
	}
	srv := api.NewServer(e, apiOpts...)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	if cfg.Detection.SignatureFile != "" && cfg.Detection.WatchSignatures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loader := signature.NewFileLoader(cfg.Detection.SignatureFile)
			if err := signature.Watch(ctx, loader, e, a.logger); err != nil {
				errs <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- srv.Run(ctx, cfg.Server.Addr, api.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		})
	}()

	a.logger.Info().
		Str("addr", cfg.Server.Addr).
		Bool("nats", bus != nil).
		Strs("alert_channels", alerts.Channels()).
		Int("signatures", e.Status().Signatures).
		Msg("threatguard started")

	wg.Wait()
	close(errs)

	var runErr error
	for err := range errs {
		runErr = errors.Join(runErr, err)
	}

	if cfg.Storage.SaveOnTrain {
		if _, err := e.SaveModels(store); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}
