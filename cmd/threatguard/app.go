package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hed1ad/threatguard/pkg/anomaly"
	"github.com/hed1ad/threatguard/pkg/classifier"
	"github.com/hed1ad/threatguard/pkg/config"
	"github.com/hed1ad/threatguard/pkg/engine"
	"github.com/hed1ad/threatguard/pkg/logger"
	"github.com/hed1ad/threatguard/pkg/modelstore"
	"github.com/hed1ad/threatguard/pkg/signature"
)

// app carries what every subcommand needs.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:          "threatguard",
		Short:        "Signature, anomaly and classification based threat detection",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newTrainCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = log
	return nil
}

// buildEngine assembles an engine from the detection config. A configured
// signature file is applied once; serve keeps it in sync when watching.
func (a *app) buildEngine(m engine.Metrics) (*engine.Engine, error) {
	det := a.cfg.Detection
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithAnomalyModel(anomaly.New(anomaly.WithConfig(det.Anomaly), anomaly.WithLogger(a.logger))),
		engine.WithClassifier(classifier.New(classifier.WithConfig(det.Classifier), classifier.WithLogger(a.logger))),
	}
	if m != nil {
		opts = append(opts, engine.WithMetrics(m))
	}

	e, err := engine.New(opts...)
	if err != nil {
		return nil, err
	}

	if det.SignatureFile != "" {
		sigs, err := signature.LoadFile(det.SignatureFile)
		if err != nil {
			return nil, err
		}
		if err := e.UpdateSignatures(sigs); err != nil {
			return nil, fmt.Errorf("apply %s: %w", det.SignatureFile, err)
		}
	}
	return e, nil
}

// prepareModels restores stored models and trains from the configured
// datasets whatever is still untrained, saving the result.
func (a *app) prepareModels(e *engine.Engine, store *modelstore.Store) error {
	if a.cfg.Storage.LoadOnStart {
		if _, err := e.LoadModels(store); err != nil {
			return fmt.Errorf("load models: %w", err)
		}
	}

	st := e.Status()
	anomalyPath, classifierPath := "", ""
	if !st.AnomalyTrained {
		anomalyPath = a.cfg.Detection.AnomalyDataset
	}
	if !st.ClassifierTrained {
		classifierPath = a.cfg.Detection.ClassifierDataset
	}
	if anomalyPath == "" && classifierPath == "" {
		return nil
	}

	_, trainErr := e.TrainFromFiles(anomalyPath, classifierPath)
	if trainErr != nil {
		a.logger.Warn().Err(trainErr).Msg("startup training incomplete")
	}
	if a.cfg.Storage.SaveOnTrain {
		if _, err := e.SaveModels(store); err != nil {
			return fmt.Errorf("save models: %w", err)
		}
	}
	return nil
}
