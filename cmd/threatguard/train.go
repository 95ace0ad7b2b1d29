package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/threatguard/pkg/modelstore"
)

func newTrainCmd(a *app) *cobra.Command {
	var anomalyPath, classifierPath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model and threat classifier and store them",
		Long: "Train fits the anomaly model on an event file (JSON, CSV, PCAP or syslog) and\n" +
			"the classifier on a JSON array of labeled records, then writes every trained\n" +
			"model to the model database. Flags default to detection.anomaly_dataset and\n" +
			"detection.classifier_dataset.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if anomalyPath == "" {
				anomalyPath = a.cfg.Detection.AnomalyDataset
			}
			if classifierPath == "" {
				classifierPath = a.cfg.Detection.ClassifierDataset
			}
			if anomalyPath == "" && classifierPath == "" {
				return errors.New("no dataset: pass --anomaly and/or --classifier")
			}

			e, err := a.buildEngine(nil)
			if err != nil {
				return err
			}
			store, err := modelstore.Open(a.cfg.Storage.ModelDB)
			if err != nil {
				return err
			}
			defer store.Close()

			// Keep stored models for whichever dataset is not given.
			if _, err := e.LoadModels(store); err != nil {
				return err
			}

			report, trainErr := e.TrainFromFiles(anomalyPath, classifierPath)
			saved, err := e.SaveModels(store)
			if err != nil {
				return fmt.Errorf("save models: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			a.logger.Info().Strs("saved", saved).Str("db", a.cfg.Storage.ModelDB).Msg("training finished")
			return trainErr
		},
	}
	cmd.Flags().StringVar(&anomalyPath, "anomaly", "", "event file for the anomaly model")
	cmd.Flags().StringVar(&classifierPath, "classifier", "", "labeled JSON dataset for the classifier")
	return cmd
}
