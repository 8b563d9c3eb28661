package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/recorder"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
)

type saveOptions struct {
	saveFile      string
	removeProxies bool
	keepRequests  bool
}

func newSaveCommand(opts *options) *cobra.Command {
	saveOpts := &saveOptions{}
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Export the imposters of a data directory to a config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.DataDir == "" {
				return errors.New("a data directory is required")
			}

			count, err := saveImposters(cmd.Context(), cfg.DataDir, saveOpts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d imposter(s) to %s\n", count, saveOpts.saveFile)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&saveOpts.saveFile, "savefile", "mb.json", "File to write (YAML when it ends in .yaml or .yml)")
	flags.BoolVar(&saveOpts.removeProxies, "removeProxies", false, "Drop proxy responses and keep only what they captured")
	flags.BoolVar(&saveOpts.keepRequests, "keepRequests", false, "Keep recorded requests in the output")
	return cmd
}

// stored is the controller of an imposter that is read but never served
type stored struct{}

func (stored) Stop(context.Context) error { return nil }

// saveImposters reads every imposter kept in dataDir without binding any
// port and writes them to the save file
func saveImposters(ctx context.Context, dataDir string, opts *saveOptions) (int, error) {
	repo := filesystem.New(dataDir)

	registry := repository.ProtocolRegistry{}
	for _, protocol := range protocols() {
		registry[protocol.Name()] = repository.ImposterFactoryFunc(
			func(context.Context, *models.Imposter) (repository.Controller, error) {
				return stored{}, nil
			},
		)
	}
	if err := repo.LoadAll(ctx, registry); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dataDir, err)
	}

	imposters, err := repo.All(ctx)
	if err != nil {
		return 0, err
	}
	err = recorder.Save(opts.saveFile, imposters, recorder.Options{
		RemoveProxies: opts.removeProxies,
		KeepRequests:  opts.keepRequests,
	})
	if err != nil {
		return 0, err
	}
	return len(imposters), nil
}
