package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/loader"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
	"github.com/comfortablynumb/pmp-imposter/internal/server"
	"github.com/comfortablynumb/pmp-imposter/internal/validator"
)

// importOptions holds the command line flags
type importOptions struct {
	configFile     string
	dataDir        string
	noParse        bool
	allowInjection bool
	replace        bool
}

func newImportCommand() *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:          "imposter-import",
		Short:        "Write the imposters of a config file into a data directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, err := importFile(cmd.Context(), opts)
			if err != nil {
				return err
			}
			log.Printf("✓ Imported %d imposter(s) into %s\n", count, opts.dataDir)
			log.Printf("\nTo serve them, start the daemon with:\n")
			log.Printf("  imposterd start --datadir %s\n", opts.dataDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "configfile", "", "Config file of imposters (required)")
	flags.StringVar(&opts.dataDir, "datadir", ".mbdb", "Data directory to write")
	flags.BoolVar(&opts.noParse, "noParse", false, "Do not render the config file as a template")
	flags.BoolVar(&opts.allowInjection, "allowInjection", false, "Accept stubs that use JavaScript injection")
	flags.BoolVar(&opts.replace, "replace", false, "Delete imposters already in the data directory")
	_ = cmd.MarkFlagRequired("configfile")
	return cmd
}

// importFile validates every imposter of the config file and stores them
// without starting any listener
func importFile(ctx context.Context, opts *importOptions) (int, error) {
	var loaderOpts []loader.Option
	if opts.noParse {
		loaderOpts = append(loaderOpts, loader.WithoutTemplates())
	}
	imposters, err := loader.NewLoader(opts.configFile, nil, loaderOpts...).Load()
	if err != nil {
		return 0, err
	}

	for _, imposter := range imposters {
		if imposter.Port == 0 {
			return 0, fmt.Errorf("imposter %q has no port; stored imposters need a fixed port", imposter.Name)
		}
	}

	protocols := map[string]models.Request{}
	for _, protocol := range []interface {
		Name() string
		TestRequest() models.Request
	}{server.NewHTTP(), server.NewHTTPS()} {
		protocols[protocol.Name()] = protocol.TestRequest()
	}

	v := validator.NewValidator(inject.New(opts.allowInjection))
	result := v.ValidateImposters(ctx, imposters, func(name string) (models.Request, bool) {
		request, ok := protocols[name]
		return request.Clone(), ok
	})
	if !result.Valid {
		v.PrintValidationResult(result)
		return 0, fmt.Errorf("config file %s is invalid", opts.configFile)
	}

	repo := filesystem.New(opts.dataDir)
	if opts.replace {
		if err := repo.DeleteAll(ctx); err != nil {
			return 0, err
		}
	}

	for _, imposter := range imposters {
		imposter.Requests = nil
		if err := repo.Add(ctx, imposter, nil); err != nil {
			return 0, fmt.Errorf("failed to store imposter on port %d: %w", imposter.Port, err)
		}
		log.Printf("Stored %s imposter on port %d\n", imposter.Protocol, imposter.Port)
	}
	return len(imposters), nil
}

func main() {
	log.Printf("Imposter Importer\n")
	log.Printf("=================\n")

	if err := newImportCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
