package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/comfortablynumb/pmp-imposter/internal/imposter"
	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/loader"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/validator"
)

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [configfile]",
		Short: "Check a config file without starting any imposter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.ConfigFile = args[0]
			}
			if cfg.ConfigFile == "" {
				return errors.New("a config file is required")
			}

			var loaderOpts []loader.Option
			if cfg.NoParse {
				loaderOpts = append(loaderOpts, loader.WithoutTemplates())
			}
			imposters, err := loader.NewLoader(cfg.ConfigFile, nil, loaderOpts...).Load()
			if err != nil {
				return err
			}

			v := validator.NewValidator(inject.New(cfg.AllowInjection, inject.WithTimeout(cfg.InjectionTimeout)))
			result := v.ValidateImposters(cmd.Context(), imposters, testRequests(protocols()))
			v.PrintValidationResult(result)
			if !result.Valid {
				return errors.New("config file is invalid")
			}
			return nil
		},
	}
}

// testRequests looks up the dry run request of each protocol
func testRequests(list []imposter.Protocol) func(string) (models.Request, bool) {
	byName := make(map[string]imposter.Protocol, len(list))
	for _, protocol := range list {
		byName[protocol.Name()] = protocol
	}
	return func(name string) (models.Request, bool) {
		protocol, ok := byName[name]
		if !ok {
			return nil, false
		}
		return protocol.TestRequest(), true
	}
}
