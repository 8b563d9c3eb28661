package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/comfortablynumb/pmp-imposter/internal/config"
	"github.com/comfortablynumb/pmp-imposter/internal/imposter"
	"github.com/comfortablynumb/pmp-imposter/internal/server"
)

// Version is set at build time
var Version = "dev"

// options holds the command line flags
type options struct {
	configPath     string
	dataDir        string
	configFile     string
	noParse        bool
	watch          bool
	allowInjection bool
	metricsPort    int
	logLevel       string
	development    bool
	otlpEndpoint   string
	proxyTimeout   time.Duration
	preserveHost   bool
}

// getEnvInt gets an integer value from environment variable, or returns the default
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvString gets a string value from environment variable, or returns the default
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool gets a boolean value from environment variable, or returns the default
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "imposterd",
		Short:         "Service virtualization with predicate matched stubs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to the daemon YAML configuration")
	flags.StringVar(&opts.dataDir, "datadir", "", "Directory that keeps imposters across restarts (in memory when empty)")
	flags.StringVar(&opts.configFile, "configfile", "", "File of imposters to load at startup")
	flags.BoolVar(&opts.noParse, "noParse", false, "Do not render the config file as a template")
	flags.BoolVar(&opts.allowInjection, "allowInjection", false, "Allow JavaScript injection in predicates and responses")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.development, "development", false, "Human friendly development logging")

	root.AddCommand(newStartCommand(opts), newValidateCommand(opts), newSaveCommand(opts))
	return root
}

// loadConfig layers defaults, the config file, environment variables and
// explicitly set flags, in that order
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	cfg.DataDir = getEnvString("IMPOSTER_DATADIR", cfg.DataDir)
	cfg.ConfigFile = getEnvString("IMPOSTER_CONFIGFILE", cfg.ConfigFile)
	cfg.AllowInjection = getEnvBool("IMPOSTER_ALLOW_INJECTION", cfg.AllowInjection)
	cfg.MetricsPort = getEnvInt("IMPOSTER_METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = getEnvString("IMPOSTER_LOG_LEVEL", cfg.LogLevel)
	cfg.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	flags := cmd.Flags()
	if flags.Changed("datadir") {
		cfg.DataDir = opts.dataDir
	}
	if flags.Changed("configfile") {
		cfg.ConfigFile = opts.configFile
	}
	if flags.Changed("noParse") {
		cfg.NoParse = opts.noParse
	}
	if flags.Changed("watch") {
		cfg.Watch = opts.watch
	}
	if flags.Changed("allowInjection") {
		cfg.AllowInjection = opts.allowInjection
	}
	if flags.Changed("metrics-port") {
		cfg.MetricsPort = opts.metricsPort
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("development") {
		cfg.Development = opts.development
	}
	if flags.Changed("otlp-endpoint") {
		cfg.OTLPEndpoint = opts.otlpEndpoint
	}
	if flags.Changed("proxy-timeout") {
		cfg.Proxy.Timeout = opts.proxyTimeout
	}
	if flags.Changed("proxy-preserve-host") {
		cfg.Proxy.PreserveHost = opts.preserveHost
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// protocols returns every protocol the daemon can serve
func protocols() []imposter.Protocol {
	return []imposter.Protocol{server.NewHTTP(), server.NewHTTPS()}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
