package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/edgehub/internal/agent"
	"github.com/danmuck/edgehub/internal/config"
	"github.com/danmuck/edgehub/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "devicectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("devicectl", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "device config file (.toml, .yaml)")
	deviceID := flags.String("device-id", "", "device id; defaults to connection string DeviceId, then host identity")
	connStr := flags.String("connection-string", "", "hub connection string")
	statusAddr := flags.String("status-addr", "", "serve /health, /status and /metrics on this address")
	writeConfig := flags.String("write-config", "", "write a starter config to this path and exit")
	format := flags.String("format", "toml", "starter config format: toml|yaml")
	force := flags.Bool("force", false, "overwrite an existing file with --write-config")
	validate := flags.Bool("validate", false, "load and validate --config, then exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logging.ConfigureRuntime()

	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, *format, *force); err != nil {
			return err
		}
		log.Info().Str("path", *writeConfig).Str("format", *format).Msg("devicectl wrote config")
		return nil
	}

	cfg, level, err := loadServiceConfig(*configPath)
	if err != nil {
		return err
	}
	if level != nil && strings.TrimSpace(os.Getenv(logging.EnvLogLevel)) == "" {
		zerolog.SetGlobalLevel(*level)
	}
	applyEnv(&cfg)
	if flags.Changed("device-id") {
		cfg.DeviceID = strings.TrimSpace(*deviceID)
	}
	if flags.Changed("connection-string") {
		cfg.ConnectionString = strings.TrimSpace(*connStr)
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = strings.TrimSpace(*statusAddr)
	}

	if *validate {
		if cfg.ConnectionString == "" {
			return agent.ErrConnectionStringRequired
		}
		if err := cfg.Session.WithDefaults().Validate(); err != nil {
			return err
		}
		log.Info().Str("path", *configPath).Msg("devicectl config valid")
		return nil
	}

	return agent.NewService(cfg).Run()
}
