// Package main is the entry point for corvus-server, an in-memory
// Redis-wire-compatible key/value and pub/sub server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/corvuskv/corvus/internal/infra/buildinfo"
	"github.com/corvuskv/corvus/internal/infra/confloader"
	"github.com/corvuskv/corvus/internal/infra/shutdown"
	"github.com/corvuskv/corvus/internal/server"
	"github.com/corvuskv/corvus/internal/server/config"
	"github.com/corvuskv/corvus/internal/telemetry/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:    "corvus-server",
		Usage:   "in-memory Redis-wire-compatible key/value and pub/sub server",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "TCP port to listen on",
				EnvVars: []string{"REDIS_PORT", "PORT"},
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (json, text)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cc *cli.Context) error {
	cfg := config.Default()

	var opts []confloader.Option
	if path := cc.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// flags win over env, env over file; urfave resolves flag-vs-env
	if cc.IsSet("port") {
		cfg.Server.Port = cc.Int("port")
	}
	if cc.IsSet("log-level") {
		cfg.Log.Level = cc.String("log-level")
	}
	if cc.IsSet("log-format") {
		cfg.Log.Format = cc.String("log-format")
	}
	if err := cfg.Verify(); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger.SetDefault(log)

	srv := server.New(cfg, log)

	sh := shutdown.NewHandler(shutdownTimeout)
	sh.OnShutdown(func(ctx context.Context) error {
		return srv.Close()
	})
	go func() {
		if err := sh.Wait(); err != nil {
			log.Error("shutdown hooks failed", "error", err)
		}
	}()

	log.Info("starting corvus-server",
		"version", buildinfo.Version,
		"port", cfg.Server.Port)

	signal := make(chan error, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenServeAndSignal(signal)
	}()
	if err := <-signal; err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", "addr", srv.Addr().String())

	if err := <-errCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("corvus-server stopped")
	return nil
}
