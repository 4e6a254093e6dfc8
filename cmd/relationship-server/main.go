package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/relay"
	"code.kerpass.org/trustedcontacts/pkg/relay/pgdb"
)

var flags []cli.Flag = []cli.Flag{
	&cli.BoolFlag{
		Name:  "migrate",
		Value: false,
		Usage: "create the postgres tables before serving",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "relationship-server",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:  "relationship-server",
		Usage: "Serve the trusted contact relationship API",
		Description: "Server settings are read from TCRELAY_* environment variables. " +
			"Relationships are kept in memory unless TCRELAY_DATABASE_URL is set.",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := observability.NewLogger(os.Stderr, observability.LogOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
	})
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.NewString())
	}

	cfg, err := relay.LoadServerCfg()
	if nil != err {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx := observability.SetObservability(cCtx.Context, &observability.Observability{Logger: logger})
	backend, closeBackend, err := openBackend(ctx, cfg, cCtx.Bool("migrate"), logger)
	if nil != err {
		return err
	}
	defer closeBackend()

	svc := relay.NewService(backend)
	svc.InvitationTTL = cfg.InvitationTTL

	server, err := relay.NewServer(cfg, svc, logger)
	if nil != err {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}

// openBackend returns the relay.Backend selected by cfg and the function that releases it.
func openBackend(ctx context.Context, cfg relay.ServerCfg, migrate bool, logger *slog.Logger) (relay.Backend, func(), error) {
	if "" == cfg.DatabaseURL {
		logger.Warn("TCRELAY_DATABASE_URL not set, relationships are kept in memory")
		return relay.NewMemBackend(), func() {}, nil
	}

	backend, err := pgdb.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema)
	if nil != err {
		logger.Error("Failed to connect database", "err", err)
		return nil, nil, err
	}
	if migrate {
		logger.Info("Migrating database", "schema", cfg.DatabaseSchema)
		err = pgdb.Migrate(ctx, backend.DB, cfg.DatabaseSchema)
		if nil != err {
			backend.Close()
			logger.Error("Failed to migrate database", "err", err)
			return nil, nil, err
		}
	}

	return backend, backend.Close, nil
}
