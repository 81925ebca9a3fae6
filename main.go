package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msimdir/config"
	"msimdir/control"
	"msimdir/db"
	"msimdir/logging"
	"msimdir/server"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msimdir",
		Short: "Directory and session ledger for msim clients",
		Long: `msimdir keeps the account directory of an msim deployment: who is
registered, who is online and from where, the login audit trail, contact
lists and per-account message counters.

Run without a subcommand to start the server. Use "msimdir ctl" to query
a running server through its control socket.`,
		SilenceUsage: true,
		RunE:         runServer,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "msimdir.yaml", "path to the YAML config file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newCtlCmd())
	return root
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	store, err := db.Open(cfg.Database.Path, logger, db.WithDriver(cfg.Database.Driver))
	if err != nil {
		logger.Error("failed to open directory store", zap.Error(err))
		return err
	}
	defer store.Close()

	srv := server.New(store, &server.ServerConfig{
		Addr:         cfg.ListenAddr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger)
	ctl := control.NewServer(cfg.Control.Socket, store, srv, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// a shutdown requested over the control socket ends Run without
		// cancelling ctx
		defer cancel()
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return ctl.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("msimdir stopped with error", zap.Error(err))
		return err
	}

	logger.Info("msimdir stopped")
	return nil
}
