package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/config"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/server"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background sync and the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := openApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	issuer, err := app.tokenIssuer()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         issuer,
		Sync:           app.orchestrator,
		Queue:          app.store,
		Repositories:   app.repositories,
		AllowedOrigins: app.cfg.AllowedOrigins,
		Logger:         app.logger.Named("server"),
	})
	if err != nil {
		return err
	}

	watchLogLevel(app)

	httpServer := &http.Server{
		Addr:              app.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.monitor.Run(groupCtx)
	})
	group.Go(func() error {
		return app.orchestrator.Run(groupCtx)
	})
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.cfg.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	app.logger.Info("server stopped")
	return err
}

// watchLogLevel applies log.level edits from the config file without a restart.
func watchLogLevel(app *application) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		level := config.LoadLog(viper.GetViper()).Level
		if app.logger.SetLevel(level) {
			app.logger.Info("log level changed", zap.String("level", level), zap.String("file", event.Name))
		}
	})
	viper.WatchConfig()
}
