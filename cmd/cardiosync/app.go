package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/config"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/logging"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/repository"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	controlTokenIssuer   = "cardiosync"
	controlTokenAudience = "cardiosync-api"
	remoteTokenAudience  = "cardiosync-remote"
)

// application holds the wired local store, remote client and orchestrator
// shared by every subcommand.
type application struct {
	cfg          config.AppConfig
	logger       *logging.Logger
	store        *store.Store
	remote       *remote.Client
	monitor      *connectivity.Monitor
	orchestrator *syncer.Orchestrator
	repositories *repository.Set
}

func openApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.Log.Level,
		File:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger.Logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	localStore, err := store.New(store.Config{
		Database:   db,
		Tables:     records.Tables(),
		IDProvider: store.NewUUIDProvider(),
		MaxRetries: appConfig.SyncMaxRetries,
		Logger:     logger.Named("store"),
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	app := &application{cfg: appConfig, logger: logger, store: localStore}
	if err := localStore.Initialize(ctx); err != nil {
		app.close()
		return nil, err
	}

	remoteConfig := remote.Config{
		BaseURL:  appConfig.RemoteBaseURL,
		UserID:   appConfig.RemoteUserID,
		DeviceID: appConfig.RemoteDeviceID,
		Timeout:  appConfig.RemoteTimeout,
		Logger:   logger.Named("remote"),
	}
	remoteConfig.Tokens, err = remoteTokens(appConfig)
	if err != nil {
		app.close()
		return nil, err
	}
	app.remote, err = remote.New(remoteConfig)
	if err != nil {
		app.close()
		return nil, err
	}

	app.monitor, err = connectivity.NewMonitor(connectivity.MonitorConfig{
		Pinger:   app.remote,
		Interval: appConfig.ProbeInterval,
		Logger:   logger.Named("connectivity"),
	})
	if err != nil {
		app.close()
		return nil, err
	}

	app.orchestrator, err = syncer.New(syncer.Config{
		Store:        localStore,
		Remote:       app.remote,
		Connectivity: app.monitor,
		Interval:     appConfig.SyncInterval,
		PullOnTick:   appConfig.SyncPullOnTick,
		Logger:       logger.Named("syncer"),
	})
	if err != nil {
		app.close()
		return nil, err
	}

	app.repositories, err = repository.NewSet(repository.Config{
		Store:     localStore,
		Syncer:    app.orchestrator,
		Immediate: appConfig.SyncImmediate,
		Logger:    logger.Named("repository"),
	}, appConfig.CurrentUserID, &logNotifier{logger: logger.Named("reminders")})
	if err != nil {
		app.close()
		return nil, err
	}

	return app, nil
}

// probe refreshes connectivity once so one-shot commands see the real state.
func (a *application) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.RemoteTimeout)
	defer cancel()
	return a.monitor.Probe(probeCtx)
}

func (a *application) tokenIssuer() (*auth.TokenIssuer, error) {
	if err := a.cfg.RequireServer(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.cfg.SigningSecret),
		Issuer:        controlTokenIssuer,
		Audience:      controlTokenAudience,
		TokenTTL:      a.cfg.TokenTTL,
	})
}

// remoteTokens picks the bearer for the remote: the configured static token,
// else a token signed for the remote user with the shared secret. Without
// either, requests go out unauthenticated.
func remoteTokens(cfg config.AppConfig) (remote.TokenSource, error) {
	if cfg.RemoteToken != "" {
		return auth.StaticToken(cfg.RemoteToken), nil
	}
	if cfg.SigningSecret == "" {
		return nil, nil
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        controlTokenIssuer,
		Audience:      remoteTokenAudience,
		TokenTTL:      cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	return issuer.Source(cfg.RemoteUserID), nil
}

func (a *application) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Close()
}

// logNotifier stands in for a platform notification service.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) Schedule(_ context.Context, kind repository.Kind, reminder records.Reminder) error {
	n.logger.Info("reminder scheduled",
		zap.String("kind", string(kind)),
		zap.Int64("id", reminder.Sync().ID),
		zap.Time("due", reminder.DueAt()),
	)
	return nil
}

func (n *logNotifier) Cancel(_ context.Context, kind repository.Kind, id int64) error {
	n.logger.Info("reminder cancelled", zap.String("kind", string(kind)), zap.Int64("id", id))
	return nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
