// Package app wires the configuration, device and virtual-device services
// together into the runnable application.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mayanksuman/projecteur/internal/configsvc"
	"github.com/mayanksuman/projecteur/internal/devsvc"
	"github.com/mayanksuman/projecteur/pkg/virtdev"
)

type App struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	configSvc *configsvc.Service
	devSvc    *devsvc.Service
	virtual   *virtdev.Device
}

func NewApp(config Config) (*App, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	a := &App{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configsvc.New(logger.Named("config")),
	}

	var emitter devsvc.Emitter
	if !config.DisableUinput {
		vd, err := virtdev.New(logger.Named("virtdev"), virtdev.Options{})
		if err != nil {
			logger.Warn("Virtual device unavailable, running without event forwarding",
				zap.Error(err))
		} else {
			a.virtual = vd
			emitter = vd
		}
	}
	a.devSvc = devsvc.New(logger.Named("dev"), db, emitter, devsvc.Options{})
	return a, nil
}

// Run starts the services and blocks until the context is cancelled. The
// settings file is applied on startup and re-applied on every change; an
// invalid file keeps the last valid settings.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.devSvc.Start(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.configSvc.Ready():
		}
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.devSvc.Ready():
		}
		settings, err := configsvc.Register[Settings](a.configSvc, a.config.SettingsConfig,
			Settings{}, func(settings Settings, err error) {
				if err != nil {
					a.log.Error("Invalid settings file, keeping previous settings", zap.Error(err))
					return
				}
				if err := a.devSvc.ApplySettings(groupCtx, settings.runtime()); err != nil {
					a.log.Error("Failed to apply settings", zap.Error(err))
				}
			})
		if err != nil {
			return fmt.Errorf("failed to register settings config: %w", err)
		}
		return a.devSvc.ApplySettings(groupCtx, settings.runtime())
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("application failed: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	if a.virtual != nil {
		a.virtual.Close()
		a.virtual = nil
	}
	return a.db.Close()
}

func (a *App) Devices() *devsvc.Service {
	return a.devSvc
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
