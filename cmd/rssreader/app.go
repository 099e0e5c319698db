package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/debuglog"
	"github.com/pders01/rssreader/internal/feed"
	"github.com/pders01/rssreader/internal/metrics"
	"github.com/pders01/rssreader/internal/storage"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	dbPath     string
	userID     int64
}

// app is what a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	store   storage.Repository
	metrics *metrics.Metrics
	manager *feed.Manager
	userID  int64
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		if strings.EqualFold(cfg.Database.Driver, storage.DriverPostgres) {
			cfg.Database.DSN = opts.dbPath
		} else {
			cfg.Database.Path = opts.dbPath
		}
	}
	return cfg, nil
}

func openApp(ctx context.Context, opts *options) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	err = debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), debuglog.Output{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		debuglog.Close()
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Database.Driver, err)
	}

	m := metrics.New()
	return &app{
		cfg:     cfg,
		store:   store,
		metrics: m,
		manager: feed.NewManager(store, cfg, m),
		userID:  opts.userID,
	}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	if logErr := debuglog.Close(); err == nil {
		err = logErr
	}
	return err
}

// pushMetrics sends sync metrics to the configured Pushgateway. Failures
// are reported on w; they never fail the command.
func (a *app) pushMetrics(w io.Writer) {
	if err := a.metrics.Push(a.cfg.Metrics.PushGateway, a.cfg.Metrics.Job); err != nil {
		debuglog.Warnf("%v", err)
		fmt.Fprintln(w, warnStyle.Render("warning: "+err.Error()))
	}
}
