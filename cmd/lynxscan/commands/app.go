package commands

import (
	"context"
	"fmt"

	"github.com/bl4ck0w1/lynxscan/internal/ai"
	"github.com/bl4ck0w1/lynxscan/internal/events"
	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/internal/scanners"
	"github.com/bl4ck0w1/lynxscan/internal/storage"
	"github.com/bl4ck0w1/lynxscan/internal/validation"
	"github.com/bl4ck0w1/lynxscan/internal/validation/dns"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
)

// App holds the wired scan pipeline shared by the scan, serve and usage commands.
type App struct {
	Config       *models.Config
	Logger       *utils.Logger
	Metrics      *utils.MetricsCollector
	Store        storage.Backend
	Orchestrator *orchestration.Orchestrator

	closers []func() error
}

func NewApp(ctx context.Context, cfg *models.Config, version string) (*App, error) {
	logger, err := utils.NewLogger(utils.LogConfigFromGlobal(cfg.Global), "lynxscan", version)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	app := &App{Config: cfg, Logger: logger}
	app.closers = append(app.closers, logger.Close)
	log := logger.Logger

	if cfg.Metrics.Enabled {
		app.Metrics, err = utils.NewScanMetrics(true)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	resolver := dns.NewResolver(cfg.DNS.Servers, cfg.DNS.Timeout, cfg.DNS.Retries, log)
	list, err := scanners.NewDefaultScanners(cfg, scanners.Dependencies{
		Resolver: resolver,
		Metrics:  app.Metrics,
		Logger:   log,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	lock, closeLock, err := storage.NewScanLock(cfg.Lock, log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	app.closers = append(app.closers, closeLock)

	publisher := events.NewPublisher(cfg.Events, log)
	app.closers = append(app.closers, publisher.Close)

	app.Orchestrator = orchestration.NewOrchestrator(
		validation.NewValidator(resolver, log),
		orchestration.NewAggregator(list, app.Metrics, log),
		ai.NewClient(cfg.AI, app.Metrics, log),
		store,
		orchestration.ConfigFromModel(cfg),
		log,
		orchestration.WithScanLock(lock),
		orchestration.WithEventPublisher(publisher),
		orchestration.WithMetrics(app.Metrics),
	)
	log.WithFields(logrus.Fields{
		"scanners": app.Orchestrator.GetStats()["scanners"],
		"storage":  cfg.Storage.Type,
	}).Debug("scan pipeline ready")
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.Debugf("closing: %v", err)
		}
	}
	a.closers = nil
}
