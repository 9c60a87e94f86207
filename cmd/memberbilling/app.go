package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/membermatters/billing/pkg/billing"
	zerologadapter "github.com/membermatters/billing/pkg/billing/logger/zerolog"
	prommetrics "github.com/membermatters/billing/pkg/billing/metrics/prometheus"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
	"github.com/membermatters/billing/pkg/config"
	"github.com/membermatters/billing/pkg/induction"
	"github.com/membermatters/billing/pkg/membership"
	"github.com/membermatters/billing/pkg/notify"
	"github.com/membermatters/billing/storage/memory"
	"github.com/membermatters/billing/storage/postgres"
	redisstore "github.com/membermatters/billing/storage/redis"
)

// store is everything the service persists. Both storage/postgres and
// storage/memory implement it.
type store interface {
	billing.MemberStore
	billing.Catalog
	billing.AccessControl
	billing.AuditLog
	billing.Claimer
}

// messenger delivers notifications and invoice jobs.
type messenger interface {
	billing.Notifier
	billing.InvoiceGenerator
}

type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the collaborators shared by the serve, reconcile and seed commands.
type app struct {
	cfg      *config.Config
	zlog     zerolog.Logger
	logger   billing.Logger
	reporter billing.ErrorReporter
	registry *prometheus.Registry
	metrics  billing.Metrics

	store      store
	claimer    billing.Claimer
	messenger  messenger
	controller *membership.Controller
	gateway    *billingstripe.StripeGateway

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	zlog := newLogger(cfg)
	logger := zerologadapter.NewLogger(&zlog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:      cfg,
		zlog:     zlog,
		logger:   logger,
		reporter: &billing.LogReporter{Logger: logger},
		registry: registry,
		metrics:  prommetrics.NewMetrics(registry, cfg.MetricsNamespace),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", billing.F("warning", w))
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openClaimer(ctx); err != nil {
		return nil, err
	}
	if err := a.openMessenger(); err != nil {
		return nil, err
	}

	checker, err := newInductionChecker(cfg)
	if err != nil {
		return nil, err
	}
	a.controller, err = membership.NewController(membership.Config{
		Store:             a.store,
		Access:            a.store,
		Notifier:          a.messenger,
		Audit:             a.store,
		Eligibility:       billing.NewEligibilityEvaluator(cfg.EligibilityRules()),
		Messages:          membership.Messages{SiteName: cfg.SiteName, SiteOwner: cfg.SiteOwner},
		Induction:         checker,
		MinInductionScore: cfg.MinInductionScore,
		Logger:            logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create membership controller: %w", err)
	}

	a.gateway, err = billingstripe.NewGateway(billingstripe.GatewayConfig{
		APIKey:  cfg.StripeSecretKey,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe gateway: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL is not set, members are kept in memory")
		a.store = memory.New()
		return nil
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = a.cfg.DatabaseURL
	pgConfig.Logger = a.logger
	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to open postgres store: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

func (a *app) openClaimer(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.claimer = a.store
		return nil
	}

	claimer, err := redisstore.NewFromURL(a.cfg.RedisURL, redisstore.DefaultConfig())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, claimer.Close)
	if err := claimer.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.claimer = claimer
	return nil
}

func (a *app) openMessenger() error {
	if a.cfg.AMQPURL == "" {
		a.logger.Warn("AMQP_URL is not set, notifications are only logged")
		a.messenger = &notify.Log{Logger: a.logger}
		return nil
	}

	publisher, err := notify.Dial(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, publisher.Close)
	a.messenger = publisher
	return nil
}

func (a *app) newReconciler() (*billingstripe.Reconciler, error) {
	return billingstripe.NewReconciler(billingstripe.ReconcilerConfig{
		Gateway:    a.gateway,
		Store:      a.store,
		Controller: a.controller,
		Logger:     a.logger,
		Metrics:    a.metrics,
		Reporter:   a.reporter,
	})
}

// Ping checks the backing services that support it.
func (a *app) Ping(ctx context.Context) error {
	for _, dep := range []interface{}{a.store, a.claimer} {
		if p, ok := dep.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newInductionChecker returns the Canvas course client, or nil when no
// course is configured.
func newInductionChecker(cfg *config.Config) (billing.InductionChecker, error) {
	if !cfg.InductionEnabled() {
		return nil, nil
	}
	canvas, err := induction.NewCanvas(induction.Config{
		BaseURL:  cfg.CanvasAPIURL,
		Token:    cfg.CanvasAPIToken,
		CourseID: cfg.InductionCourseID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create induction checker: %w", err)
	}
	return canvas, nil
}
