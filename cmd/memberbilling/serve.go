package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/membermatters/billing/pkg/api"
	"github.com/membermatters/billing/pkg/billing"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(load configLoader) *cobra.Command {
	var (
		memberHeader string
		seedFile     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API, webhook endpoint and reconciliation schedule",
		Long: `Start the HTTP server.

Routes:
  /api/billing/webhook   Stripe webhook deliveries (signature verified)
  /api/billing/...       member billing actions, member id taken from --member-header
  /metrics               Prometheus metrics
  /healthz               liveness and backing service check

Examples:
  memberbilling serve
  memberbilling serve --env-file deploy/.env --member-header X-Authenticated-Member
  memberbilling serve --seed catalog.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // shutdown path

			if seedFile != "" {
				if err := a.seedFromFile(ctx, seedFile); err != nil {
					return err
				}
			}
			return a.serve(ctx, memberHeader)
		},
	}

	cmd.Flags().StringVar(&memberHeader, "member-header", "X-Member-ID", "request header carrying the authenticated member id")
	cmd.Flags().StringVar(&seedFile, "seed", "", "load tiers, plans, doors and members from a YAML file before serving")
	return cmd
}

// router builds the HTTP routes. It is split from serve for tests.
func (a *app) router(memberHeader string) (http.Handler, error) {
	webhooks, err := billingstripe.NewWebhookProcessor(billingstripe.WebhookConfig{
		Secret:            a.cfg.StripeWebhookSecret,
		AllowUnsigned:     a.cfg.AllowUnsignedWebhooks,
		CreateInvoices:    a.cfg.CreateInvoices,
		Store:             a.store,
		Catalog:           a.store,
		Claimer:           a.claimer,
		Controller:        a.controller,
		Gateway:           a.gateway,
		Invoices:          a.messenger,
		Logger:            a.logger,
		Metrics:           a.metrics,
		Reporter:          a.reporter,
		RateLimitRequests: a.cfg.WebhookRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook processor: %w", err)
	}

	subscriptions, err := billingstripe.NewSubscriptionManager(billingstripe.SubscriptionConfig{
		Gateway: a.gateway,
		Store:   a.store,
		Catalog: a.store,
		Claimer: a.claimer,
		Audit:   a.store,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription manager: %w", err)
	}

	cards, err := billingstripe.NewCardService(billingstripe.CardConfig{
		Gateway:    a.gateway,
		Store:      a.store,
		Controller: a.controller,
		Audit:      a.store,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create card service: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Members:       a.controller,
		Subscriptions: subscriptions,
		Cards:         cards,
		Catalog:       a.store,
		GetMemberID:   api.FromHeader(memberHeader),
		Webhook:       webhooks.Handler(),
		Logger:        a.logger,
		Reporter:      a.reporter,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.zlog))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.With(middleware.Timeout(a.cfg.RequestTimeout)).Mount("/api/billing", handler.Routes())
	return r, nil
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", billing.F("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// serve runs the HTTP server and the reconciliation schedule until ctx is
// cancelled or one of them fails.
func (a *app) serve(ctx context.Context, memberHeader string) error {
	handler, err := a.router(memberHeader)
	if err != nil {
		return err
	}
	reconciler, err := a.newReconciler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", billing.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.ReconcileSchedule != "" {
		scheduler := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(&a.zlog))))
		if _, err := scheduler.AddFunc(a.cfg.ReconcileSchedule, func() {
			a.reconcileAll(gCtx, reconciler)
		}); err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
		scheduler.Start()
		a.logger.Info("scheduled reconciliation", billing.F("schedule", a.cfg.ReconcileSchedule))

		g.Go(func() error {
			<-gCtx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}
