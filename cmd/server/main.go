package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billingest/migrations"
	"github.com/dmitrymomot/billingest/pkg/config"
	"github.com/dmitrymomot/billingest/pkg/httpserver"
	"github.com/dmitrymomot/billingest/pkg/logger"
	"github.com/dmitrymomot/billingest/pkg/pg"
	"github.com/dmitrymomot/billingest/pkg/requestid"
	"github.com/dmitrymomot/billingest/svc/billing"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_NAME" envDefault:"billingest"`
}

func main() {
	var (
		appCfg     appConfig
		pgCfg      pg.Config
		httpCfg    httpserver.Config
		billingCfg billing.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&billingCfg)

	log := logger.New(
		logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	ctx := context.Background()

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to postgres", logger.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, migrations.FS, pgCfg, log); err != nil {
		log.ErrorContext(ctx, "failed to apply migrations", logger.Error(err))
		os.Exit(1)
	}

	store := billing.NewPGStore(pool)
	dispatcher := billing.NewDispatcher(
		billing.NewLifecycleEngine(time.Duration(billingCfg.GracePeriodDays)*24*time.Hour),
		billing.NewRevenueRecorder(),
		billing.NewQuarantineSink(log),
		log,
	)
	svc := billing.NewService(store, dispatcher, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestid.Middleware)
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log, pg.Healthcheck(pool)))
	r.Mount("/webhooks/billing", billing.Router(svc, billingCfg, log))

	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("billing webhook server listening", slog.String("addr", httpCfg.Addr))
		}),
		httpserver.WithStopHook(func(l *slog.Logger) {
			l.Info("billing webhook server stopped")
		}),
	)

	if err := srv.Run(ctx, r); err != nil {
		log.ErrorContext(ctx, "server exited with error", logger.Error(err))
		os.Exit(1)
	}
}
