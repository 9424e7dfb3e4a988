// Command regflow-server runs the registration API.
//
// Configuration comes from REGFLOW_* environment variables, optionally seeded
// from a .env file (see -env).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/internal/config"
	"github.com/MrEthical07/regflow/internal/httpapi"
	"github.com/MrEthical07/regflow/internal/telemetry"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/MrEthical07/regflow/ledger/dynamostore"
	"github.com/MrEthical07/regflow/ledger/sqlstore"
	otelexport "github.com/MrEthical07/regflow/metrics/export/otel"
	promexport "github.com/MrEthical07/regflow/metrics/export/prometheus"
	"github.com/MrEthical07/regflow/notify"
	"github.com/MrEthical07/regflow/payment/razorpay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogConsole)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("regflow-server stopped")
	}
}

func run(ctx context.Context, cfg config.Server, logger zerolog.Logger) error {
	tp, shutdownTracing, err := telemetry.Setup(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	gateway, err := razorpay.New(razorpay.Config{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
		BaseURL:       cfg.Razorpay.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("razorpay: %w", err)
	}

	sender, notifier, err := buildNotifiers(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine, err := regflow.New().
		WithConfig(cfg.Engine()).
		WithRedis(rdb).
		WithLedger(store).
		WithGateway(gateway).
		WithCodeSender(sender).
		WithNotifier(notifier).
		WithAuditSink(regflow.NewZerologSink(logger.With().Str("component", "audit").Logger())).
		WithLogger(logger).
		WithTracerProvider(tp).
		Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(flushCtx); err != nil {
			logger.Warn().Err(err).Uint64("audit_dropped", engine.AuditDropped()).Msg("audit flush incomplete")
		}
	}()

	report := engine.SecurityReport()
	logger.Info().
		Bool("tickets", report.TicketsEnabled).
		Str("signing", report.SigningAlgorithm).
		Int("max_attempts", report.MaxAttempts).
		Dur("cooldown", report.Cooldown).
		Bool("rate_limiting", report.RateLimitingActive).
		Strs("soft_limits", report.SoftLimits).
		Bool("audit", report.AuditEnabled).
		Msg("security posture")

	// Exports through whichever meter provider the host process installed.
	otelMetrics, err := otelexport.NewOTelExporter(otel.GetMeterProvider().Meter("github.com/MrEthical07/regflow"), engine)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	defer otelMetrics.Close()

	router := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		FloodRPS:       cfg.FloodRPS,
		FloodBurst:     cfg.FloodBurst,
	}, engine, logger, promexport.NewPrometheusExporter(engine).Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("ledger", cfg.Ledger.Driver).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type closingStore interface {
	ledger.Store
	Close() error
}

func openLedger(ctx context.Context, cfg config.Server) (closingStore, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerSQLite:
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, cfg.Ledger.DSN)
	case config.LedgerPostgres:
		return sqlstore.Open(ctx, sqlstore.DriverPostgres, cfg.Ledger.DSN)
	case config.LedgerDynamoDB:
		client, err := dynamostore.NewClient(ctx, awsClientConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("dynamodb client: %w", err)
		}
		if err := dynamostore.EnsureTable(ctx, client, cfg.Ledger.Table); err != nil {
			return nil, fmt.Errorf("dynamodb table: %w", err)
		}
		return dynamostore.New(client, cfg.Ledger.Table), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}
}

func awsClientConfig(cfg config.Server) dynamostore.ClientConfig {
	return dynamostore.ClientConfig{
		Region:          cfg.AWS.Region,
		EndpointURL:     cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	}
}

// buildNotifiers picks SMTP when configured and otherwise logs codes, which
// is only suitable for development.
func buildNotifiers(ctx context.Context, cfg config.Server, logger zerolog.Logger) (regflow.CodeSender, regflow.RegistrationNotifier, error) {
	var (
		sender    regflow.CodeSender
		notifiers notify.Notifiers
	)
	if cfg.SMTP.Host != "" {
		mailer := notify.NewMailer(notify.MailerConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
		sender = mailer
		notifiers = append(notifiers, mailer)
	} else {
		logSender := notify.NewLogSender(logger.With().Str("component", "notify").Logger())
		logger.Warn().Msg("REGFLOW_SMTP_HOST not set; verification codes are written to the log")
		sender = logSender
		notifiers = append(notifiers, logSender)
	}

	if cfg.SNSTopicARN != "" {
		awsCfg, err := dynamostore.LoadAWSConfig(ctx, awsClientConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		notifiers = append(notifiers, notify.NewSNSNotifierFromConfig(awsCfg, cfg.SNSTopicARN))
	}
	return sender, notifiers, nil
}
