package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/nats-io/nats.go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	_ "gocloud.dev/blob/fileblob"        // file:// credential and archive buckets
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keepers

	"github.com/plaenen/eventdaemon/examples/ledger"
	"github.com/plaenen/eventdaemon/pkg/admin"
	"github.com/plaenen/eventdaemon/pkg/config"
	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/domain"
	natsbridge "github.com/plaenen/eventdaemon/pkg/nats"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/runner"
	"github.com/plaenen/eventdaemon/pkg/security/credentials"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

func runDaemon(ctx context.Context, args []string, stderr io.Writer) error {
	fs := newFlagSet("run", stderr)
	configPath := fs.String("config", "", "configuration file (YAML, TOML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(stderr)
	slog.SetDefault(logger)

	registry, err := ledger.Projections()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	return runner.New(a.services,
		runner.WithLogger(logger),
		runner.WithStartupTimeout(cfg.Daemon.StartupTimeout),
		runner.WithShutdownTimeout(cfg.Daemon.ShutdownTimeout),
		runner.WithSignals(),
	).Run(ctx)
}

// app is the wired process: stores, daemons and the services the runner
// starts in order.
type app struct {
	logger      *slog.Logger
	telemetry   *observability.Telemetry
	metrics     *sdkmetric.ManualReader
	stores      []*sqlite.EventStore
	coordinator *daemon.Coordinator
	embedded    *natsbridge.EmbeddedServer
	creds       credentials.Provider
	conn        *nats.Conn
	adminHTTP   *admin.HTTPService
	services    []runner.Service
}

func newApp(ctx context.Context, cfg config.Config, registry *projection.Registry, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	a.metrics = sdkmetric.NewManualReader()
	a.telemetry, err = observability.Init(ctx, observability.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		Environment:     cfg.Telemetry.Environment,
		TraceSampleRate: cfg.Telemetry.SampleRate,
		MetricReader:    a.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	daemons := make([]*daemon.Daemon, 0, len(cfg.Databases))
	for _, dbCfg := range cfg.Databases {
		es, err := openStore(dbCfg, logger)
		if err != nil {
			return nil, err
		}
		a.stores = append(a.stores, es)
		daemons = append(daemons, daemon.New(es, registry, daemonOptions(cfg.Daemon, a.telemetry, logger)...))
	}
	a.coordinator, err = daemon.NewCoordinator(daemons...)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.Enabled {
		if err := a.connectNATS(ctx, cfg.NATS); err != nil {
			return nil, err
		}
	}

	a.services = append(a.services, a.coordinator)
	if a.conn != nil {
		bridgeOpts := []natsbridge.Option{
			natsbridge.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			natsbridge.WithLogger(logger),
			natsbridge.WithMetrics(a.telemetry.Metrics),
		}
		for i, d := range daemons {
			a.services = append(a.services,
				natsbridge.NewProgressPublisher(a.conn, d.Identifier(), d.Tracker(), bridgeOpts...),
				natsbridge.NewAppendSignal(a.conn, d.Identifier(), a.stores[i], bridgeOpts...),
				natsbridge.NewAppendListener(a.conn, d.Identifier(), d.HighWater(), bridgeOpts...),
			)
		}
	}

	if cfg.Admin.Enabled {
		a.adminHTTP = admin.NewHTTPService(cfg.Admin.Addr, newAdminServer(cfg.Admin, a.coordinator, a.telemetry, a.metrics, logger).Handler(), logger)
		a.services = append(a.services, a.adminHTTP)
	}
	return a, nil
}

func openStore(cfg config.DatabaseConfig, logger *slog.Logger) (*sqlite.EventStore, error) {
	identity := domain.AsGuid
	if cfg.StreamIdentity == "string" {
		identity = domain.AsString
	}
	es, err := sqlite.NewEventStore(
		sqlite.WithDSN(cfg.Path),
		sqlite.WithIdentifier(cfg.Identifier),
		sqlite.WithWALMode(cfg.WAL),
		sqlite.WithBusyTimeout(cfg.BusyTimeout),
		sqlite.WithStreamIdentity(identity),
		sqlite.WithLogger(logger.With("database", cfg.Identifier)),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Identifier, err)
	}
	return es, nil
}

func daemonOptions(cfg config.DaemonConfig, tel *observability.Telemetry, logger *slog.Logger) []daemon.Option {
	return []daemon.Option{
		daemon.WithBatchSize(cfg.BatchSize),
		daemon.WithPollInterval(cfg.PollInterval),
		daemon.WithStaleSequenceThreshold(cfg.StaleThreshold),
		daemon.WithHighWaterWindow(cfg.HighWaterWindow),
		daemon.WithRetryLimit(cfg.RetryLimit),
		daemon.WithRetryBackoff(cfg.RetryBackoff),
		daemon.WithSkipApplyErrors(cfg.SkipApplyErrors),
		daemon.WithDeadLetterUnresolved(cfg.DeadLetterUnresolved),
		daemon.WithLogger(logger),
		daemon.WithTelemetry(tel),
	}
}

func (a *app) connectNATS(ctx context.Context, cfg config.NATSConfig) error {
	url := cfg.URL
	if cfg.Embedded {
		srv, err := natsbridge.StartEmbeddedServer()
		if err != nil {
			return err
		}
		a.embedded = srv
		url = srv.URL()
		a.logger.Info("embedded NATS server started", "url", url)
	}

	provider, err := credentialsProvider(ctx, cfg.Credentials)
	if err != nil {
		return err
	}
	a.creds = provider

	connCfg := natsbridge.DefaultConnConfig()
	connCfg.URL = url
	connCfg.Name = cfg.Name
	connCfg.Credentials = provider
	connCfg.Logger = a.logger
	a.conn, err = natsbridge.Connect(ctx, connCfg)
	return err
}

// credentialsProvider prefers sealed credentials in blob storage over the
// environment. It returns nil for anonymous connections.
func credentialsProvider(ctx context.Context, cfg config.CredentialsConfig) (credentials.Provider, error) {
	switch {
	case cfg.KeeperURL != "":
		return credentials.OpenSecretProvider(ctx, cfg.KeeperURL, cfg.BucketURL, cfg.Key)
	case cfg.EnvPrefix != "":
		return credentials.NewEnvProvider(cfg.EnvPrefix), nil
	default:
		return nil, nil
	}
}

func newAdminServer(cfg config.AdminConfig, coord *daemon.Coordinator, tel *observability.Telemetry, metrics *sdkmetric.ManualReader, logger *slog.Logger) *admin.Server {
	interceptors := []connect.Interceptor{
		admin.NewRecoveryInterceptor(logger),
		admin.NewTracingInterceptor(tel.Tracer()),
		admin.NewLoggingInterceptor(logger),
	}
	if len(cfg.Tokens) > 0 {
		tokens := make([]admin.Token, 0, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokens = append(tokens, admin.Token{Name: t.Name, Hash: t.Hash, ReadOnly: t.ReadOnly})
		}
		interceptors = append(interceptors, admin.NewTokenInterceptor(tokens...))
	} else {
		logger.Warn("admin API has no tokens configured; requests are not authenticated")
	}
	return admin.NewServer(coord,
		admin.WithLogger(logger),
		admin.WithMaxWait(cfg.MaxWait),
		admin.WithMetricsReader(metrics),
		admin.WithInterceptors(interceptors...))
}

// close releases what newApp opened. Services are stopped by the runner.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.conn != nil {
		a.conn.Close()
	}
	if a.creds != nil {
		errs = append(errs, a.creds.Close())
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	for _, es := range a.stores {
		errs = append(errs, es.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
