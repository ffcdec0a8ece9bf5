// Package admin serves the operational API of the daemon over Connect:
// rebuilding projections, waiting for non-stale data, progress,
// statistics, dead letters, metrics and shard control. Messages are protobuf
// well-known types so no generated code is needed.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// ServiceName is the fully-qualified name of the admin service.
const ServiceName = "eventdaemon.admin.v1.AdminService"

const (
	RebuildProjectionProcedure   = "/" + ServiceName + "/RebuildProjection"
	WaitForNonStaleDataProcedure = "/" + ServiceName + "/WaitForNonStaleData"
	ProgressProcedure            = "/" + ServiceName + "/Progress"
	StatisticsProcedure          = "/" + ServiceName + "/Statistics"
	DeadLettersProcedure         = "/" + ServiceName + "/DeadLetters"
	DeleteDeadLetterProcedure    = "/" + ServiceName + "/DeleteDeadLetter"
	StartShardProcedure          = "/" + ServiceName + "/StartShard"
	StopShardProcedure           = "/" + ServiceName + "/StopShard"
	PauseShardProcedure          = "/" + ServiceName + "/PauseShard"
	ResumeShardProcedure         = "/" + ServiceName + "/ResumeShard"
	MetricsProcedure             = "/" + ServiceName + "/Metrics"
)

// readOnlyProcedures may be called with read-only tokens.
var readOnlyProcedures = map[string]bool{
	WaitForNonStaleDataProcedure: true,
	ProgressProcedure:            true,
	StatisticsProcedure:          true,
	DeadLettersProcedure:         true,
	MetricsProcedure:             true,
}

// ErrUnknownDatabase is returned for a database the coordinator does not run.
var ErrUnknownDatabase = errors.New("unknown database")

type serverConfig struct {
	logger       *slog.Logger
	interceptors []connect.Interceptor
	maxWait      time.Duration
	metrics      sdkmetric.Reader
}

// Option configures a Server.
type Option func(*serverConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInterceptors wraps every procedure; the first interceptor is the
// outermost.
func WithInterceptors(interceptors ...connect.Interceptor) Option {
	return func(c *serverConfig) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithMaxWait caps the timeout of WaitForNonStaleData.
func WithMaxWait(d time.Duration) Option {
	return func(c *serverConfig) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// WithMetricsReader serves the instruments collected by reader through the
// Metrics procedure. Without it Metrics is unimplemented.
func WithMetricsReader(reader sdkmetric.Reader) Option {
	return func(c *serverConfig) {
		c.metrics = reader
	}
}

// Server implements the admin procedures on top of a Coordinator.
type Server struct {
	coord  *daemon.Coordinator
	cfg    serverConfig
	logger *slog.Logger
}

func NewServer(coord *daemon.Coordinator, opts ...Option) *Server {
	cfg := serverConfig{logger: slog.Default(), maxWait: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{coord: coord, cfg: cfg, logger: cfg.logger.With("component", "admin")}
}

// Handler routes every procedure plus GET /healthz.
func (s *Server) Handler() http.Handler {
	opts := []connect.HandlerOption{connect.WithInterceptors(s.cfg.interceptors...)}
	mux := http.NewServeMux()

	mux.Handle(RebuildProjectionProcedure, connect.NewUnaryHandler(RebuildProjectionProcedure, s.rebuildProjection, opts...))
	mux.Handle(WaitForNonStaleDataProcedure, connect.NewUnaryHandler(WaitForNonStaleDataProcedure, s.waitForNonStaleData, opts...))
	mux.Handle(ProgressProcedure, connect.NewUnaryHandler(ProgressProcedure, s.progress, opts...))
	mux.Handle(StatisticsProcedure, connect.NewUnaryHandler(StatisticsProcedure, s.statistics, opts...))
	mux.Handle(DeadLettersProcedure, connect.NewUnaryHandler(DeadLettersProcedure, s.deadLetters, opts...))
	mux.Handle(DeleteDeadLetterProcedure, connect.NewUnaryHandler(DeleteDeadLetterProcedure, s.deleteDeadLetter, opts...))
	mux.Handle(StartShardProcedure, connect.NewUnaryHandler(StartShardProcedure, s.shardAction((*daemon.Daemon).StartShard), opts...))
	mux.Handle(StopShardProcedure, connect.NewUnaryHandler(StopShardProcedure, s.shardAction((*daemon.Daemon).StopShard), opts...))
	mux.Handle(PauseShardProcedure, connect.NewUnaryHandler(PauseShardProcedure, s.shardAction((*daemon.Daemon).PauseShard), opts...))
	mux.Handle(ResumeShardProcedure, connect.NewUnaryHandler(ResumeShardProcedure, s.shardAction((*daemon.Daemon).ResumeShard), opts...))
	mux.Handle(MetricsProcedure, connect.NewUnaryHandler(MetricsProcedure, s.metrics, opts...))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.coord.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *Server) rebuildProjection(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
	name := req.Msg.GetValue()
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("projection name is required"))
	}
	if err := s.coord.RebuildProjection(ctx, name); err != nil {
		return nil, toConnectError(err)
	}
	s.logger.InfoContext(ctx, "projection rebuilt", "projection", name)
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) waitForNonStaleData(ctx context.Context, req *connect.Request[durationpb.Duration]) (*connect.Response[emptypb.Empty], error) {
	if err := req.Msg.CheckValid(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	timeout := req.Msg.AsDuration()
	if timeout <= 0 || timeout > s.cfg.maxWait {
		timeout = s.cfg.maxWait
	}
	if err := s.coord.WaitForNonStaleData(ctx, timeout); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) progress(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	all, err := s.coord.Progress(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}

	report := ProgressReport{Databases: make(map[string][]ShardReport, len(all))}
	for database, shards := range all {
		reports := make([]ShardReport, 0, len(shards))
		for _, p := range shards {
			r := ShardReport{
				Database:      database,
				Shard:         p.ShardName,
				Projection:    p.Projection,
				Sequence:      p.Sequence,
				HighWaterMark: p.HighWaterMark,
				Lag:           p.Lag,
				Status:        p.Status.String(),
				LastUpdated:   p.LastUpdated,
			}
			if p.Err != nil {
				r.Error = p.Err.Error()
			}
			reports = append(reports, r)
		}
		report.Databases[database] = reports
	}
	return structResponse(report)
}

func (s *Server) statistics(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	var report StatisticsReport
	for _, d := range s.coord.Daemons() {
		db := d.Database()
		stats, err := db.FetchStatistics(ctx)
		if err != nil {
			return nil, toConnectError(fmt.Errorf("database %s: %w", d.Identifier(), err))
		}
		letters, err := db.DeadLetters(ctx, "", 0)
		if err != nil {
			return nil, toConnectError(fmt.Errorf("database %s: %w", d.Identifier(), err))
		}
		report.Databases = append(report.Databases, DatabaseStatistics{
			Database:        d.Identifier(),
			Events:          stats.EventCount,
			Streams:         stats.StreamCount,
			HighestSequence: stats.HighestSequence,
			HighWaterMark:   d.HighWater().Current().CurrentMark,
			Shards:          len(d.Agents()),
			DeadLetters:     len(letters),
		})
	}
	return structResponse(report)
}

func (s *Server) metrics(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	if s.cfg.metrics == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("metrics are not collected"))
	}
	points, err := observability.Collect(ctx, s.cfg.metrics)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(MetricsReport{Metrics: points})
}

func (s *Server) deadLetters(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var query DeadLetterQuery
	if err := fromStruct(req.Msg, &query); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	d, err := s.daemon(query.Database)
	if err != nil {
		return nil, err
	}

	shard := query.Shard
	if shard != "" {
		if agent, err := d.Agent(shard); err == nil {
			shard = agent.Name()
		}
	}
	letters, err := d.Database().DeadLetters(ctx, shard, query.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}

	report := DeadLetterReport{DeadLetters: make([]DeadLetterEntry, 0, len(letters))}
	for _, l := range letters {
		report.DeadLetters = append(report.DeadLetters, DeadLetterEntry{
			ID:        l.ID,
			Shard:     l.ShardName,
			Sequence:  l.Sequence,
			EventID:   l.EventID,
			EventType: l.EventType,
			StreamID:  l.StreamID,
			TenantID:  l.TenantID,
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		})
	}
	return structResponse(report)
}

func (s *Server) deleteDeadLetter(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	var ref DeadLetterRef
	if err := fromStruct(req.Msg, &ref); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if ref.ID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("dead letter id is required"))
	}
	d, err := s.daemon(ref.Database)
	if err != nil {
		return nil, err
	}
	if err := d.Database().DeleteDeadLetter(ctx, ref.ID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) shardAction(action func(*daemon.Daemon, context.Context, string) error) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
		var ref ShardRef
		if err := fromStruct(req.Msg, &ref); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		if ref.Shard == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("shard is required"))
		}
		d, err := s.daemon(ref.Database)
		if err != nil {
			return nil, err
		}
		if err := action(d, ctx, ref.Shard); err != nil {
			return nil, toConnectError(err)
		}
		s.logger.InfoContext(ctx, "shard action", "procedure", req.Spec().Procedure, "database", ref.Database, "shard", ref.Shard)
		return connect.NewResponse(&emptypb.Empty{}), nil
	}
}

// daemon resolves a database. An empty name selects the only database.
func (s *Server) daemon(database string) (*daemon.Daemon, error) {
	if database == "" {
		if daemons := s.coord.Daemons(); len(daemons) == 1 {
			return daemons[0], nil
		}
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("database is required"))
	}
	d, ok := s.coord.Daemon(database)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %s", ErrUnknownDatabase, database))
	}
	return d, nil
}

func structResponse(v any) (*connect.Response[structpb.Struct], error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(s), nil
}

// toConnectError maps daemon and store errors onto Connect codes.
func toConnectError(err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, daemon.ErrShardNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, ErrUnknownDatabase):
		code = connect.CodeNotFound
	case errors.Is(err, daemon.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, daemon.ErrAlreadyRunning):
		code = connect.CodeFailedPrecondition
	default:
		var shardErr *daemon.ShardError
		if errors.As(err, &shardErr) {
			code = connect.CodeAborted
		} else {
			code = connect.CodeInternal
		}
	}
	return connect.NewError(code, err)
}
