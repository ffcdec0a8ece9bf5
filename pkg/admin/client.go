package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type clientConfig struct {
	httpClient connect.HTTPClient
	options    []connect.ClientOption
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithToken authenticates every call with a bearer token.
func WithToken(token string) ClientOption {
	return func(c *clientConfig) {
		if token != "" {
			c.options = append(c.options, connect.WithInterceptors(withBearerToken(token)))
		}
	}
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(httpClient connect.HTTPClient) ClientOption {
	return func(c *clientConfig) { c.httpClient = httpClient }
}

// WithJSON uses the Connect JSON codec instead of binary protobuf.
func WithJSON() ClientOption {
	return func(c *clientConfig) { c.options = append(c.options, connect.WithProtoJSON()) }
}

// Client calls the admin API of a running daemon.
type Client struct {
	rebuild      *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	wait         *connect.Client[durationpb.Duration, emptypb.Empty]
	progress     *connect.Client[emptypb.Empty, structpb.Struct]
	statistics   *connect.Client[emptypb.Empty, structpb.Struct]
	deadLetters  *connect.Client[structpb.Struct, structpb.Struct]
	deleteLetter *connect.Client[structpb.Struct, emptypb.Empty]
	startShard   *connect.Client[structpb.Struct, emptypb.Empty]
	stopShard    *connect.Client[structpb.Struct, emptypb.Empty]
	pauseShard   *connect.Client[structpb.Struct, emptypb.Empty]
	resumeShard  *connect.Client[structpb.Struct, emptypb.Empty]
	metrics      *connect.Client[emptypb.Empty, structpb.Struct]
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:8089".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	cfg := clientConfig{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&cfg)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	hc, o := cfg.httpClient, cfg.options

	return &Client{
		rebuild:      connect.NewClient[wrapperspb.StringValue, emptypb.Empty](hc, baseURL+RebuildProjectionProcedure, o...),
		wait:         connect.NewClient[durationpb.Duration, emptypb.Empty](hc, baseURL+WaitForNonStaleDataProcedure, o...),
		progress:     connect.NewClient[emptypb.Empty, structpb.Struct](hc, baseURL+ProgressProcedure, o...),
		statistics:   connect.NewClient[emptypb.Empty, structpb.Struct](hc, baseURL+StatisticsProcedure, o...),
		deadLetters:  connect.NewClient[structpb.Struct, structpb.Struct](hc, baseURL+DeadLettersProcedure, o...),
		deleteLetter: connect.NewClient[structpb.Struct, emptypb.Empty](hc, baseURL+DeleteDeadLetterProcedure, o...),
		startShard:   connect.NewClient[structpb.Struct, emptypb.Empty](hc, baseURL+StartShardProcedure, o...),
		stopShard:    connect.NewClient[structpb.Struct, emptypb.Empty](hc, baseURL+StopShardProcedure, o...),
		pauseShard:   connect.NewClient[structpb.Struct, emptypb.Empty](hc, baseURL+PauseShardProcedure, o...),
		resumeShard:  connect.NewClient[structpb.Struct, emptypb.Empty](hc, baseURL+ResumeShardProcedure, o...),
		metrics:      connect.NewClient[emptypb.Empty, structpb.Struct](hc, baseURL+MetricsProcedure, o...),
	}
}

// RebuildProjection rebuilds a projection in every database.
func (c *Client) RebuildProjection(ctx context.Context, projection string) error {
	_, err := c.rebuild.CallUnary(ctx, connect.NewRequest(wrapperspb.String(projection)))
	return err
}

// WaitForNonStaleData waits until every shard caught up. The server caps
// the timeout.
func (c *Client) WaitForNonStaleData(ctx context.Context, timeout time.Duration) error {
	_, err := c.wait.CallUnary(ctx, connect.NewRequest(durationpb.New(timeout)))
	return err
}

func (c *Client) Progress(ctx context.Context) (ProgressReport, error) {
	var report ProgressReport
	res, err := c.progress.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return report, err
	}
	return report, fromStruct(res.Msg, &report)
}

func (c *Client) Metrics(ctx context.Context) (MetricsReport, error) {
	var report MetricsReport
	res, err := c.metrics.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return report, err
	}
	return report, fromStruct(res.Msg, &report)
}

func (c *Client) Statistics(ctx context.Context) (StatisticsReport, error) {
	var report StatisticsReport
	res, err := c.statistics.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return report, err
	}
	return report, fromStruct(res.Msg, &report)
}

func (c *Client) DeadLetters(ctx context.Context, query DeadLetterQuery) ([]DeadLetterEntry, error) {
	req, err := toStruct(query)
	if err != nil {
		return nil, err
	}
	res, err := c.deadLetters.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	var report DeadLetterReport
	if err := fromStruct(res.Msg, &report); err != nil {
		return nil, err
	}
	return report.DeadLetters, nil
}

func (c *Client) DeleteDeadLetter(ctx context.Context, ref DeadLetterRef) error {
	return callWith(ctx, c.deleteLetter, ref)
}

func (c *Client) StartShard(ctx context.Context, ref ShardRef) error {
	return callWith(ctx, c.startShard, ref)
}

func (c *Client) StopShard(ctx context.Context, ref ShardRef) error {
	return callWith(ctx, c.stopShard, ref)
}

func (c *Client) PauseShard(ctx context.Context, ref ShardRef) error {
	return callWith(ctx, c.pauseShard, ref)
}

func (c *Client) ResumeShard(ctx context.Context, ref ShardRef) error {
	return callWith(ctx, c.resumeShard, ref)
}

func callWith(ctx context.Context, client *connect.Client[structpb.Struct, emptypb.Empty], v any) error {
	req, err := toStruct(v)
	if err != nil {
		return err
	}
	_, err = client.CallUnary(ctx, connect.NewRequest(req))
	return err
}
