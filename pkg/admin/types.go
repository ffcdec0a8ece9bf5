package admin

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plaenen/eventdaemon/pkg/observability"
)

// ShardReport is the progress of one shard.
type ShardReport struct {
	Database      string    `json:"database"`
	Shard         string    `json:"shard"`
	Projection    string    `json:"projection"`
	Sequence      int64     `json:"sequence"`
	HighWaterMark int64     `json:"high_water_mark"`
	Lag           int64     `json:"lag"`
	Status        string    `json:"status"`
	LastUpdated   time.Time `json:"last_updated"`
	Error         string    `json:"error,omitempty"`
}

// ProgressReport holds the shards of every database.
type ProgressReport struct {
	Databases map[string][]ShardReport `json:"databases"`
}

// DatabaseStatistics summarizes one database.
type DatabaseStatistics struct {
	Database        string `json:"database"`
	Events          int64  `json:"events"`
	Streams         int64  `json:"streams"`
	HighestSequence int64  `json:"highest_sequence"`
	HighWaterMark   int64  `json:"high_water_mark"`
	Shards          int    `json:"shards"`
	DeadLetters     int    `json:"dead_letters"`
}

type StatisticsReport struct {
	Databases []DatabaseStatistics `json:"databases"`
}

// MetricsReport is a snapshot of the daemon instruments.
type MetricsReport struct {
	Metrics []observability.MetricPoint `json:"metrics"`
}

// ShardRef addresses a shard, by shard or projection name.
type ShardRef struct {
	Database string `json:"database"`
	Shard    string `json:"shard"`
}

// DeadLetterQuery lists dead letters of a database. An empty shard lists
// all shards; a limit <= 0 lists all.
type DeadLetterQuery struct {
	Database string `json:"database"`
	Shard    string `json:"shard,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Shard     string    `json:"shard"`
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	StreamID  string    `json:"stream_id"`
	TenantID  string    `json:"tenant_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type DeadLetterReport struct {
	DeadLetters []DeadLetterEntry `json:"dead_letters"`
}

// DeadLetterRef addresses one dead letter.
type DeadLetterRef struct {
	Database string `json:"database"`
	ID       string `json:"id"`
}

// toStruct carries v over the wire as a google.protobuf.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
