// Package archive exports dead letters to blob storage (S3, GCS, Azure,
// local files or memory via gocloud.dev/blob) as JSON lines, optionally
// purging them from the database afterwards.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets

	"github.com/plaenen/eventdaemon/pkg/idgen"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// DefaultPrefix is the key prefix of exported files.
const DefaultPrefix = "deadletters"

// Record is one line of an export file.
type Record struct {
	ID        string    `json:"id"`
	Database  string    `json:"database"`
	Shard     string    `json:"shard"`
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	StreamID  string    `json:"stream_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Result describes one export.
type Result struct {
	Key    string
	Count  int
	Purged int
}

type exporterConfig struct {
	prefix string
	purge  bool
	logger *slog.Logger
}

// Option configures an Exporter.
type Option func(*exporterConfig)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *exporterConfig) { c.prefix = prefix }
}

// WithPurge deletes exported dead letters once the file is written.
func WithPurge(purge bool) Option {
	return func(c *exporterConfig) { c.purge = purge }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *exporterConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Exporter writes dead letters into a bucket.
type Exporter struct {
	bucket *blob.Bucket
	cfg    exporterConfig
}

// OpenBucket opens a bucket by URL, e.g. "file:///var/lib/eventdaemon/archive".
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening archive bucket: %w", err)
	}
	return bucket, nil
}

func NewExporter(bucket *blob.Bucket, opts ...Option) *Exporter {
	cfg := exporterConfig{prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Exporter{bucket: bucket, cfg: cfg}
}

// Source is the part of store.Database an export reads and purges.
type Source interface {
	store.DeadLetterStore
	Identifier() string
}

// Export writes the dead letters of shard (all shards when empty) to
// <prefix>/<database>/<time>-<id>.jsonl. Nothing is written when there
// are no dead letters.
func (e *Exporter) Export(ctx context.Context, db Source, shard string) (Result, error) {
	letters, err := db.DeadLetters(ctx, shard, 0)
	if err != nil {
		return Result{}, fmt.Errorf("listing dead letters: %w", err)
	}
	if len(letters) == 0 {
		return Result{}, nil
	}

	id, err := idgen.NewSortableID()
	if err != nil {
		return Result{}, err
	}
	key := path.Join(e.cfg.prefix, db.Identifier(), time.Now().UTC().Format("20060102T150405Z")+"-"+id+".jsonl")

	w, err := e.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return Result{}, fmt.Errorf("creating %s: %w", key, err)
	}

	enc := json.NewEncoder(w)
	for _, l := range letters {
		if err := enc.Encode(Record{
			ID:        l.ID,
			Database:  db.Identifier(),
			Shard:     l.ShardName,
			Sequence:  l.Sequence,
			EventID:   l.EventID,
			EventType: l.EventType,
			StreamID:  l.StreamID,
			TenantID:  l.TenantID,
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		}); err != nil {
			// Closing after a failed write discards the object.
			return Result{}, errors.Join(fmt.Errorf("writing %s: %w", key, err), w.Close())
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", key, err)
	}

	result := Result{Key: key, Count: len(letters)}
	if e.cfg.purge {
		for _, l := range letters {
			if err := db.DeleteDeadLetter(ctx, l.ID); err != nil {
				return result, fmt.Errorf("purging dead letter %s: %w", l.ID, err)
			}
			result.Purged++
		}
	}

	e.cfg.logger.Info("dead letters exported",
		"database", db.Identifier(),
		"shard", shard,
		"key", key,
		"count", result.Count,
		"purged", result.Purged)
	return result, nil
}

// Read decodes an export file.
func (e *Exporter) Read(ctx context.Context, key string) ([]Record, error) {
	r, err := e.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	defer r.Close()
	return decode(r)
}

func decode(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decoding record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// List returns the export keys of database, oldest first.
func (e *Exporter) List(ctx context.Context, database string) ([]string, error) {
	iter := e.bucket.List(&blob.ListOptions{Prefix: path.Join(e.cfg.prefix, database) + "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing exports: %w", err)
		}
		keys = append(keys, obj.Key)
	}
}
