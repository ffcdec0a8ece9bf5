package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/plaenen/eventdaemon/pkg/archive"
	"github.com/plaenen/eventdaemon/pkg/config"
)

// exportCommand archives dead letters straight from the configured
// databases; it does not need a running daemon.
func exportCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export-dead-letters", stderr)
	configPath := fs.String("config", "", "configuration file (YAML, TOML or JSON)")
	bucketURL := fs.String("bucket", "", "bucket URL; defaults to archive.bucket_url")
	database := fs.String("database", "", "only export this database")
	shard := fs.String("shard", "", "only export this shard")
	purge := fs.Bool("purge", false, "delete exported dead letters")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(stderr)

	url := *bucketURL
	if url == "" {
		url = cfg.Archive.BucketURL
	}
	if url == "" {
		return errors.New("no archive bucket; set -bucket or archive.bucket_url")
	}

	bucket, err := archive.OpenBucket(ctx, url)
	if err != nil {
		return err
	}
	defer bucket.Close()

	exporter := archive.NewExporter(bucket,
		archive.WithPrefix(cfg.Archive.Prefix),
		archive.WithPurge(*purge),
		archive.WithLogger(logger))

	exported := 0
	for _, dbCfg := range cfg.Databases {
		if *database != "" && dbCfg.Identifier != *database {
			continue
		}
		es, err := openStore(dbCfg, logger)
		if err != nil {
			return err
		}
		result, err := exporter.Export(ctx, es, *shard)
		closeErr := es.Close()
		if err != nil {
			return fmt.Errorf("exporting %s: %w", dbCfg.Identifier, err)
		}
		if closeErr != nil {
			return closeErr
		}
		exported++
		if result.Count == 0 {
			fmt.Fprintf(stdout, "%s: no dead letters\n", dbCfg.Identifier)
			continue
		}
		fmt.Fprintf(stdout, "%s: %d dead letters -> %s (purged %d)\n", dbCfg.Identifier, result.Count, result.Key, result.Purged)
	}
	if exported == 0 {
		return fmt.Errorf("unknown database %q", *database)
	}
	return nil
}
