package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/plaenen/eventdaemon/pkg/admin"
)

type clientFlags struct {
	addr  string
	token string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.addr, "addr", envOr("EVENTDAEMON_ADMIN_URL", "http://127.0.0.1:7420"), "admin API base URL")
	fs.StringVar(&c.token, "token", os.Getenv("EVENTDAEMON_ADMIN_TOKEN"), "admin API bearer token")
}

func (c *clientFlags) client() *admin.Client {
	var opts []admin.ClientOption
	if c.token != "" {
		opts = append(opts, admin.WithToken(c.token))
	}
	return admin.NewClient(c.addr, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rebuildCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("rebuild", stderr)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: eventdaemon rebuild [flags] <projection>")
		return errUsage
	}

	name := fs.Arg(0)
	started := time.Now()
	if err := cf.client().RebuildProjection(ctx, name); err != nil {
		return fmt.Errorf("rebuilding %s: %w", name, err)
	}
	fmt.Fprintf(stdout, "rebuilt %s in %s\n", name, time.Since(started).Round(time.Millisecond))
	return nil
}

func waitCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("wait", stderr)
	var cf clientFlags
	cf.register(fs)
	timeout := fs.Duration("timeout", time.Minute, "maximum time to wait")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := cf.client().WaitForNonStaleData(ctx, *timeout); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "all shards caught up")
	return nil
}

func statsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("stats", stderr)
	var cf clientFlags
	cf.register(fs)
	shards := fs.Bool("shards", false, "also print the progress of every shard")
	metrics := fs.Bool("metrics", false, "also print the daemon instruments")
	lang := fs.String("lang", "en", "language tag used to format numbers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tag, err := language.Parse(*lang)
	if err != nil {
		return fmt.Errorf("invalid -lang: %w", err)
	}

	client := cf.client()
	stats, err := client.Statistics(ctx)
	if err != nil {
		return err
	}
	p := message.NewPrinter(tag)
	printStatistics(stdout, p, stats)

	if *shards {
		progress, err := client.Progress(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		printProgress(stdout, p, progress)
	}
	if *metrics {
		report, err := client.Metrics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		printMetrics(stdout, p, report)
	}
	return nil
}

func printStatistics(w io.Writer, p *message.Printer, report admin.StatisticsReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "DATABASE\tEVENTS\tSTREAMS\tHIGHEST\tHIGH-WATER\tSHARDS\tDEAD LETTERS\t")
	for _, db := range report.Databases {
		p.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			db.Database, db.Events, db.Streams, db.HighestSequence, db.HighWaterMark, db.Shards, db.DeadLetters)
	}
	tw.Flush()
}

func printProgress(w io.Writer, p *message.Printer, report admin.ProgressReport) {
	databases := make([]string, 0, len(report.Databases))
	for db := range report.Databases {
		databases = append(databases, db)
	}
	slices.Sort(databases)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATABASE\tSHARD\tSTATUS\tSEQUENCE\tLAG\tERROR")
	for _, db := range databases {
		for _, s := range report.Databases[db] {
			p.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", db, s.Shard, s.Status, s.Sequence, s.Lag, s.Error)
		}
	}
	tw.Flush()
}

func printMetrics(w io.Writer, p *message.Printer, report admin.MetricsReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tATTRIBUTES\tVALUE\tCOUNT")
	for _, m := range report.Metrics {
		keys := make([]string, 0, len(m.Attributes))
		for k := range m.Attributes {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		attrs := make([]string, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, k+"="+m.Attributes[k])
		}
		p.Fprintf(tw, "%s\t%s\t%v\t%d\n", m.Name, strings.Join(attrs, ","), m.Value, m.Count)
	}
	tw.Flush()
}

func deadLettersCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("dead-letters", stderr)
	var cf clientFlags
	cf.register(fs)
	database := fs.String("database", "", "database identifier; empty selects the only database")
	shard := fs.String("shard", "", "shard or projection name; empty lists every shard")
	limit := fs.Int("limit", 100, "maximum number of dead letters to list")
	remove := fs.String("delete", "", "delete the dead letter with this id instead of listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := cf.client()
	if *remove != "" {
		if err := client.DeleteDeadLetter(ctx, admin.DeadLetterRef{Database: *database, ID: *remove}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", *remove)
		return nil
	}

	letters, err := client.DeadLetters(ctx, admin.DeadLetterQuery{Database: *database, Shard: *shard, Limit: *limit})
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Fprintln(stdout, "no dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSHARD\tSEQUENCE\tEVENT TYPE\tMESSAGE")
	for _, l := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", l.ID, l.Shard, l.Sequence, l.EventType, l.Message)
	}
	return tw.Flush()
}
