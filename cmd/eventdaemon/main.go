// eventdaemon runs async projections over one or more SQLite event stores
// and administers running daemons through the admin API.
//
// Usage:
//
//	eventdaemon run [-config file]
//	eventdaemon rebuild [-addr url] [-token t] <projection>
//	eventdaemon wait [-addr url] [-token t] [-timeout d]
//	eventdaemon stats [-addr url] [-token t] [-shards] [-lang tag]
//	eventdaemon dead-letters [-addr url] [-token t] [-database id] [-shard name] [-delete id]
//	eventdaemon export-dead-letters [-config file] [-bucket url] [-shard name] [-purge]
//	eventdaemon hash-token [-generate] [-cost n] [token]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

var errUsage = errors.New("usage")

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "eventdaemon:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runDaemon(ctx, rest, stderr)
	case "rebuild":
		return rebuildCommand(ctx, rest, stdout, stderr)
	case "wait":
		return waitCommand(ctx, rest, stdout, stderr)
	case "stats":
		return statsCommand(ctx, rest, stdout, stderr)
	case "dead-letters":
		return deadLettersCommand(ctx, rest, stdout, stderr)
	case "export-dead-letters":
		return exportCommand(ctx, rest, stdout, stderr)
	case "hash-token":
		return hashTokenCommand(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: eventdaemon <command> [flags]

Commands:
  run                  run the projection daemons of the configured databases
  rebuild              rebuild a projection on a running daemon
  wait                 wait until every shard caught up with the high-water mark
  stats                print database and shard statistics
  dead-letters         list or delete dead letters
  export-dead-letters  archive dead letters to blob storage
  hash-token           hash an admin token for the configuration

Run 'eventdaemon <command> -h' for the flags of a command.
`)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
