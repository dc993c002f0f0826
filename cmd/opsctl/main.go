package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/opsdash/cmd/opsctl/cli"
	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
	"github.com/odyssey-erp/opsdash/internal/app"
	jobmetrics "github.com/odyssey-erp/opsdash/internal/jobs"
	"github.com/odyssey-erp/opsdash/internal/pipeline"
	"github.com/odyssey-erp/opsdash/internal/platform/cache"
	"github.com/odyssey-erp/opsdash/internal/platform/db"
	"github.com/odyssey-erp/opsdash/internal/rules"
	"github.com/odyssey-erp/opsdash/internal/shared"
	"github.com/odyssey-erp/opsdash/jobs"
)

const usage = `usage: opsctl <command> [flags]

commands:
  seed     -f rules.yaml     upsert a permission rule matrix
  check                      validate stored permission rules
  enqueue  integrity|bump    enqueue a rules job
  queue                      show default queue stats
  move     --id --stage      move a deal through the API
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "seed":
		opts, err := cli.ParseSeedFlags(rest)
		if err != nil {
			return flagError(stderr, err)
		}
		opts.Stdout, opts.Stderr = stdout, stderr
		return withConfig(ctx, stderr, func(cfg *app.Config, logger *slog.Logger) int {
			pool, err := db.New(ctx, db.PoolSettings{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
				return 1
			}
			defer pool.Close()
			svc := rules.NewService(rules.NewPGRepository(pool), access.NewEvaluator(logger, nil), logger)
			svc.SetAuditor(shared.NewAuditLogger(pool))
			svc.SetBulkConcurrency(cfg.RulesBulkConcurrency)
			redisClient, err := cache.New(ctx, cache.Settings{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			if err != nil {
				logger.Warn("redis unavailable, servers pick up rules on their next refresh", slog.Any("error", err))
			} else {
				defer redisClient.Close()
				svc.SetNotifier(snapshot.NewNotifier(redisClient, cfg.RulesChannel))
			}
			return cli.SeedCommand(ctx, svc, opts)
		})
	case "check":
		opts, err := cli.ParseCheckFlags(rest)
		if err != nil {
			return flagError(stderr, err)
		}
		opts.Stdout, opts.Stderr = stdout, stderr
		return withConfig(ctx, stderr, func(cfg *app.Config, logger *slog.Logger) int {
			pool, err := db.New(ctx, db.PoolSettings{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
				return 1
			}
			defer pool.Close()
			job := jobs.NewRulesIntegrityJob(rules.NewPGRepository(pool), nil, logger, jobmetrics.NewMetrics(nil))
			return cli.CheckCommand(ctx, job, opts)
		})
	case "enqueue", "queue":
		return withConfig(ctx, stderr, func(cfg *app.Config, _ *slog.Logger) int {
			jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			defer jobsCLI.Close()
			if cmd == "queue" {
				stats, err := jobsCLI.InspectQueue(ctx)
				if err != nil {
					_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
					return 1
				}
				return printJSON(stdout, stderr, stats)
			}
			if len(rest) != 1 {
				_, _ = fmt.Fprintln(stderr, "enqueue: expected one job name (integrity or bump)")
				return 2
			}
			info, err := jobsCLI.Trigger(ctx, rest[0])
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return 0
		})
	case "move":
		opts, err := cli.ParseMoveFlags(rest)
		if err != nil {
			return flagError(stderr, err)
		}
		opts.Stdout, opts.Stderr = stdout, stderr
		var clientOpts []pipeline.ClientOption
		if opts.Token != "" {
			clientOpts = append(clientOpts, pipeline.WithBearerToken(opts.Token))
		}
		client, err := pipeline.NewClient(opts.API, clientOpts...)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "move: %v\n", err)
			return 2
		}
		return cli.MoveCommand(ctx, client, opts)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}
}

func withConfig(ctx context.Context, stderr io.Writer, fn func(*app.Config, *slog.Logger) int) int {
	if err := ctx.Err(); err != nil {
		return 1
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	return fn(cfg, app.NewLogger(cfg))
}

func flagError(stderr io.Writer, err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	_, _ = fmt.Fprintln(stderr, err)
	return 2
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
