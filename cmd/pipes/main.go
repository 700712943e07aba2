package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/pipes/client"
	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/internal/files"
	"github.com/guseggert/pipes/internal/logging"
	"github.com/guseggert/pipes/journal"
	"github.com/guseggert/pipes/server"
	"github.com/guseggert/pipes/task"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const workerBinary = "pipesworker"

func main() {
	app := &cli.App{
		Name:  "pipes",
		Usage: "process documents in supervised worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Client settings file (YAML). PIPES_* environment variables override it.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "process fetch keys and print one JSON outcome per line",
				ArgsUsage: "<key>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "fetcher",
						Usage: "Fetcher name for every key.",
						Value: "fs",
					},
					&cli.StringFlag{
						Name:  "emitter",
						Usage: "Emitter name for every key. Empty returns results to this process.",
					},
					&cli.StringFlag{
						Name:  "on-parse-exception",
						Usage: "One of [emit,skip].",
						Value: string(task.Emit),
					},
					&cli.StringFlag{
						Name:  "journal",
						Usage: "SQLite file to record every outcome in.",
					},
				},
				Action: run,
			},
			{
				Name:  "serve",
				Usage: "serve a pool of clients over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "127.0.0.1:9998",
					},
					&cli.StringFlag{
						Name:  "heartbeat-timeout",
						Usage: "Stop after this long without a heartbeat. 0 disables the check.",
						Value: "0",
					},
				},
				Action: serve,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads settings, finds the worker binary if none is configured, and builds the logger.
func setup(ctx *cli.Context) (*config.Settings, *zap.Logger, error) {
	settings, err := config.Read(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if settings.RuntimePath == "" {
		settings.RuntimePath, err = findWorker()
		if err != nil {
			return nil, nil, err
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(settings.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return settings, logger, nil
}

func findWorker() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding executable: %w", err)
	}
	found, err := files.FindUp(workerBinary, filepath.Dir(exe))
	if err != nil {
		return "", err
	}
	if found != "" {
		return found, nil
	}
	found, err = exec.LookPath(workerBinary)
	if err != nil {
		return "", fmt.Errorf("no runtime_path configured and %s not found: %w", workerBinary, err)
	}
	return found, nil
}

func run(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("no keys given")
	}
	onParseException := task.OnParseException(ctx.String("on-parse-exception"))
	if onParseException != task.Emit && onParseException != task.Skip {
		return fmt.Errorf("unsupported on-parse-exception %q", onParseException)
	}

	settings, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var j *journal.Journal
	if path := ctx.String("journal"); path != "" {
		j, err = journal.Open(path)
		if err != nil {
			return err
		}
		defer j.Close()
	}

	pool, err := client.NewPool(settings, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer pool.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tasks []*task.Task
	for _, key := range ctx.Args().Slice() {
		t := task.New(
			task.FetchKey{FetcherName: ctx.String("fetcher"), Key: key},
			task.EmitKey{EmitterName: ctx.String("emitter"), Key: key},
		)
		t.OnParseException = onParseException
		tasks = append(tasks, t)
	}

	enc := json.NewEncoder(os.Stdout)
	results := make(chan result, len(tasks))
	go func() {
		processAll(sigCtx, pool, tasks, results)
		close(results)
	}()

	var firstErr error
	for r := range results {
		line := server.ProcessResponse{TaskID: r.task.ID}
		if r.err != nil {
			line.Error = r.err.Error()
			if firstErr == nil {
				firstErr = r.err
			}
		} else {
			o := r.outcome
			line.Outcome = &o
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("writing outcome: %w", err)
		}
		if j != nil && r.err == nil {
			if err := record(sigCtx, j, r); err != nil {
				return err
			}
		}
	}
	return firstErr
}

type result struct {
	task      *task.Task
	outcome   client.Outcome
	err       error
	elapsed   time.Duration
	sessionID string
}

// processAll runs tasks with one goroutine per pooled client, sending results as they complete.
func processAll(ctx context.Context, pool *client.Pool, tasks []*task.Task, out chan<- result) {
	queue := make(chan *task.Task)
	done := make(chan struct{})
	for i := 0; i < pool.Size(); i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for t := range queue {
				r := result{task: t}
				start := time.Now()
				r.err = pool.With(ctx, func(c *client.Client) error {
					var err error
					r.outcome, err = c.Process(ctx, t)
					r.sessionID = c.SessionID()
					return err
				})
				r.elapsed = time.Since(start)
				out <- r
			}
		}()
	}
	for _, t := range tasks {
		queue <- t
	}
	close(queue)
	for i := 0; i < pool.Size(); i++ {
		<-done
	}
}

func record(ctx context.Context, j *journal.Journal, r result) error {
	e, err := journal.NewEntry(r.task.ID, r.outcome, r.elapsed, r.sessionID)
	if err != nil {
		return err
	}
	return j.Record(context.WithoutCancel(ctx), e)
}

func serve(ctx *cli.Context) error {
	heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}

	settings, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pool, err := client.NewPool(settings, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer pool.Close()

	srv, err := server.New(pool,
		server.WithLogger(logger),
		server.WithListenAddr(ctx.String("listen-addr")),
		server.WithHeartbeatTimeout(heartbeatTimeout),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		srv.Stop()
	}()

	return srv.Run()
}
