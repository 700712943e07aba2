package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/internal/logging"
	"github.com/guseggert/pipes/task"
	"github.com/urfave/cli/v2"
)

type appOptions struct {
	handler    func(c *config.WorkerConfig) Handler
	serverOpts []Option
}

type AppOption func(o *appOptions)

// WithHandlerFactory replaces the default FileHandler.
func WithHandlerFactory(f func(c *config.WorkerConfig) Handler) AppOption {
	return func(o *appOptions) {
		o.handler = f
	}
}

// WithServerOptions are applied after the options derived from the command line.
func WithServerOptions(opts ...Option) AppOption {
	return func(o *appOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

func fileHandler(c *config.WorkerConfig) Handler {
	return &FileHandler{FetchBaseDir: c.FetchBaseDir, EmitDir: c.EmitDir}
}

// App is the worker command line the client launches:
//
//	<binary> [--search-path P] [--headless] [--exit-on-oom] [--log-output=stderr] serve <config> <batch-bytes> <timeout-ms> <shutdown-ms>
func App(opts ...AppOption) *cli.App {
	o := &appOptions{handler: fileHandler}
	for _, opt := range opts {
		opt(o)
	}

	return &cli.App{
		Name:  "pipesworker",
		Usage: "processes tasks sent by a pipes client over stdin/stdout",
		// stdout carries the protocol
		Writer:    os.Stderr,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "search-path",
				Aliases: []string{"cp", "classpath"},
				Usage:   "Directory the client was launched from.",
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Never open any UI.",
			},
			&cli.BoolFlag{
				Name:  "exit-on-oom",
				Usage: "Exit with a dedicated code after reporting out of memory.",
			},
			&cli.StringFlag{
				Name:  "log-output",
				Usage: "Log destination, stderr or a file path. Overrides the config file.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "serve",
				Usage:     "serve the protocol on stdin/stdout",
				ArgsUsage: "<config> <batch-bytes> <timeout-ms> <shutdown-ms>",
				Action: func(ctx *cli.Context) error {
					return serve(ctx, o)
				},
			},
		},
	}
}

func serve(ctx *cli.Context, o *appOptions) error {
	if ctx.NArg() != 4 {
		return fmt.Errorf("expected 4 arguments, got %d", ctx.NArg())
	}
	args := ctx.Args().Slice()
	configPath := args[0]
	batchBytes, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing batch bytes: %w", err)
	}
	timeoutMS, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing timeout: %w", err)
	}
	shutdownMS, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing shutdown after: %w", err)
	}

	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return err
	}
	if out := ctx.String("log-output"); out != "" {
		if out == "stdout" {
			return fmt.Errorf("%w: worker log output cannot be stdout, it carries the protocol", config.ErrInvalid)
		}
		cfg.Log.Outputs = []string{out}
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar().Named("worker")

	codec, err := task.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	if batchBytes != 0 {
		log.Warnf("batching is not supported, ignoring batch threshold of %d bytes", batchBytes)
	}
	log.Debugw("starting worker",
		"Config", configPath,
		"SearchPath", ctx.String("search-path"),
		"Headless", ctx.Bool("headless"),
		"Timeout", time.Duration(timeoutMS)*time.Millisecond,
		"ShutdownAfter", time.Duration(shutdownMS)*time.Millisecond,
	)

	serverOpts := append([]Option{
		WithLogger(logger),
		WithCodec(codec),
		WithTimeout(time.Duration(timeoutMS) * time.Millisecond),
		WithShutdownAfter(time.Duration(shutdownMS) * time.Millisecond),
		WithExitOnOOM(ctx.Bool("exit-on-oom")),
	}, o.serverOpts...)
	srv := New(o.handler(cfg), serverOpts...)

	err = srv.Serve(ctx.Context, os.Stdin, os.Stdout)
	if errors.Is(err, ErrIdle) {
		return nil
	}
	return err
}
