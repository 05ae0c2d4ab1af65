package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	sqliteadapter "github.com/kwilcz/traceflow/internal/adapters/db/sqlite"
	httpadapter "github.com/kwilcz/traceflow/internal/adapters/http"
	rpcadapter "github.com/kwilcz/traceflow/internal/adapters/rpcjson"
	"github.com/kwilcz/traceflow/internal/application"
	"github.com/kwilcz/traceflow/internal/domain"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "traceflow",
		Usage: "Trust-framework policy consolidation and trace debugging server and CLI",
		Commands: []*cli.Command{
			serverCommand(),
			consolidateCommand(),
			traceCommand(),
			flowsCommand(),
			runsCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, defaultServerConfig())
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run HTTP and JSON-RPC server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file path"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "rpc-socket", Usage: "JSON-RPC unix socket path"},
			&cli.StringFlag{Name: "db-path", Usage: "SQLite database path"},
			&cli.StringFlag{Name: "log-level", Usage: "zap log level (debug, info, warn, error)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := resolveServerConfig(c)
			if err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg serverConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := sqliteadapter.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := sqliteadapter.RunMigrations(ctx, db); err != nil {
		return err
	}

	repo := sqliteadapter.NewRunRepository(db)
	service := application.NewPolicyService(repo, logger)

	router := httpadapter.NewRouter(service)
	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rpcSrv, err := rpcadapter.Start(cfg.RPCSocket, service)
	if err != nil {
		return err
	}
	defer func() {
		_ = rpcSrv.Close()
	}()
	logger.Info("json-rpc listening", zap.String("socket", cfg.RPCSocket))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}

func consolidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "consolidate",
		Usage:     "Consolidate policy XML files into one merged document",
		ArgsUsage: "<policy.xml> [policy.xml ...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
			&cli.StringFlag{Name: "out", Usage: "write consolidated XML to file"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			paths := c.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("at least one policy file is required")
			}
			files := make([]domain.PolicyFile, 0, len(paths))
			for _, path := range paths {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				files = append(files, domain.PolicyFile{Name: path, Content: string(content)})
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out domain.UploadResponse
			if err := doConsolidate(ctx, cfg, files, &out); err != nil {
				return err
			}
			if c.String("out") != "" {
				if err := os.WriteFile(c.String("out"), []byte(out.ConsolidatedXML), 0o644); err != nil {
					return err
				}
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			printConsolidation(out)
			return nil
		},
	}
}

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:  "trace",
		Usage: "Trace log debugging",
		Commands: []*cli.Command{
			{
				Name:  "parse",
				Usage: "Reconstruct orchestration steps from a log file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "logs", Required: true, Usage: "JSON file with log records"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					logs, err := readLogFile(c.String("logs"))
					if err != nil {
						return err
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.TraceParseResult
					if err := doParseTrace(ctx, cfg, logs, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printTraceResult(out)
					return nil
				},
			},
		},
	}
}

func flowsCommand() *cli.Command {
	return &cli.Command{
		Name:  "flows",
		Usage: "User flow grouping",
		Commands: []*cli.Command{
			{
				Name:  "group",
				Usage: "Group a log file into user flows",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "logs", Required: true, Usage: "JSON file with log records"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					logs, err := readLogFile(c.String("logs"))
					if err != nil {
						return err
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.UserFlow
					if err := doGroupFlows(ctx, cfg, logs, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printFlows(out)
					return nil
				},
			},
			{
				Name:  "logs",
				Usage: "Show the log records belonging to one flow",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "logs", Required: true, Usage: "JSON file with log records"},
					&cli.StringFlag{Name: "flow", Required: true, Usage: "flow id (correlation id)"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					logs, err := readLogFile(c.String("logs"))
					if err != nil {
						return err
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.LogRecord
					if err := doFlowLogs(ctx, cfg, logs, c.String("flow"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printLogRecords(out)
					return nil
				},
			},
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Run history",
		Commands: []*cli.Command{
			{
				Name:  "consolidations",
				Usage: "List recent consolidation runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.ConsolidationRun
					if err := doListConsolidationRuns(ctx, cfg, int(c.Int("limit")), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printConsolidationRuns(out)
					return nil
				},
			},
			{
				Name:  "traces",
				Usage: "List recent trace parse runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.TraceParseRun
					if err := doListTraceParseRuns(ctx, cfg, int(c.Int("limit")), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printTraceParseRuns(out)
					return nil
				},
			},
		},
	}
}

func readLogFile(path string) ([]domain.LogRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var logs []domain.LogRecord
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return logs, nil
}
