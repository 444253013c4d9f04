package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CTAG07/wordbeam/pkg/markov"
	"github.com/natefinch/atomic"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage: wordbeam [-config path] [command]

Commands:
  run                    read a model from stdin and print stages 1-4 (default)
  import <name>          read a model from stdin and store it as <name>
  export <name> [file]   write a stored model as JSON to stdout or file
  generate <name>        print stages 1-4 for a stored model
  serve                  run the HTTP API
  version                print build information
`

func main() {
	configPath := flag.String("config", "./config.json", "path to the JSON configuration file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := runCommand(flag.Args(), *configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "wordbeam: %v\n", err)
		os.Exit(1)
	}
}

// runCommand dispatches a command line, reading models from stdin and
// writing reports to stdout.
func runCommand(args []string, configPath string, stdin io.Reader, stdout io.Writer) error {
	command := "run"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		if len(args) != 0 {
			return fmt.Errorf("run takes no arguments")
		}
		model, err := markov.ReadModel(stdin)
		if err != nil {
			return err
		}
		model.SetLogger(newLogger("warn"))
		return writeStages(stdout, model)
	case "import":
		if len(args) != 1 {
			return fmt.Errorf("usage: import <name>")
		}
		return withStore(configPath, func(ctx context.Context, store *markov.Store) error {
			model, err := markov.ReadModel(stdin)
			if err != nil {
				return err
			}
			info, err := store.SaveModel(ctx, args[0], model)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "imported model %q (id %d, %d tokens)\n", info.Name, info.Id, info.Size)
			return err
		})
	case "export":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: export <name> [file]")
		}
		return withStore(configPath, func(ctx context.Context, store *markov.Store) error {
			info, err := store.GetModelInfo(ctx, args[0])
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err = store.ExportModel(ctx, info, &buf); err != nil {
				return err
			}
			if len(args) == 2 {
				return atomic.WriteFile(args[1], &buf)
			}
			_, err = buf.WriteTo(stdout)
			return err
		})
	case "generate":
		if len(args) != 1 {
			return fmt.Errorf("usage: generate <name>")
		}
		return withStore(configPath, func(ctx context.Context, store *markov.Store) error {
			info, err := store.GetModelInfo(ctx, args[0])
			if err != nil {
				return err
			}
			model, err := store.LoadModel(ctx, info)
			if err != nil {
				return err
			}
			return writeStages(stdout, model)
		})
	case "serve":
		if len(args) != 0 {
			return fmt.Errorf("serve takes no arguments")
		}
		return serve(configPath)
	case "version":
		_, err := fmt.Fprintf(stdout, "wordbeam %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return err
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// openDatabase opens the configured database and makes sure every schema exists.
func openDatabase(cfg *ServerConfig) (*sql.DB, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := initDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err = setupSchemas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// withStore loads the configuration, opens the model store, and runs fn with it.
func withStore(configPath string, fn func(ctx context.Context, store *markov.Store) error) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(config.Server.LogLevel)

	db, err := openDatabase(config.Server)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) {
		_ = db.Close()
	}(db)

	store, err := markov.NewStore(db)
	if err != nil {
		return fmt.Errorf("error creating model store: %w", err)
	}
	defer store.Close()
	store.SetLogger(logger)

	return fn(context.Background(), store)
}

// serve runs the API server until it is shut down, restarting it whenever
// the API asks for a restart.
func serve(configPath string) error {
	baseLogger := newLogger("info")

	actionChan := make(chan string, 1)

	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan // Wait for a signal
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(configPath, actionChan)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", slog.Any("error", err))
			return err
		}

		if action != actionRestart {
			break
		}
		baseLogger.Info("--- Server Restarting ---")
	}

	baseLogger.Info("wordbeam has shut down.")
	return nil
}

// run hosts the API server for one cycle, and returns whenever the server is shutdown or restarted.
func run(configPath string, actionChan chan string) (string, error) {
	cm, err := NewConfigManager(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	config := cm.Get()

	logger := newLogger(config.Server.LogLevel)
	cm.SetLogger(logger)
	logger.Info("Starting server cycle...", slog.String("version", Version))

	db, err := openDatabase(config.Server)
	if err != nil {
		return "", err
	}

	server, err := NewServer(cm, logger, db, actionChan)
	if err != nil {
		_ = db.Close()
		return "", fmt.Errorf("failed to create server object: %w", err)
	}

	apiHttpServer := &http.Server{
		Addr:              config.Server.ApiAddr,
		Handler:           server.apiMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting api server", slog.String("address", apiHttpServer.Addr))
		if err := apiHttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Api server failed", slog.Any("error", err))
			actionChan <- actionShutdown
		}
	}()

	action := <-actionChan // Block here until API or OS signal sends an action.

	logger.Info("Stopping server for " + action + "...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = apiHttpServer.Shutdown(ctx); err != nil {
		logger.Error("Api server shutdown failed", slog.Any("error", err))
	}
	logger.Info("HTTP server stopped.")

	server.Close()
	logger.Info("Closing database connection.")
	if err = db.Close(); err != nil {
		logger.Error("Failed to close database", slog.Any("error", err))
	}

	return action, nil
}
